package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	packetPlain  byte = 0
	packetMACed  byte = 1
	maxMACSize        = 64
	packetHeader      = 1 + 4

	packetOverhead = packetHeader + maxMACSize
)

// Packet is the unit written on a replica link: a serialized message and
// an optional MAC computed over it with the link's secret key.
type Packet struct {
	Data []byte
	MAC  []byte
}

func EncodePacket(p Packet) ([]byte, error) {
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("empty packet")
	}
	if len(p.MAC) > maxMACSize {
		return nil, fmt.Errorf("mac too long")
	}
	out := make([]byte, packetHeader, packetHeader+len(p.Data)+len(p.MAC))
	out[0] = packetPlain
	if len(p.MAC) > 0 {
		out[0] = packetMACed
	}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(p.Data)))
	out = append(out, p.Data...)
	out = append(out, p.MAC...)
	return out, nil
}

func DecodePacket(b []byte) (Packet, error) {
	if len(b) < packetHeader {
		return Packet{}, fmt.Errorf("short packet")
	}
	n := int(binary.BigEndian.Uint32(b[1:5]))
	rest := b[packetHeader:]
	if n == 0 || n > len(rest) {
		return Packet{}, fmt.Errorf("bad packet length %d", n)
	}
	p := Packet{Data: rest[:n]}
	tail := rest[n:]
	switch b[0] {
	case packetPlain:
		if len(tail) != 0 {
			return Packet{}, fmt.Errorf("trailing bytes in plain packet")
		}
	case packetMACed:
		if len(tail) == 0 || len(tail) > maxMACSize {
			return Packet{}, fmt.Errorf("bad mac length %d", len(tail))
		}
		p.MAC = tail
	default:
		return Packet{}, fmt.Errorf("bad packet flag %d", b[0])
	}
	return p, nil
}

func WritePacket(w io.Writer, p Packet) error {
	b, err := EncodePacket(p)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

func ReadPacket(r io.Reader) (Packet, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Packet{}, err
	}
	return DecodePacket(b)
}
