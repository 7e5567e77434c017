package proto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello = "hello"

	MaxHelloSize = 16 << 10

	// NonceSize is the length of the challenge each end sends before its
	// hello.
	NonceSize = 32
)

func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// HelloMsg is exchanged by both ends of a new replica link. KeyFingerprint
// is empty unless the sender still holds a secret key for the link.
type HelloMsg struct {
	Type           string    `json:"type"`
	From           ReplicaID `json:"from"`
	To             ReplicaID `json:"to"`
	DHPub          string    `json:"dh_pub"`
	KeyFingerprint string    `json:"key_fp,omitempty"`
	Sig            string    `json:"sig"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	return json.Marshal(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	if len(data) > MaxHelloSize {
		return HelloMsg{}, fmt.Errorf("hello too large")
	}
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// HelloBytes is the signed portion of a HelloMsg. fromNonce and toNonce
// are the challenges sent by the signer and by the receiver on this socket.
func HelloBytes(from, to ReplicaID, fromNonce, toNonce, dhPub []byte, fingerprint string) []byte {
	buf := make([]byte, 0, 8+2*NonceSize+len(dhPub)+len(fingerprint)+len(MsgTypeHello))
	buf = append(buf, MsgTypeHello...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(from))
	buf = binary.BigEndian.AppendUint32(buf, uint32(to))
	buf = append(buf, fromNonce...)
	buf = append(buf, toNonce...)
	buf = append(buf, dhPub...)
	buf = append(buf, fingerprint...)
	return buf
}

func DecodeHelloFields(m HelloMsg) ([]byte, []byte, error) {
	pub, err := hex.DecodeString(m.DHPub)
	if err != nil || len(pub) == 0 {
		return nil, nil, fmt.Errorf("bad dh_pub")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return nil, nil, fmt.Errorf("bad sig")
	}
	if m.KeyFingerprint != "" {
		if _, err := hex.DecodeString(m.KeyFingerprint); err != nil {
			return nil, nil, fmt.Errorf("bad key_fp")
		}
	}
	return pub, sig, nil
}
