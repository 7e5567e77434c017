package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const MaxMessageSize = MaxFrameSize - packetOverhead

var ErrUnknownKind = errors.New("unknown message kind")

// Encode serializes msg with its kind in the "type" field.
func Encode(msg SystemMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if h := msg.Header(); h.Type != msg.Kind() {
		h.Type = msg.Kind()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(data))
	}
	return data, nil
}

// Decode parses a message produced by Encode. The returned message is
// never marked authenticated.
func Decode(data []byte) (SystemMessage, error) {
	var hdr struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	var msg SystemMessage
	switch hdr.Type {
	case KindConsensus:
		msg = &ConsensusMessage{}
	case KindLeaderChange:
		msg = &LeaderChangeMessage{}
	case KindForwarded:
		msg = &ForwardedMessage{}
	case KindStateManagement:
		msg = &StateManagementMessage{}
	case KindTree:
		msg = &TreeMessage{}
	case KindForwardTree:
		msg = &ForwardTree{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, hdr.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", hdr.Type, err)
	}
	if ft, ok := msg.(*ForwardTree); ok && ft.Message == nil {
		return nil, fmt.Errorf("decode %s: missing cm", hdr.Type)
	}
	return msg, nil
}
