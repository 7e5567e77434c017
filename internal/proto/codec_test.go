package proto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCodecPreservesMessages(t *testing.T) {
	cm := NewConsensusMessage(ConsensusAccept, 12, 3, 2, []byte("batch"))
	cm.Proof = map[ReplicaID][]byte{0: {1, 2}, 1: {3, 4}}
	msgs := []SystemMessage{
		cm,
		NewLeaderChangeMessage(LCStopData, 4, 1, []byte("lc")),
		NewForwardedMessage(3, &ClientRequest{ClientID: 1001, Sequence: 5, Operation: []byte("op")}),
		NewStateManagementMessage(StateReply, 0, 99, 2, []byte("state")),
		NewTreeMessage(TreeParent, 1, 0),
		NewForwardTree(1, NewConsensusMessage(ConsensusPropose, 1, 0, 0, []byte("v")), []byte("sig")),
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode %s: %v", msg.Kind(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", msg.Kind(), err)
		}
		if diff := cmp.Diff(msg, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", msg.Kind(), diff)
		}
	}
}

func TestAuthenticatedNeverSerialized(t *testing.T) {
	cm := NewConsensusMessage(ConsensusWrite, 1, 0, 1, []byte("x"))
	cm.Authenticated = true
	data, err := Encode(cm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(data, []byte("uthenticated")) {
		t.Fatalf("authenticated flag leaked: %s", data)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Header().Authenticated {
		t.Fatalf("decoded message must start unauthenticated")
	}
}

func TestTriggerLocallyNotSerialized(t *testing.T) {
	lc := NewLocalLeaderChange(2)
	data, err := Encode(lc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.(*LeaderChangeMessage).TriggerLocally {
		t.Fatalf("trigger flag crossed the wire")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mystery","sender":1}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"forward_tree","sender":1}`)); err == nil {
		t.Fatalf("expected forward_tree without cm to fail")
	}
}

func TestEncodeFixesType(t *testing.T) {
	tm := &TreeMessage{Op: TreeInit, Root: 1}
	data, err := Encode(tm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind() != KindTree {
		t.Fatalf("unexpected kind %s", got.Kind())
	}
}

func TestCanonicalBytesIgnoreProof(t *testing.T) {
	cm := NewConsensusMessage(ConsensusAccept, 8, 1, 3, []byte("value"))
	base := CanonicalConsensusBytes(cm)
	cm.Proof = map[ReplicaID][]byte{0: []byte("mac")}
	cm.Authenticated = true
	if !bytes.Equal(base, CanonicalConsensusBytes(cm)) {
		t.Fatalf("proof or local state changed canonical bytes")
	}
	other := NewConsensusMessage(ConsensusAccept, 9, 1, 3, []byte("value"))
	if bytes.Equal(base, CanonicalConsensusBytes(other)) {
		t.Fatalf("different instances share canonical bytes")
	}
	if cm.Stripped().Proof != nil {
		t.Fatalf("stripped copy kept proof")
	}
	if cm.Proof == nil {
		t.Fatalf("stripping mutated the original")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	in := HelloMsg{From: 1, To: 0, DHPub: "0a0b", KeyFingerprint: "ff", Sig: "01"}
	data, err := EncodeHelloMsg(in)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	out, err := DecodeHelloMsg(data)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	pub, sig, err := DecodeHelloFields(out)
	if err != nil {
		t.Fatalf("hello fields: %v", err)
	}
	if !bytes.Equal(pub, []byte{0x0a, 0x0b}) || !bytes.Equal(sig, []byte{1}) {
		t.Fatalf("unexpected fields %x %x", pub, sig)
	}
	a, b := bytes.Repeat([]byte{1}, NonceSize), bytes.Repeat([]byte{2}, NonceSize)
	if bytes.Equal(HelloBytes(1, 0, a, b, pub, "ff"), HelloBytes(0, 1, a, b, pub, "ff")) {
		t.Fatalf("hello bytes must bind direction")
	}
	if bytes.Equal(HelloBytes(1, 0, a, b, pub, "ff"), HelloBytes(1, 0, a, a, pub, "ff")) {
		t.Fatalf("hello bytes must bind the receiver's nonce")
	}
	n1, err := NewNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	n2, _ := NewNonce()
	if len(n1) != NonceSize || bytes.Equal(n1, n2) {
		t.Fatalf("nonces must be fresh %x %x", n1, n2)
	}
	if _, err := DecodeHelloMsg([]byte(`{"type":"hello2"}`)); err == nil {
		t.Fatalf("expected wrong type to fail")
	}
}
