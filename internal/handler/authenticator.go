package handler

import (
	"bftcomm/internal/crypto"
	"bftcomm/internal/debuglog"
	"bftcomm/internal/proto"
)

// KeyStore yields the symmetric key shared with a replica.
type KeyStore interface {
	SecretKey(id proto.ReplicaID) ([]byte, bool)
}

// SignatureVerifier checks a signature against a replica's public key.
type SignatureVerifier interface {
	VerifySignature(id proto.ReplicaID, msg, sig []byte) bool
}

// Authenticator decides whether an inbound message may be acted on.
type Authenticator struct {
	me       proto.ReplicaID
	keys     KeyStore
	verifier SignatureVerifier
	mac      *crypto.MAC
}

func NewAuthenticator(me proto.ReplicaID, keys KeyStore, verifier SignatureVerifier, mac *crypto.MAC) *Authenticator {
	return &Authenticator{me: me, keys: keys, verifier: verifier, mac: mac}
}

// IsTrusted applies the trust rules in order: a secure transport, the local
// sender, link authentication, then the message's own proof. Relayed
// consensus messages are always checked against their originator's
// signature.
func (a *Authenticator) IsTrusted(msg proto.SystemMessage, secureTransport bool) bool {
	if msg == nil {
		return false
	}
	if fwd, ok := msg.(*proto.ForwardTree); ok {
		if a.VerifyForward(fwd) {
			return true
		}
		debuglog.Warnf("replica %d: discarding forward-tree from %d: bad signature", a.me, fwd.Sender)
		return false
	}
	h := msg.Header()
	if secureTransport || h.Sender == a.me || h.Authenticated {
		return true
	}
	if cm, ok := msg.(*proto.ConsensusMessage); ok && cm.Phase == proto.ConsensusAccept && len(cm.Proof) > 0 {
		if a.VerifyMACVector(cm) {
			return true
		}
		debuglog.Warnf("replica %d: discarding %s from %d: MAC vector does not verify", a.me, cm.Phase, cm.Sender)
		return false
	}
	debuglog.Warnf("replica %d: discarding unauthenticated %s from %d", a.me, msg.Kind(), h.Sender)
	return false
}

// VerifyMACVector checks the entry addressed to the local replica against
// the key shared with the message's sender.
func (a *Authenticator) VerifyMACVector(cm *proto.ConsensusMessage) bool {
	tag, ok := cm.Proof[a.me]
	if !ok {
		return false
	}
	key, ok := a.keys.SecretKey(cm.Sender)
	if !ok {
		return false
	}
	return a.mac.Verify(key, proto.CanonicalConsensusBytes(cm.Stripped()), tag)
}

func (a *Authenticator) VerifyForward(fwd *proto.ForwardTree) bool {
	if fwd == nil || fwd.Message == nil || len(fwd.Signature) == 0 {
		return false
	}
	return a.verifier.VerifySignature(fwd.Message.Sender, proto.CanonicalConsensusBytes(fwd.Message), fwd.Signature)
}

// BuildMACVector computes one authenticator per receiver over the
// canonical bytes of cm. Receivers without a shared key are skipped.
func BuildMACVector(cm *proto.ConsensusMessage, receivers []proto.ReplicaID, keys KeyStore, mac *crypto.MAC) map[proto.ReplicaID][]byte {
	data := proto.CanonicalConsensusBytes(cm.Stripped())
	out := make(map[proto.ReplicaID][]byte, len(receivers))
	for _, id := range receivers {
		key, ok := keys.SecretKey(id)
		if !ok {
			continue
		}
		out[id] = mac.Compute(key, data)
	}
	return out
}
