package comm

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bftcomm/internal/crypto"
	"bftcomm/internal/network"
	"bftcomm/internal/proto"
)

// negotiate exchanges fresh nonces and then signed hellos on a new socket
// and returns the key for the link. Each hello covers both nonces, so a
// hello recorded on another socket does not verify. When both ends still
// hold the same key it is kept; otherwise a new one is derived from an
// ephemeral Diffie-Hellman agreement.
func (m *Manager) negotiate(conn network.Conn, remote proto.ReplicaID, current []byte) ([]byte, error) {
	if d := m.cfg.HandshakeTimeout; d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
		defer conn.SetDeadline(time.Time{})
	}
	nonce, err := proto.NewNonce()
	if err != nil {
		return nil, err
	}
	peerNonce, err := exchangeFrame(conn, nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce exchange with %d: %w", remote, err)
	}
	if len(peerNonce) != proto.NonceSize {
		return nil, fmt.Errorf("nonce from %d has %d bytes", remote, len(peerNonce))
	}

	kx, err := crypto.NewKeyExchange(m.cfg.DHScheme, m.cfg.DHGroup)
	if err != nil {
		return nil, err
	}
	defer kx.Destroy()
	pub, err := kx.Public()
	if err != nil {
		return nil, err
	}
	fp := crypto.KeyFingerprint(current)
	sig, err := m.signer.Sign(proto.HelloBytes(m.me, remote, nonce, peerNonce, pub, fp))
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	out, err := proto.EncodeHelloMsg(proto.HelloMsg{
		From:           m.me,
		To:             remote,
		DHPub:          hex.EncodeToString(pub),
		KeyFingerprint: fp,
		Sig:            hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, err
	}

	raw, err := exchangeFrame(conn, out)
	if err != nil {
		return nil, fmt.Errorf("hello exchange with %d: %w", remote, err)
	}

	in, err := proto.DecodeHelloMsg(raw)
	if err != nil {
		return nil, fmt.Errorf("hello from %d: %w", remote, err)
	}
	if in.From != remote || in.To != m.me {
		return nil, fmt.Errorf("hello from %d addressed %d->%d", remote, in.From, in.To)
	}
	peerPub, peerSig, err := proto.DecodeHelloFields(in)
	if err != nil {
		return nil, fmt.Errorf("hello from %d: %w", remote, err)
	}
	if !m.view.VerifySignature(remote, proto.HelloBytes(in.From, in.To, peerNonce, nonce, peerPub, in.KeyFingerprint), peerSig) {
		return nil, fmt.Errorf("bad hello signature from %d", remote)
	}
	if fp != "" && in.KeyFingerprint == fp {
		return current, nil
	}
	shared, err := kx.Shared(peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement with %d: %w", remote, err)
	}
	return m.deriver.LinkKey(shared, int32(m.me), int32(remote))
}

// exchangeFrame writes out and reads the peer's frame concurrently.
func exchangeFrame(conn network.Conn, out []byte) ([]byte, error) {
	var in []byte
	var g errgroup.Group
	g.Go(func() error { return proto.WriteFrame(conn, out) })
	g.Go(func() error {
		b, err := proto.ReadFrame(conn)
		in = b
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}
