package comm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"bftcomm/internal/config"
	"bftcomm/internal/crypto"
	"bftcomm/internal/metrics"
	"bftcomm/internal/network"
	"bftcomm/internal/proto"
	"bftcomm/internal/testutil"
	"bftcomm/internal/view"
)

const waitFor = 5 * time.Second

func testConfig() config.Config {
	c := config.Default()
	c.AcceptTimeout = 50 * time.Millisecond
	c.HandshakeTimeout = 2 * time.Second
	c.ReconnectWait = 2 * time.Second
	c.PBKDFIterations = 10
	return c
}

func addr(id proto.ReplicaID) string {
	return fmt.Sprintf("replica-%d", id)
}

type cluster struct {
	net     *network.MemNetwork
	signers map[proto.ReplicaID]crypto.Signer
	ids     []proto.ReplicaID
}

func newCluster(t *testing.T, ids ...proto.ReplicaID) *cluster {
	t.Helper()
	c := &cluster{net: network.NewMemNetwork(), signers: make(map[proto.ReplicaID]crypto.Signer), ids: ids}
	for _, id := range ids {
		s, err := crypto.GenerateSigner(crypto.SigEd25519)
		if err != nil {
			t.Fatalf("generate signer: %v", err)
		}
		c.signers[id] = s
	}
	return c
}

func (c *cluster) view(self proto.ReplicaID, members ...proto.ReplicaID) *view.Controller {
	hosts := make(map[proto.ReplicaID]string)
	keys := make(map[proto.ReplicaID][]byte)
	for _, id := range c.ids {
		hosts[id] = addr(id)
		keys[id] = c.signers[id].Public()
	}
	return view.New(view.Options{
		Self:       self,
		TTP:        7001,
		Members:    members,
		Hosts:      hosts,
		PublicKeys: keys,
	})
}

func (c *cluster) manager(t *testing.T, v *view.Controller, m *metrics.Metrics) *Manager {
	t.Helper()
	mgr, err := NewManager(Options{
		Config:    testConfig(),
		View:      v,
		Transport: c.net.Transport(false),
		Signer:    c.signers[v.Self()],
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func (c *cluster) start(t *testing.T, v *view.Controller) *Manager {
	t.Helper()
	mgr := c.manager(t, v, metrics.New())
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start %d: %v", v.Self(), err)
	}
	return mgr
}

func recv(t *testing.T, m *Manager) proto.SystemMessage {
	t.Helper()
	select {
	case msg := <-m.Inbound():
		return msg
	case <-time.After(waitFor):
		t.Fatalf("replica %d: no inbound message", m.Self())
		return nil
	}
}

func expectNothing(t *testing.T, m *Manager, d time.Duration) {
	t.Helper()
	select {
	case msg := <-m.Inbound():
		t.Fatalf("replica %d: unexpected inbound %s from %d", m.Self(), msg.Kind(), msg.Header().Sender)
	case <-time.After(d):
	}
}

func TestSelfSendDeliversLocally(t *testing.T) {
	c := newCluster(t, 0, 1, 2, 3)
	m := c.manager(t, c.view(2, 0, 1, 2, 3), nil)
	cm := proto.NewConsensusMessage(proto.ConsensusWrite, 5, 0, 2, []byte("v"))
	m.Send([]proto.ReplicaID{2}, cm, true)

	got := recv(t, m)
	if got != proto.SystemMessage(cm) {
		t.Fatalf("expected the original message object")
	}
	if !got.Header().Authenticated {
		t.Fatalf("self delivery must be authenticated")
	}
	expectNothing(t, m, 50*time.Millisecond)
	if n := len(m.Stats()); n != 0 {
		t.Fatalf("self send created %d connections", n)
	}
}

func TestSelfDeliveryPrecedesRemoteQueueing(t *testing.T) {
	c := newCluster(t, 0, 1)
	m := c.manager(t, c.view(1, 0, 1), nil)
	cm := proto.NewConsensusMessage(proto.ConsensusPropose, 1, 0, 1, []byte("v"))
	m.Send([]proto.ReplicaID{0, 1}, cm, true)
	got := recv(t, m)
	if !got.Header().Authenticated {
		t.Fatalf("self copy not authenticated")
	}
	if n := len(m.Stats()); n != 1 {
		t.Fatalf("expected one remote link, got %d", n)
	}
}

func TestSendBetweenReplicas(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.start(t, c.view(0, 0, 1))
	m1 := c.start(t, c.view(1, 0, 1))

	m1.Send([]proto.ReplicaID{0}, proto.NewConsensusMessage(proto.ConsensusWrite, 3, 0, 1, []byte("w")), true)
	got := recv(t, m0)
	if got.Header().Sender != 1 || !got.Header().Authenticated {
		t.Fatalf("unexpected delivery sender=%d auth=%v", got.Header().Sender, got.Header().Authenticated)
	}
	cm, ok := got.(*proto.ConsensusMessage)
	if !ok || cm.Number != 3 || !bytes.Equal(cm.Value, []byte("w")) {
		t.Fatalf("unexpected message %#v", got)
	}

	m0.Send([]proto.ReplicaID{1}, proto.NewTreeMessage(proto.TreeM, 0, 0), true)
	if got := recv(t, m1); got.Kind() != proto.KindTree || !got.Header().Authenticated {
		t.Fatalf("unexpected reply %s auth=%v", got.Kind(), got.Header().Authenticated)
	}

	k0, ok0 := m0.SecretKey(1)
	k1, ok1 := m1.SecretKey(0)
	if !ok0 || !ok1 || !bytes.Equal(k0, k1) {
		t.Fatalf("link keys differ")
	}
	if self, _ := m0.SecretKey(0); bytes.Equal(self, k0) {
		t.Fatalf("self key equals link key")
	}
}

func TestReconnectKeepsLinkKey(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.start(t, c.view(0, 0, 1))
	m1 := c.start(t, c.view(1, 0, 1))

	m1.Send([]proto.ReplicaID{0}, proto.NewConsensusMessage(proto.ConsensusWrite, 1, 0, 1, []byte("a")), true)
	recv(t, m0)

	m1.mu.Lock()
	pc := m1.conns[0]
	m1.mu.Unlock()
	key, ok := m1.SecretKey(0)
	if pc == nil || !ok {
		t.Fatalf("no link to 0 after first send")
	}
	conn, _ := pc.current()
	if conn == nil {
		t.Fatalf("link to 0 has no socket")
	}
	_ = conn.Close()
	testutil.Eventually(t, waitFor, func() bool {
		c, _ := pc.current()
		return c == nil
	}, "closed socket still installed")

	m1.Send([]proto.ReplicaID{0}, proto.NewConsensusMessage(proto.ConsensusWrite, 2, 0, 1, []byte("b")), true)
	got := recv(t, m0)
	cm, isCM := got.(*proto.ConsensusMessage)
	if !isCM || cm.Number != 2 || !got.Header().Authenticated {
		t.Fatalf("unexpected delivery after reconnect: %#v", got)
	}

	m1.mu.Lock()
	same := m1.conns[0] == pc
	m1.mu.Unlock()
	if !same {
		t.Fatalf("reconnect replaced the peer connection")
	}
	if after, _ := m1.SecretKey(0); !bytes.Equal(after, key) {
		t.Fatalf("dialer link key changed across reconnect")
	}
	if k0, _ := m0.SecretKey(1); !bytes.Equal(k0, key) {
		t.Fatalf("acceptor link key differs after reconnect")
	}
	if c, _ := pc.current(); c == nil || c == conn {
		t.Fatalf("no fresh socket installed")
	}
}

func TestUpdateConnectionsReplacesRemovedPeer(t *testing.T) {
	c := newCluster(t, 0, 1, 2)
	m0 := c.start(t, c.view(0, 0, 1, 2))
	v1 := c.view(1, 0, 1, 2)
	m1 := c.start(t, v1)

	m1.Send([]proto.ReplicaID{0}, proto.NewTreeMessage(proto.TreeM, 1, 1), true)
	recv(t, m0)

	m1.mu.Lock()
	old := m1.conns[0]
	m1.mu.Unlock()
	if old == nil {
		t.Fatalf("expected connection to 0")
	}

	v1.SetMembers([]proto.ReplicaID{1, 2})
	m1.UpdateConnections()
	if !old.isShutdown() {
		t.Fatalf("removed peer connection still running")
	}
	m1.Send([]proto.ReplicaID{0}, proto.NewTreeMessage(proto.TreeM, 1, 1), true)
	expectNothing(t, m0, 100*time.Millisecond)

	v1.SetMembers([]proto.ReplicaID{0, 1, 2})
	m1.UpdateConnections()
	m1.mu.Lock()
	fresh := m1.conns[0]
	m1.mu.Unlock()
	if fresh == nil || fresh == old {
		t.Fatalf("expected a new connection object after re-adding peer")
	}
	m1.Send([]proto.ReplicaID{0}, proto.NewTreeMessage(proto.TreeParent, 1, 1), true)
	got := recv(t, m0)
	if tm, ok := got.(*proto.TreeMessage); !ok || tm.Op != proto.TreeParent {
		t.Fatalf("unexpected delivery %#v", got)
	}
}

func TestUpdateConnectionsLeavingView(t *testing.T) {
	c := newCluster(t, 0, 1, 2)
	v := c.view(2, 0, 1, 2)
	m := c.start(t, v)
	if n := len(m.Stats()); n != 2 {
		t.Fatalf("expected 2 links, got %d", n)
	}
	v.SetMembers([]proto.ReplicaID{0, 1})
	m.UpdateConnections()
	if n := len(m.Stats()); n != 0 {
		t.Fatalf("expected no links after leaving the view, got %d", n)
	}
}

func dialAs(t *testing.T, c *cluster, target, as proto.ReplicaID) network.Conn {
	t.Helper()
	conn, err := c.net.Transport(false).Dial(context.Background(), addr(target))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := proto.WriteReplicaID(conn, as); err != nil {
		t.Fatalf("write preamble: %v", err)
	}
	return conn
}

func TestPendingPromotedAfterJoin(t *testing.T) {
	c := newCluster(t, 0, 1, 2, 5)
	v0 := c.view(0, 1, 2)
	m0 := c.start(t, v0)

	dialAs(t, c, 0, 1)
	stranger := dialAs(t, c, 0, 5)
	testutil.Eventually(t, waitFor, func() bool { return m0.PendingCount() == 2 }, "expected 2 pending sockets, got %d", m0.PendingCount())
	if n := len(m0.Stats()); n != 0 {
		t.Fatalf("pending sockets created %d connections", n)
	}

	v0.SetMembers([]proto.ReplicaID{0, 1, 2})
	m0.JoinViewReceived()
	if n := m0.PendingCount(); n != 0 {
		t.Fatalf("pending not drained: %d", n)
	}
	stats := m0.Stats()
	if len(stats) != 1 || stats[0].ID != 1 {
		t.Fatalf("expected exactly one promoted connection to 1, got %+v", stats)
	}

	_ = stranger.SetDeadline(time.Now().Add(waitFor))
	if _, err := stranger.Read(make([]byte, 1)); err != io.EOF && err != io.ErrClosedPipe {
		t.Fatalf("expected non-member socket to be closed, got %v", err)
	}
}

func TestNonMemberClosedWhenInView(t *testing.T) {
	c := newCluster(t, 0, 1, 9)
	m0 := c.start(t, c.view(0, 0, 1))
	stranger := dialAs(t, c, 0, 9)
	_ = stranger.SetDeadline(time.Now().Add(waitFor))
	if _, err := stranger.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected socket from non-member to be closed")
	}
	if m0.PendingCount() != 0 {
		t.Fatalf("in-view replica must not quarantine")
	}
}

func TestInvalidMACDiscarded(t *testing.T) {
	c := newCluster(t, 0, 1)
	mx := metrics.New()
	m0 := c.manager(t, c.view(0, 0, 1), mx)
	if err := m0.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	peer := c.manager(t, c.view(1, 0, 1), nil)

	conn := dialAs(t, c, 0, 1)
	key, err := peer.negotiate(conn, 0, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	data, err := proto.Encode(proto.NewConsensusMessage(proto.ConsensusWrite, 1, 0, 1, []byte("x")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bad := peer.MAC().Compute(key, data)
	bad[0] ^= 0xff
	if err := proto.WritePacket(conn, proto.Packet{Data: data, MAC: bad}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectNothing(t, m0, 100*time.Millisecond)
	if got := mx.Snapshot().DropByReason[metrics.DropBadMAC]; got != 1 {
		t.Fatalf("expected one bad mac drop, got %d", got)
	}

	forged, _ := proto.Encode(proto.NewConsensusMessage(proto.ConsensusWrite, 1, 0, 0, []byte("x")))
	if err := proto.WritePacket(conn, proto.Packet{Data: forged, MAC: peer.MAC().Compute(key, forged)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectNothing(t, m0, 100*time.Millisecond)

	if err := proto.WritePacket(conn, proto.Packet{Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := recv(t, m0); got.Header().Authenticated {
		t.Fatalf("message without mac must not be authenticated")
	}

	if err := proto.WritePacket(conn, proto.Packet{Data: data, MAC: peer.MAC().Compute(key, data)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := recv(t, m0); !got.Header().Authenticated {
		t.Fatalf("valid mac not authenticated")
	}
}

func TestNegotiateResumesMatchingKey(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.manager(t, c.view(0, 0, 1), nil)
	m1 := c.manager(t, c.view(1, 0, 1), nil)

	run := func(cur0, cur1 []byte) ([]byte, []byte) {
		t.Helper()
		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()
		type res struct {
			key []byte
			err error
		}
		ch := make(chan res, 1)
		go func() {
			k, err := m1.negotiate(b, 0, cur1)
			ch <- res{k, err}
		}()
		k0, err := m0.negotiate(a, 1, cur0)
		if err != nil {
			t.Fatalf("negotiate 0: %v", err)
		}
		r := <-ch
		if r.err != nil {
			t.Fatalf("negotiate 1: %v", r.err)
		}
		return k0, r.key
	}

	k0, k1 := run(nil, nil)
	if !bytes.Equal(k0, k1) || len(k0) != crypto.SecretKeySize {
		t.Fatalf("fresh keys disagree")
	}
	r0, r1 := run(k0, k1)
	if !bytes.Equal(r0, k0) || !bytes.Equal(r1, k1) {
		t.Fatalf("matching keys were not resumed")
	}
	n0, n1 := run(k0, nil)
	if !bytes.Equal(n0, n1) || bytes.Equal(n0, k0) {
		t.Fatalf("expected a fresh shared key after one side lost its key")
	}
}

func TestNegotiateRejectsWrongSigner(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.manager(t, c.view(0, 0, 1), nil)
	v1 := c.view(1, 0, 1)
	impostor, err := crypto.GenerateSigner(crypto.SigEd25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	m1, err := NewManager(Options{Config: testConfig(), View: v1, Transport: c.net.Transport(false), Signer: impostor})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = m1.negotiate(b, 0, nil) }()
	if _, err := m0.negotiate(a, 1, nil); err == nil {
		t.Fatalf("expected signature check to fail")
	}
}

func TestReplayedHelloRejected(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.manager(t, c.view(0, 0, 1), nil)
	cfg := testConfig()
	own := bytes.Repeat([]byte{7}, proto.NonceSize)

	// A genuine session, recording replica 1's hello.
	var recorded []byte
	peer := func(conn net.Conn, replay []byte) {
		theirs, err := proto.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := proto.WriteFrame(conn, own); err != nil {
			return
		}
		out := replay
		if out == nil {
			kx, err := crypto.NewKeyExchange(cfg.DHScheme, cfg.DHGroup)
			if err != nil {
				return
			}
			defer kx.Destroy()
			pub, _ := kx.Public()
			sig, err := c.signers[1].Sign(proto.HelloBytes(1, 0, own, theirs, pub, ""))
			if err != nil {
				return
			}
			out, _ = proto.EncodeHelloMsg(proto.HelloMsg{
				From:  1,
				To:    0,
				DHPub: hex.EncodeToString(pub),
				Sig:   hex.EncodeToString(sig),
			})
			recorded = out
		}
		_, _ = exchangeFrame(conn, out)
	}

	a, b := net.Pipe()
	done := make(chan struct{})
	go func() { defer close(done); peer(b, nil) }()
	if _, err := m0.negotiate(a, 1, nil); err != nil {
		t.Fatalf("genuine negotiate: %v", err)
	}
	<-done
	a.Close()
	b.Close()
	if recorded == nil {
		t.Fatalf("no hello recorded")
	}

	a, b = net.Pipe()
	defer a.Close()
	defer b.Close()
	go peer(b, recorded)
	if _, err := m0.negotiate(a, 1, nil); err == nil {
		t.Fatalf("hello replayed on a new socket was accepted")
	}
}

func TestDialingRule(t *testing.T) {
	c := newCluster(t, 0, 3)
	m := c.manager(t, c.view(3, 0, 3), nil)
	if !newPeerConn(m, 0).isDialer() {
		t.Fatalf("higher id must dial lower id")
	}
	if newPeerConn(m, 5).isDialer() {
		t.Fatalf("lower id must wait for higher id")
	}
	if newPeerConn(m, 7001).isDialer() {
		t.Fatalf("replicas never dial the ttp")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newCluster(t, 0, 1)
	m0 := c.start(t, c.view(0, 0, 1))
	m0.Shutdown()
	m0.Shutdown()
	m0.Send([]proto.ReplicaID{1}, proto.NewTreeMessage(proto.TreeM, 0, 0), true)
	if n := len(m0.Stats()); n != 0 {
		t.Fatalf("send after shutdown created %d links", n)
	}
	if m0.EnqueueLocal(proto.NewLocalLeaderChange(0)) {
		if msg := <-m0.Inbound(); !msg.Header().Authenticated {
			t.Fatalf("local message not authenticated")
		}
	}
}
