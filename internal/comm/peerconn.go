package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bftcomm/internal/crypto"
	"bftcomm/internal/debuglog"
	"bftcomm/internal/metrics"
	"bftcomm/internal/network"
	"bftcomm/internal/proto"
)

type outbound struct {
	data   []byte
	useMAC bool
}

// peerConn is the link to one remote replica. The outbound queue survives
// reconnections; the socket and secret key are replaced by install.
type peerConn struct {
	m        *Manager
	remoteID proto.ReplicaID
	out      chan outbound
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	conn     network.Conn
	secret   []byte
	ready    chan struct{}
	inflight map[network.Conn]struct{}
}

func newPeerConn(m *Manager, id proto.ReplicaID) *peerConn {
	return &peerConn{
		m:        m,
		remoteID: id,
		out:      make(chan outbound, m.cfg.OutQueueSize),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		inflight: make(map[network.Conn]struct{}),
	}
}

// isDialer reports whether this side opens the socket. Replicas connect to
// lower ids and never to the trusted third party.
func (pc *peerConn) isDialer() bool {
	return pc.remoteID != pc.m.view.TTPID() && pc.m.me > pc.remoteID
}

// send blocks while the outbound queue is full.
func (pc *peerConn) send(data []byte, useMAC bool) {
	select {
	case pc.out <- outbound{data: data, useMAC: useMAC}:
	case <-pc.done:
		pc.m.metrics.IncDrop(metrics.DropNoConnection, int32(pc.remoteID))
	}
}

func (pc *peerConn) sendLoop() {
	if pc.isDialer() {
		if err := pc.connect(); err != nil {
			debuglog.Debugf("replica %d: initial connect to %d failed: %v", pc.m.me, pc.remoteID, err)
		}
	}
	for {
		select {
		case <-pc.done:
			return
		case ob := <-pc.out:
			pc.transmit(ob)
		}
	}
}

func (pc *peerConn) transmit(ob outbound) {
	conn, secret := pc.current()
	if conn == nil {
		conn, secret = pc.awaitConnection()
	}
	if conn == nil {
		debuglog.RateLimitedf(fmt.Sprintf("noconn:%d", pc.remoteID), 5*time.Second,
			"replica %d: no connection to %d, dropping outbound message", pc.m.me, pc.remoteID)
		pc.m.metrics.IncDrop(metrics.DropNoConnection, int32(pc.remoteID))
		return
	}
	p := proto.Packet{Data: ob.data}
	if ob.useMAC && len(secret) > 0 {
		p.MAC = pc.m.mac.Compute(secret, ob.data)
	}
	if err := proto.WritePacket(conn, p); err != nil {
		pc.m.metrics.IncDrop(metrics.DropNoConnection, int32(pc.remoteID))
		pc.invalidate(conn, err)
	}
}

func (pc *peerConn) current() (network.Conn, []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn, pc.secret
}

func (pc *peerConn) secretKey() []byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.secret
}

// awaitConnection dials when this side is the dialer, otherwise waits up
// to ReconnectWait for the peer to connect.
func (pc *peerConn) awaitConnection() (network.Conn, []byte) {
	if pc.isDialer() {
		if err := pc.connect(); err != nil {
			debuglog.RateLimitedf(fmt.Sprintf("dial:%d", pc.remoteID), 5*time.Second,
				"replica %d: connect to %d failed: %v", pc.m.me, pc.remoteID, err)
			return nil, nil
		}
		return pc.current()
	}
	pc.mu.Lock()
	if pc.conn != nil {
		defer pc.mu.Unlock()
		return pc.conn, pc.secret
	}
	ready := pc.ready
	pc.mu.Unlock()

	timer := time.NewTimer(pc.m.cfg.ReconnectWait)
	defer timer.Stop()
	select {
	case <-ready:
		return pc.current()
	case <-timer.C:
	case <-pc.done:
	}
	return nil, nil
}

func (pc *peerConn) connect() error {
	addr, ok := pc.m.view.Address(pc.remoteID)
	if !ok {
		return fmt.Errorf("no address for replica %d", pc.remoteID)
	}
	ctx, cancel := context.WithTimeout(pc.m.ctx, pc.m.cfg.DialTimeout)
	conn, err := pc.m.transport.Dial(ctx, addr)
	cancel()
	if err != nil {
		return err
	}
	if !pc.track(conn) {
		_ = conn.Close()
		return ErrShutdown
	}
	defer pc.untrack(conn)

	if d := pc.m.cfg.HandshakeTimeout; d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
	}
	if err := proto.WriteReplicaID(conn, pc.m.me); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write replica id: %w", err)
	}
	secret, err := pc.m.negotiate(conn, pc.remoteID, pc.secretKey())
	if err != nil {
		pc.m.metrics.IncHandshake(false)
		_ = conn.Close()
		return err
	}
	pc.install(conn, secret)
	return nil
}

// adopt runs the handshake on an accepted socket and installs it.
func (pc *peerConn) adopt(conn network.Conn) {
	if !pc.track(conn) {
		_ = conn.Close()
		return
	}
	defer pc.untrack(conn)
	secret, err := pc.m.negotiate(conn, pc.remoteID, pc.secretKey())
	if err != nil {
		debuglog.Warnf("replica %d: handshake with %d failed: %v", pc.m.me, pc.remoteID, err)
		pc.m.metrics.IncHandshake(false)
		_ = conn.Close()
		return
	}
	pc.install(conn, secret)
}

func (pc *peerConn) install(conn network.Conn, secret []byte) {
	pc.mu.Lock()
	select {
	case <-pc.done:
		pc.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	old := pc.conn
	resumed := len(pc.secret) > 0 && crypto.KeyFingerprint(pc.secret) == crypto.KeyFingerprint(secret)
	pc.conn = conn
	pc.secret = secret
	close(pc.ready)
	pc.ready = make(chan struct{})
	pc.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	pc.m.metrics.IncHandshake(true)
	debuglog.Debugf("replica %d: link to %d established resumed=%v", pc.m.me, pc.remoteID, resumed)
	if !pc.m.spawn(func() { pc.receiveLoop(conn) }) {
		_ = conn.Close()
	}
}

func (pc *peerConn) receiveLoop(conn network.Conn) {
	for {
		p, err := proto.ReadPacket(conn)
		if err != nil {
			pc.invalidate(conn, err)
			return
		}
		if !pc.handlePacket(p) {
			return
		}
	}
}

// handlePacket verifies and decodes one packet. It returns false once the
// manager is shutting down.
func (pc *peerConn) handlePacket(p proto.Packet) bool {
	authenticated := false
	if len(p.MAC) > 0 {
		if !pc.m.mac.Verify(pc.secretKey(), p.Data, p.MAC) {
			debuglog.RateLimitedf(fmt.Sprintf("badmac:%d", pc.remoteID), 5*time.Second,
				"replica %d: invalid MAC on message from %d, discarding", pc.m.me, pc.remoteID)
			pc.m.metrics.IncDrop(metrics.DropBadMAC, int32(pc.remoteID))
			return true
		}
		authenticated = true
	}
	msg, err := proto.Decode(p.Data)
	if err != nil {
		reason := metrics.DropDecode
		if errors.Is(err, proto.ErrUnknownKind) {
			reason = metrics.DropUnknown
		}
		debuglog.Warnf("replica %d: discarding message from %d: %v", pc.m.me, pc.remoteID, err)
		pc.m.metrics.IncDrop(reason, int32(pc.remoteID))
		return true
	}
	if h := msg.Header(); h.Sender != pc.remoteID {
		debuglog.Warnf("replica %d: discarding %s claiming sender %d on link from %d", pc.m.me, msg.Kind(), h.Sender, pc.remoteID)
		pc.m.metrics.IncDrop(metrics.DropSenderMismatch, int32(pc.remoteID))
		return true
	}
	msg.Header().Authenticated = authenticated
	pc.m.metrics.IncRecvByKind(string(msg.Kind()))
	return pc.m.deliver(msg)
}

// invalidate forgets conn if it is still the current socket. The secret
// key is kept so the next handshake can resume it.
func (pc *peerConn) invalidate(conn network.Conn, err error) {
	pc.mu.Lock()
	if pc.conn == conn {
		pc.conn = nil
	}
	pc.mu.Unlock()
	_ = conn.Close()
	select {
	case <-pc.done:
	default:
		debuglog.Debugf("replica %d: link to %d lost: %v", pc.m.me, pc.remoteID, err)
	}
}

func (pc *peerConn) track(conn network.Conn) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	select {
	case <-pc.done:
		return false
	default:
	}
	pc.inflight[conn] = struct{}{}
	return true
}

func (pc *peerConn) untrack(conn network.Conn) {
	pc.mu.Lock()
	delete(pc.inflight, conn)
	pc.mu.Unlock()
}

func (pc *peerConn) shutdown() {
	pc.stopOnce.Do(func() {
		close(pc.done)
		pc.mu.Lock()
		conn := pc.conn
		pc.conn = nil
		inflight := pc.inflight
		pc.inflight = make(map[network.Conn]struct{})
		pc.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		for c := range inflight {
			_ = c.Close()
		}
	})
}

func (pc *peerConn) isShutdown() bool {
	select {
	case <-pc.done:
		return true
	default:
		return false
	}
}

func (pc *peerConn) stats() PeerStats {
	conn, secret := pc.current()
	return PeerStats{
		ID:             pc.remoteID,
		Connected:      conn != nil,
		Dialer:         pc.isDialer(),
		Queued:         len(pc.out),
		KeyFingerprint: crypto.KeyFingerprint(secret),
	}
}
