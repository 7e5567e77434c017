package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bftcomm/internal/config"
	"bftcomm/internal/crypto"
	"bftcomm/internal/debuglog"
	"bftcomm/internal/metrics"
	"bftcomm/internal/network"
	"bftcomm/internal/proto"
	"bftcomm/internal/view"
)

var ErrShutdown = errors.New("communication layer shut down")

type Options struct {
	Config    config.Config
	View      *view.Controller
	Transport network.Transport
	Signer    crypto.Signer
	Metrics   *metrics.Metrics
	// ListenAddr overrides the address registered for the local replica.
	ListenAddr string
}

// Manager owns every replica link of the local process. It accepts and
// quarantines inbound sockets, keeps at most one live connection per
// peer, and feeds decoded messages into a single inbound queue.
type Manager struct {
	cfg        config.Config
	view       *view.Controller
	transport  network.Transport
	signer     crypto.Signer
	mac        *crypto.MAC
	deriver    *crypto.SecretKeyDeriver
	metrics    *metrics.Metrics
	me         proto.ReplicaID
	selfKey    []byte
	useMACs    bool
	listenAddr string

	inQueue chan proto.SystemMessage

	mu     sync.Mutex
	conns  map[proto.ReplicaID]*peerConn
	closed bool

	pendingMu sync.Mutex
	pending   []pendingConn

	listener network.Listener
	doWork   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type pendingConn struct {
	conn     network.Conn
	remoteID proto.ReplicaID
	since    time.Time
}

type PeerStats struct {
	ID             proto.ReplicaID `json:"id"`
	Connected      bool            `json:"connected"`
	Dialer         bool            `json:"dialer"`
	Queued         int             `json:"queued"`
	KeyFingerprint string          `json:"key_fp,omitempty"`
}

func NewManager(opts Options) (*Manager, error) {
	if opts.View == nil || opts.Transport == nil || opts.Signer == nil {
		return nil, fmt.Errorf("comm: view, transport and signer are required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Signer.Algorithm() != cfg.SignatureAlgorithm {
		return nil, fmt.Errorf("%w: signer uses %s, configured %s", config.ErrInvalid, opts.Signer.Algorithm(), cfg.SignatureAlgorithm)
	}
	mac, err := crypto.NewMAC(cfg.HMACAlgorithm)
	if err != nil {
		return nil, err
	}
	deriver, err := crypto.NewSecretKeyDeriver(cfg.SecretKeyAlgorithm, cfg.PBKDFIterations)
	if err != nil {
		return nil, err
	}
	selfKey, err := deriver.SelfKey(cfg.SelfPassphrase)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		view:       opts.View,
		transport:  opts.Transport,
		signer:     opts.Signer,
		mac:        mac,
		deriver:    deriver,
		metrics:    opts.Metrics,
		me:         opts.View.Self(),
		selfKey:    selfKey,
		useMACs:    cfg.MACsEnabled() && !opts.Transport.Secure(),
		listenAddr: opts.ListenAddr,
		inQueue:    make(chan proto.SystemMessage, cfg.InQueueSize),
		conns:      make(map[proto.ReplicaID]*peerConn),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start binds the listening endpoint, opens links to the current view and
// begins accepting. Cancelling ctx shuts the manager down.
func (m *Manager) Start(ctx context.Context) error {
	addr := m.listenAddr
	if addr == "" {
		a, ok := m.view.Address(m.me)
		if !ok {
			return fmt.Errorf("no listen address for replica %d", m.me)
		}
		addr = a
	}
	ln, err := m.transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	m.listener = ln
	m.doWork.Store(true)
	debuglog.Logf("replica %d listening on %s secure=%v macs=%v", m.me, ln.Addr(), m.transport.Secure(), m.useMACs)

	if m.view.IsInCurrentView() {
		for _, id := range m.view.CurrentViewAcceptors() {
			if id != m.me {
				m.getConnection(id)
			}
		}
	}
	if !m.spawn(m.acceptLoop) {
		_ = ln.Close()
		return ErrShutdown
	}
	go func() {
		select {
		case <-ctx.Done():
			m.Shutdown()
		case <-m.ctx.Done():
		}
	}()
	return nil
}

func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr()
}

func (m *Manager) Self() proto.ReplicaID { return m.me }

// Inbound is the queue consumed by the message dispatcher.
func (m *Manager) Inbound() <-chan proto.SystemMessage { return m.inQueue }

// TransportSecure reports whether per-message authentication is skipped.
func (m *Manager) TransportSecure() bool { return !m.useMACs }

// MAC returns the authenticator construction shared with the peers.
func (m *Manager) MAC() *crypto.MAC { return m.mac }

// SecretKey returns the symmetric key shared with id. The local replica's
// own key is derived from the configured passphrase.
func (m *Manager) SecretKey(id proto.ReplicaID) ([]byte, bool) {
	if id == m.me {
		return m.selfKey, true
	}
	m.mu.Lock()
	pc := m.conns[id]
	m.mu.Unlock()
	if pc == nil {
		return nil, false
	}
	key := pc.secretKey()
	return key, len(key) > 0
}

// Send serializes msg once and queues it for every target. Copies for the
// local replica skip the network and are delivered before any remote copy
// is queued.
func (m *Manager) Send(targets []proto.ReplicaID, msg proto.SystemMessage, useMAC bool) {
	if msg == nil || len(targets) == 0 {
		return
	}
	data, err := proto.Encode(msg)
	if err != nil {
		debuglog.Warnf("replica %d: failed to serialize %s: %v", m.me, msg.Kind(), err)
		m.metrics.IncDrop(metrics.DropEncode, int32(m.me))
		return
	}
	useMAC = useMAC && m.useMACs
	for _, target := range targets {
		if target == m.me {
			msg.Header().Authenticated = true
			m.deliver(msg)
		}
	}
	for _, target := range targets {
		if target == m.me {
			continue
		}
		if target != m.view.TTPID() && !m.view.IsCurrentViewMember(target) {
			debuglog.RateLimitedf(fmt.Sprintf("send-nonmember:%d", target), 5*time.Second,
				"replica %d: not sending %s to %d: not in current view", m.me, msg.Kind(), target)
			m.metrics.IncDrop(metrics.DropNotMember, int32(target))
			continue
		}
		pc := m.getConnection(target)
		if pc == nil {
			m.metrics.IncDrop(metrics.DropNoConnection, int32(target))
			continue
		}
		pc.send(data, useMAC)
	}
}

// EnqueueLocal places a locally generated message, such as a timeout
// marker, on the inbound queue.
func (m *Manager) EnqueueLocal(msg proto.SystemMessage) bool {
	if msg == nil {
		return false
	}
	msg.Header().Authenticated = true
	return m.deliver(msg)
}

func (m *Manager) deliver(msg proto.SystemMessage) bool {
	select {
	case m.inQueue <- msg:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// UpdateConnections reconciles links with the current view: peers that
// left are shut down and forgotten, new members get a connection.
func (m *Manager) UpdateConnections() {
	var stale []*peerConn
	inView := m.view.IsInCurrentView()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for id, pc := range m.conns {
		if !inView || !m.view.IsCurrentViewMember(id) {
			stale = append(stale, pc)
			delete(m.conns, id)
		}
	}
	n := len(m.conns)
	m.mu.Unlock()
	m.metrics.SetConnections(n)

	for _, pc := range stale {
		debuglog.Logf("replica %d: closing connection to %d after view change", m.me, pc.remoteID)
		pc.shutdown()
	}
	if !inView {
		return
	}
	for _, id := range m.view.CurrentViewAcceptors() {
		if id != m.me {
			m.getConnection(id)
		}
	}
}

// JoinViewReceived promotes every quarantined socket. Sockets from
// replicas that are not members of the joined view are closed.
func (m *Manager) JoinViewReceived() {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, p := range m.pending {
		debuglog.Debugf("replica %d: promoting pending connection from %d", m.me, p.remoteID)
		m.establishConnection(p.conn, p.remoteID)
	}
	m.pending = nil
	m.metrics.SetPending(0)
}

func (m *Manager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) Stats() []PeerStats {
	m.mu.Lock()
	conns := make([]*peerConn, 0, len(m.conns))
	for _, pc := range m.conns {
		conns = append(conns, pc)
	}
	m.mu.Unlock()
	out := make([]PeerStats, 0, len(conns))
	for _, pc := range conns {
		out = append(out, pc.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops accepting, closes every link and quarantined socket and
// waits for the manager's goroutines to exit. It is safe to call twice.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		debuglog.Logf("replica %d: shutting down communication layer", m.me)
		m.doWork.Store(false)
		m.mu.Lock()
		m.closed = true
		conns := m.conns
		m.conns = make(map[proto.ReplicaID]*peerConn)
		m.mu.Unlock()

		m.cancel()
		if m.listener != nil {
			_ = m.listener.Close()
		}
		for _, pc := range conns {
			pc.shutdown()
		}
		m.pendingMu.Lock()
		pending := m.pending
		m.pending = nil
		m.pendingMu.Unlock()
		for _, p := range pending {
			_ = p.conn.Close()
		}
		m.wg.Wait()
		m.metrics.SetConnections(0)
		m.metrics.SetPending(0)
	})
}

func (m *Manager) acceptLoop() {
	for m.doWork.Load() {
		conn, err := m.listener.Accept(m.cfg.AcceptTimeout)
		if err != nil {
			if errors.Is(err, network.ErrAcceptTimeout) {
				debuglog.Debugf("replica %d: accept timeout, retrying", m.me)
				continue
			}
			if errors.Is(err, network.ErrClosed) {
				break
			}
			if !m.doWork.Load() {
				break
			}
			debuglog.RateLimitedf("accept-error", 5*time.Second, "replica %d: accept failed: %v", m.me, err)
			continue
		}
		remoteID, err := m.readPreamble(conn)
		if err != nil {
			debuglog.Warnf("replica %d: dropping inbound connection: %v", m.me, err)
			_ = conn.Close()
			continue
		}
		if !m.view.IsInCurrentView() && remoteID != m.view.TTPID() {
			m.quarantine(conn, remoteID)
			continue
		}
		m.establishConnection(conn, remoteID)
	}
	debuglog.Debugf("replica %d: accept loop stopped", m.me)
}

func (m *Manager) readPreamble(conn network.Conn) (proto.ReplicaID, error) {
	if d := m.cfg.HandshakeTimeout; d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
		defer conn.SetDeadline(time.Time{})
	}
	id, err := proto.ReadReplicaID(conn)
	if err != nil {
		return proto.NoReplica, fmt.Errorf("read replica id: %w", err)
	}
	return id, nil
}

func (m *Manager) quarantine(conn network.Conn, remoteID proto.ReplicaID) {
	m.pendingMu.Lock()
	if m.view.IsInCurrentView() {
		m.pendingMu.Unlock()
		m.establishConnection(conn, remoteID)
		return
	}
	if m.cfg.MaxPending > 0 && len(m.pending) >= m.cfg.MaxPending {
		m.pendingMu.Unlock()
		debuglog.Warnf("replica %d: pending queue full, closing connection from %d", m.me, remoteID)
		m.metrics.IncDrop(metrics.DropPendingFull, int32(remoteID))
		_ = conn.Close()
		return
	}
	m.pending = append(m.pending, pendingConn{conn: conn, remoteID: remoteID, since: time.Now()})
	n := len(m.pending)
	m.pendingMu.Unlock()
	m.metrics.SetPending(n)
	debuglog.Logf("replica %d: not in view yet, holding connection from %d", m.me, remoteID)
}

// establishConnection hands an accepted socket to the peer's connection
// object. Unknown senders are closed.
func (m *Manager) establishConnection(conn network.Conn, remoteID proto.ReplicaID) {
	if remoteID == m.me || (remoteID != m.view.TTPID() && !m.view.IsCurrentViewMember(remoteID)) {
		debuglog.Warnf("replica %d: closing connection from %d: not in current view", m.me, remoteID)
		m.metrics.IncDrop(metrics.DropNotMember, int32(remoteID))
		_ = conn.Close()
		return
	}
	pc := m.getConnection(remoteID)
	if pc == nil || !m.spawn(func() { pc.adopt(conn) }) {
		_ = conn.Close()
	}
}

// getConnection returns the link to id, creating it on first use. It
// returns nil after Shutdown.
func (m *Manager) getConnection(id proto.ReplicaID) *peerConn {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	pc := m.conns[id]
	if pc == nil {
		pc = newPeerConn(m, id)
		m.conns[id] = pc
		m.goLocked(pc.sendLoop)
	}
	n := len(m.conns)
	m.mu.Unlock()
	m.metrics.SetConnections(n)
	return pc
}

func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.goLocked(fn)
	return true
}

func (m *Manager) goLocked(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
