package metrics

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bftcomm"

// Drop reasons recorded by the communication core.
const (
	DropUnauthenticated = "unauthenticated"
	DropBadMAC          = "bad_mac"
	DropDecode          = "decode"
	DropEncode          = "encode"
	DropSenderMismatch  = "sender_mismatch"
	DropNotMember       = "not_member"
	DropNoConnection    = "no_connection"
	DropDuplicate       = "duplicate"
	DropNoHandler       = "no_handler"
	DropUnknown         = "unknown_kind"
	DropPendingFull     = "pending_full"
)

type DropEvent struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Peer   int32     `json:"peer"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	RecvByKind   map[string]uint64 `json:"recv_by_kind"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Handshakes   map[string]uint64 `json:"handshakes"`
	TreeRelayed  uint64            `json:"tree_relayed"`
	Connections  int               `json:"connections"`
	Pending      int               `json:"pending"`
	Recent       []DropEvent       `json:"recent_drops"`
}

// Metrics mirrors every counter into a private Prometheus registry and a
// JSON snapshot. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	recvByKind   *prometheus.CounterVec
	dropByReason *prometheus.CounterVec
	handshakes   *prometheus.CounterVec
	treeRelayed  prometheus.Counter
	connections  prometheus.Gauge
	pending      prometheus.Gauge

	mu     sync.Mutex
	counts map[string]map[string]uint64
	relays uint64
	conns  int
	queued int
	recent *DropRecent
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		recvByKind: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from replica links by kind",
		}, []string{"kind"}),
		dropByReason: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded by reason",
		}, []string{"reason"}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Link handshakes by result",
		}, []string{"result"}),
		treeRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tree_relayed_total",
			Help:      "Forward-tree messages relayed to children",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Replica connections currently tracked",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Inbound sockets quarantined until the replica joins a view",
		}),
		counts: map[string]map[string]uint64{
			"recv":      {},
			"drop":      {},
			"handshake": {},
		},
		recent: NewDropRecent(64),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) bump(group, label string) {
	m.mu.Lock()
	m.counts[group][label]++
	m.mu.Unlock()
}

func (m *Metrics) IncRecvByKind(kind string) {
	if m == nil {
		return
	}
	m.recvByKind.WithLabelValues(kind).Inc()
	m.bump("recv", kind)
}

func (m *Metrics) IncDrop(reason string, peer int32) {
	if m == nil {
		return
	}
	m.dropByReason.WithLabelValues(reason).Inc()
	m.bump("drop", reason)
	m.recent.Add(DropEvent{At: time.Now().UTC(), Reason: reason, Peer: peer})
}

func (m *Metrics) IncHandshake(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.handshakes.WithLabelValues(result).Inc()
	m.bump("handshake", result)
}

func (m *Metrics) IncTreeRelayed() {
	if m == nil {
		return
	}
	m.treeRelayed.Inc()
	m.mu.Lock()
	m.relays++
	m.mu.Unlock()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
	m.mu.Lock()
	m.conns = n
	m.mu.Unlock()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
	m.mu.Lock()
	m.queued = n
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC(),
		RecvByKind:   copyCounts(m.counts["recv"]),
		DropByReason: copyCounts(m.counts["drop"]),
		Handshakes:   copyCounts(m.counts["handshake"]),
		TreeRelayed:  m.relays,
		Connections:  m.conns,
		Pending:      m.queued,
	}
	m.mu.Unlock()
	snap.Recent = m.recent.List()
	return snap
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type DropRecent struct {
	mu   sync.Mutex
	cap  int
	list []DropEvent
}

func NewDropRecent(capacity int) *DropRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DropRecent{cap: capacity}
}

func (r *DropRecent) Add(e DropEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *DropRecent) List() []DropEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DropEvent, len(r.list))
	copy(out, r.list)
	return out
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
	ln     net.Listener
}

func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		_ = s.server.Serve(ln)
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.server.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop() error {
	return s.server.Close()
}
