package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// MemNetwork connects in-process replicas over synchronous pipes. Listen
// addresses are arbitrary strings.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

// Transport returns an endpoint factory on this network. secure controls
// what the transport reports to the message layer.
func (n *MemNetwork) Transport(secure bool) *MemTransport {
	return &MemTransport{net: n, secure: secure}
}

type MemTransport struct {
	net    *MemNetwork
	secure bool
}

func (t *MemTransport) Secure() bool { return t.secure }

func (t *MemTransport) Listen(addr string) (Listener, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.listeners[addr]; ok {
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	l := &memListener{
		net:   t.net,
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	t.net.listeners[addr] = l
	return l, nil
}

func (t *MemTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.net.mu.Lock()
	l := t.net.listeners[addr]
	t.net.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("connection refused: %s", addr)
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
}

type memListener struct {
	net   *MemNetwork
	addr  string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *memListener) Accept(timeout time.Duration) (Conn, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-expired:
		return nil, ErrAcceptTimeout
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}
