package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport carries replica links over plain TCP. It is not Secure:
// integrity comes from per-message MACs.
type TCPTransport struct {
	limiter *hostLimiter
	dialer  net.Dialer
}

func NewTCPTransport(maxConnsPerHost int) *TCPTransport {
	return &TCPTransport{
		limiter: newHostLimiter(maxConnsPerHost),
		dialer:  net.Dialer{KeepAlive: 30 * time.Second},
	}
}

func (t *TCPTransport) Secure() bool { return false }

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln.(*net.TCPListener), limiter: t.limiter}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	setNoDelay(c)
	return c, nil
}

type tcpListener struct {
	ln      *net.TCPListener
	limiter *hostLimiter
}

func (l *tcpListener) Accept(timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	c, err := l.ln.AcceptTCP()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrAcceptTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	host := remoteHost(c)
	if !l.limiter.acquire(host) {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %s", ErrHostLimit, host)
	}
	setNoDelay(c)
	return &limitedConn{Conn: c, release: func() { l.limiter.release(host) }}, nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// limitedConn returns its limiter slot exactly once on Close.
type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

func setNoDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func remoteHost(c net.Conn) string {
	addr := c.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
