package network

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrAcceptTimeout = errors.New("accept timeout")
	ErrClosed        = errors.New("listener closed")
	ErrHostLimit     = errors.New("too many connections from host")
)

// Conn is a bidirectional byte stream to one peer.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

type Listener interface {
	// Accept waits at most timeout for an inbound connection and returns
	// ErrAcceptTimeout when none arrives.
	Accept(timeout time.Duration) (Conn, error)
	Addr() string
	Close() error
}

type Transport interface {
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
	// Secure reports whether links are authenticated and integrity
	// protected below the message layer.
	Secure() bool
}
