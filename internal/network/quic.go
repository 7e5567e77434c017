package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicALPN          = "bftcomm-replica"
	quicIdleTimeout   = 60 * time.Second
	quicKeepAlive     = 15 * time.Second
	quicHandshakeIdle = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate shared by every
// replica in development setups. Never use it in production.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("bftcomm-quic-dev-key"))
	return selfSignedCert(ed25519.NewKeyFromSeed(seed[:]), zeroReader{}, big.NewInt(1))
}

func selfSignedCert(priv ed25519.PrivateKey, rnd io.Reader, serial *big.Int) (tls.Certificate, []byte, error) {
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rnd, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// LoadTLS reads a PEM key pair and a PEM bundle of trusted replica CAs.
func LoadTLS(certPath, keyPath, caPath string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	pemBytes, err := os.ReadFile(caPath)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates in %s", caPath)
	}
	return cert, pool, nil
}

// TLS file names written by WriteClusterTLS.
const (
	TLSCertFile = "cert.pem"
	TLSKeyFile  = "key.pem"
	TLSCAFile   = "ca.pem"
)

// WriteClusterTLS writes a fresh self-signed key pair for localhost and a
// CA bundle trusting it into dir. Every replica of a local cluster loads
// the same three files.
func WriteClusterTLS(dir string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return err
	}
	_, der, err := selfSignedCert(priv, rand.Reader, serial)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	files := []struct {
		name string
		data []byte
	}{
		{TLSCertFile, certPEM},
		{TLSKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})},
		{TLSCAFile, certPEM},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0600); err != nil {
			return err
		}
	}
	return nil
}

// QUICTransport runs each replica link on a single bidirectional stream
// of a mutually authenticated QUIC connection.
type QUICTransport struct {
	server  *tls.Config
	client  *tls.Config
	conf    *quic.Config
	limiter *hostLimiter
}

func NewQUICTransport(cert tls.Certificate, roots *x509.CertPool, maxConnsPerHost int) *QUICTransport {
	return &QUICTransport{
		server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    roots,
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		},
		client: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      roots,
			ServerName:   "localhost",
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		},
		conf: &quic.Config{
			MaxIdleTimeout:       quicIdleTimeout,
			KeepAlivePeriod:      quicKeepAlive,
			HandshakeIdleTimeout: quicHandshakeIdle,
		},
		limiter: newHostLimiter(maxConnsPerHost),
	}
}

func NewDevQUICTransport(maxConnsPerHost int) (*QUICTransport, error) {
	cert, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	return NewQUICTransport(cert, pool, maxConnsPerHost), nil
}

func (t *QUICTransport) Secure() bool { return true }

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.server, t.conf)
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln, limiter: t.limiter}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, t.client, t.conf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	ln      *quic.Listener
	limiter *hostLimiter
}

func (l *quicListener) Accept(timeout time.Duration) (Conn, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrAcceptTimeout
		}
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !l.limiter.acquire(host) {
		_ = conn.CloseWithError(0, "host limit")
		return nil, fmt.Errorf("%w: %s", ErrHostLimit, host)
	}
	sctx, cancel := context.WithTimeout(context.Background(), quicHandshakeIdle)
	defer cancel()
	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		l.limiter.release(host)
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	return &quicConn{Stream: stream, conn: conn, release: func() { l.limiter.release(host) }}, nil
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error { return l.ln.Close() }

type quicConn struct {
	*quic.Stream
	conn    *quic.Conn
	release func()
	once    sync.Once
}

// Close tears down both the stream and its connection.
func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Stream.Close()
		_ = c.conn.CloseWithError(0, "closed")
		if c.release != nil {
			c.release()
		}
	})
	return err
}
