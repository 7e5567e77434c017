package network

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDevCertVerifies(t *testing.T) {
	_, der, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	_, err = cert.Verify(x509.VerifyOptions{
		DNSName:     "localhost",
		Roots:       pool,
		CurrentTime: time.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		t.Fatalf("dev cert does not verify: %v", err)
	}
}

func TestLoadTLSRejectsEmptyCABundle(t *testing.T) {
	dir := t.TempDir()
	if err := WriteClusterTLS(dir); err != nil {
		t.Fatalf("write tls: %v", err)
	}
	caPath := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(caPath, []byte("not pem"), 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, _, err := LoadTLS(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing.key"), caPath); err == nil {
		t.Fatalf("expected missing key pair to fail")
	}
	if _, _, err := LoadTLS(filepath.Join(dir, TLSCertFile), filepath.Join(dir, TLSKeyFile), caPath); err == nil {
		t.Fatalf("expected empty ca bundle to fail")
	}
}

func TestClusterTLSFilesCarryQUIC(t *testing.T) {
	dir := t.TempDir()
	if err := WriteClusterTLS(dir); err != nil {
		t.Fatalf("write tls: %v", err)
	}
	cert, roots, err := LoadTLS(filepath.Join(dir, TLSCertFile), filepath.Join(dir, TLSKeyFile), filepath.Join(dir, TLSCAFile))
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	tr := NewQUICTransport(cert, roots, 0)
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	exchange(t, tr, ln)

	other := t.TempDir()
	if err := WriteClusterTLS(other); err != nil {
		t.Fatalf("write tls: %v", err)
	}
	if _, _, err := LoadTLS(filepath.Join(dir, TLSCertFile), filepath.Join(other, TLSKeyFile), filepath.Join(dir, TLSCAFile)); err == nil {
		t.Fatalf("mismatched key pair accepted")
	}
}

func TestQUICTransportExchange(t *testing.T) {
	tr, err := NewDevQUICTransport(0)
	if err != nil {
		t.Fatalf("dev transport: %v", err)
	}
	if !tr.Secure() {
		t.Fatalf("quic must report secure")
	}
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	exchange(t, tr, ln)
}
