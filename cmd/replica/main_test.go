package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"bftcomm/internal/crypto"
	"bftcomm/internal/network"
	"bftcomm/internal/proto"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "replica") {
		t.Fatalf("expected help output to mention replica")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"bogus"}, &out, &out); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestParseHosts(t *testing.T) {
	hosts, err := parseHosts("0=127.0.0.1:11000, 1=127.0.0.1:11010,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(hosts) != 2 || hosts[1] != "127.0.0.1:11010" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
	for _, bad := range []string{"", "x=1.2.3.4:5", "0=", "0=a:1,0=b:2", "-1=a:1"} {
		if _, err := parseHosts(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	cases := [][]string{
		{"run"},
		{"run", "--id", "0"},
		{"run", "--id", "2", "--hosts", "0=127.0.0.1:0,1=127.0.0.1:0"},
		{"run", "--id", "0", "--hosts", "0=127.0.0.1:0", "--tree", "ring"},
		{"run", "--id", "0", "--hosts", "0=127.0.0.1:0", "--tls-cert", "cert.pem"},
		{"run", "--id", "0", "--hosts", "0=127.0.0.1:0", "--tls-cert", "c", "--tls-key", "k", "--tls-ca", "missing.pem"},
	}
	for _, args := range cases {
		var out bytes.Buffer
		if code := run(args, &out, &out); code != 1 {
			t.Fatalf("%v: expected exit code 1, got %d (%s)", args, code, out.String())
		}
	}
}

func TestDevKeysAreDeterministic(t *testing.T) {
	a, err := devSigner(3)
	if err != nil {
		t.Fatalf("dev signer: %v", err)
	}
	b, _ := devSigner(3)
	c, _ := devSigner(4)
	if !bytes.Equal(a.Public(), b.Public()) || bytes.Equal(a.Public(), c.Public()) {
		t.Fatalf("dev keys must be a function of the replica id")
	}
	signer, pubs, err := loadKeys("", crypto.SigEd25519, 3, []proto.ReplicaID{3, 4})
	if err != nil {
		t.Fatalf("load dev keys: %v", err)
	}
	sig, _ := signer.Sign([]byte("m"))
	if !crypto.Verify(crypto.SigEd25519, pubs[3], []byte("m"), sig) {
		t.Fatalf("dev signer does not match published key")
	}
	if _, _, err := loadKeys("", crypto.SigRSAPSS, 3, []proto.ReplicaID{3}); err == nil {
		t.Fatalf("dev keys must refuse RSA")
	}
}

func TestKeygenThenLoad(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if code := run([]string{"keygen", "--dir", dir, "--ids", "0,1"}, &out, &out); code != 0 {
		t.Fatalf("keygen failed: %s", out.String())
	}
	signer, pubs, err := loadKeys(dir, crypto.SigEd25519, 1, []proto.ReplicaID{0, 1})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pubs) != 2 || !bytes.Equal(signer.Public(), pubs[1]) {
		t.Fatalf("loaded signer does not match pub.hex")
	}
	if _, _, err := loadKeys(filepath.Join(dir, "missing"), crypto.SigEd25519, 0, []proto.ReplicaID{0}); err == nil {
		t.Fatalf("expected error for missing key directory")
	}
}

func TestLogSinkCountsDeliveries(t *testing.T) {
	s := newLogSink(0)
	s.Deliver(proto.NewConsensusMessage(proto.ConsensusPropose, 1, 0, 2, nil))
	s.Deliver(proto.NewConsensusMessage(proto.ConsensusWrite, 1, 0, 2, nil))
	if got := s.Count(2); got != 2 {
		t.Fatalf("expected 2 deliveries from 2, got %d", got)
	}
}

func TestKeygenWritesLoadableTLS(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if code := run([]string{"keygen", "--dir", dir, "--ids", "0", "--tls"}, &out, &out); code != 0 {
		t.Fatalf("keygen failed: %s", out.String())
	}
	sub := filepath.Join(dir, "tls")
	cert, roots, err := network.LoadTLS(
		filepath.Join(sub, network.TLSCertFile),
		filepath.Join(sub, network.TLSKeyFile),
		filepath.Join(sub, network.TLSCAFile),
	)
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(cert.Certificate) != 1 || roots == nil {
		t.Fatalf("unexpected tls material")
	}
}
