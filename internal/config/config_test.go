package config

import (
	"errors"
	"testing"
	"time"

	"bftcomm/internal/crypto"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.AcceptTimeout != 20*time.Second {
		t.Fatalf("unexpected accept timeout %s", c.AcceptTimeout)
	}
	if c.HMACAlgorithm != crypto.HmacSHA512 || c.SecretKeyAlgorithm != crypto.PBKDF2WithHmacSHA256 {
		t.Fatalf("unexpected default algorithms %s/%s", c.HMACAlgorithm, c.SecretKeyAlgorithm)
	}
	if c.DHGroup.G.Int64() != 2 || c.DHGroup.P.BitLen() != 1024 {
		t.Fatalf("unexpected default dh group")
	}
	if !c.MACsEnabled() {
		t.Fatalf("macs must be enabled by default")
	}
	if !c.BFT {
		t.Fatalf("byzantine fault model must be the default")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BFT_ACCEPT_TIMEOUT_MS", "150")
	t.Setenv("BFT_OUT_QUEUE", "8")
	t.Setenv("BFT_USE_MACS", "false")
	t.Setenv("BFT_HMAC_ALGORITHM", crypto.HmacSHA256)
	t.Setenv("BFT_TREE_MODE", TreeModeDynamic)
	t.Setenv("BFT_DH_SCHEME", crypto.DHX25519)
	t.Setenv("BFT_BYZANTINE", "false")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.AcceptTimeout != 150*time.Millisecond || c.OutQueueSize != 8 {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.UseMACs || c.MACsEnabled() {
		t.Fatalf("expected macs disabled")
	}
	if c.BFT {
		t.Fatalf("expected crash fault model")
	}
	if c.HMACAlgorithm != crypto.HmacSHA256 || c.TreeMode != TreeModeDynamic || c.DHScheme != crypto.DHX25519 {
		t.Fatalf("string overrides not applied: %+v", c)
	}
}

func TestFromEnvRejectsUnknownAlgorithm(t *testing.T) {
	t.Setenv("BFT_SECRETKEY_ALGORITHM", "PBEWithMD5AndDES")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestFromEnvDHGroupNeedsBothParts(t *testing.T) {
	t.Setenv("BFT_DH_G", "2")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"accept timeout": func(c *Config) { c.AcceptTimeout = 0 },
		"queue":          func(c *Config) { c.InQueueSize = 0 },
		"mac":            func(c *Config) { c.HMACAlgorithm = "HmacMD5" },
		"signature":      func(c *Config) { c.SignatureAlgorithm = "DSA" },
		"dh scheme":      func(c *Config) { c.DHScheme = "ecdh-p256" },
		"tree mode":      func(c *Config) { c.TreeMode = "random" },
		"branching":      func(c *Config) { c.TreeBranching = 0 },
		"dedup":          func(c *Config) { c.DedupCap = 0 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
