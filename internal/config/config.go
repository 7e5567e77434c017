package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bftcomm/internal/crypto"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	defaultAcceptTimeoutMS   = 20000
	defaultHandshakeTimeout  = 10 * time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultReconnectWaitMS   = 2000
	defaultOutQueue          = 1024
	defaultInQueue           = 4096
	defaultMaxPending        = 256
	defaultPBKDFIterations   = 1000
	defaultTreeBranching     = 2
	defaultDedupCap          = 8192
	defaultDedupTTLSec       = 120
	defaultMaxConnsPerHost   = 16
	TreeModeStatic           = "static"
	TreeModeDynamic          = "dynamic"
	defaultTreeMode          = TreeModeStatic
	defaultMetricsAddr       = ""
	defaultSecureTransport   = false
	defaultUseMACs           = true
	defaultBFT               = true
	defaultDHScheme          = crypto.DHModP
	defaultHMACAlgorithm     = crypto.HmacSHA512
	defaultSecretKeyAlg      = crypto.PBKDF2WithHmacSHA256
	defaultSignatureAlg      = crypto.SigEd25519
	defaultSelfPassphraseKey = crypto.SelfPassphrase
)

type Config struct {
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	ReconnectWait    time.Duration

	OutQueueSize    int
	InQueueSize     int
	MaxPending      int
	MaxConnsPerHost int

	// UseMACs=false or SecureTransport=true disable per-message MAC checks.
	UseMACs         bool
	SecureTransport bool

	// BFT selects the Byzantine fault model. State transfer uses it to
	// decide how many matching replies it needs.
	BFT bool

	HMACAlgorithm      string
	SecretKeyAlgorithm string
	SignatureAlgorithm string
	PBKDFIterations    int
	DHScheme           string
	DHGroup            crypto.DHGroup
	SelfPassphrase     string

	TreeMode      string
	TreeBranching int
	DedupCap      int
	DedupTTL      time.Duration

	MetricsAddr string
}

func Default() Config {
	return Config{
		AcceptTimeout:      defaultAcceptTimeoutMS * time.Millisecond,
		HandshakeTimeout:   defaultHandshakeTimeout,
		DialTimeout:        defaultDialTimeout,
		ReconnectWait:      defaultReconnectWaitMS * time.Millisecond,
		OutQueueSize:       defaultOutQueue,
		InQueueSize:        defaultInQueue,
		MaxPending:         defaultMaxPending,
		MaxConnsPerHost:    defaultMaxConnsPerHost,
		UseMACs:            defaultUseMACs,
		SecureTransport:    defaultSecureTransport,
		BFT:                defaultBFT,
		HMACAlgorithm:      defaultHMACAlgorithm,
		SecretKeyAlgorithm: defaultSecretKeyAlg,
		SignatureAlgorithm: defaultSignatureAlg,
		PBKDFIterations:    defaultPBKDFIterations,
		DHScheme:           defaultDHScheme,
		DHGroup:            crypto.DefaultDHGroup(),
		SelfPassphrase:     defaultSelfPassphraseKey,
		TreeMode:           defaultTreeMode,
		TreeBranching:      defaultTreeBranching,
		DedupCap:           defaultDedupCap,
		DedupTTL:           defaultDedupTTLSec * time.Second,
		MetricsAddr:        defaultMetricsAddr,
	}
}

// FromEnv applies BFT_* overrides to Default and validates the result.
func FromEnv() (Config, error) {
	c := Default()
	if v, ok := envInt("BFT_ACCEPT_TIMEOUT_MS"); ok {
		c.AcceptTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("BFT_RECONNECT_WAIT_MS"); ok {
		c.ReconnectWait = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("BFT_OUT_QUEUE"); ok {
		c.OutQueueSize = v
	}
	if v, ok := envInt("BFT_IN_QUEUE"); ok {
		c.InQueueSize = v
	}
	if v, ok := envInt("BFT_MAX_PENDING"); ok {
		c.MaxPending = v
	}
	if v, ok := envInt("BFT_MAX_CONNS_PER_HOST"); ok {
		c.MaxConnsPerHost = v
	}
	if v, ok := envBool("BFT_USE_MACS"); ok {
		c.UseMACs = v
	}
	if v, ok := envBool("BFT_SECURE_TRANSPORT"); ok {
		c.SecureTransport = v
	}
	if v, ok := envBool("BFT_BYZANTINE"); ok {
		c.BFT = v
	}
	if v, ok := envString("BFT_HMAC_ALGORITHM"); ok {
		c.HMACAlgorithm = v
	}
	if v, ok := envString("BFT_SECRETKEY_ALGORITHM"); ok {
		c.SecretKeyAlgorithm = v
	}
	if v, ok := envString("BFT_SIGNATURE_ALGORITHM"); ok {
		c.SignatureAlgorithm = v
	}
	if v, ok := envInt("BFT_PBKDF_ITERATIONS"); ok {
		c.PBKDFIterations = v
	}
	if v, ok := envString("BFT_DH_SCHEME"); ok {
		c.DHScheme = v
	}
	p, hasP := envString("BFT_DH_P")
	g, hasG := envString("BFT_DH_G")
	if hasP || hasG {
		if !hasP || !hasG {
			return Config{}, fmt.Errorf("%w: BFT_DH_P and BFT_DH_G must be set together", ErrInvalid)
		}
		group, err := crypto.ParseDHGroup(p, g)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		c.DHGroup = group
	}
	if v, ok := envString("BFT_TREE_MODE"); ok {
		c.TreeMode = v
	}
	if v, ok := envInt("BFT_TREE_BRANCHING"); ok {
		c.TreeBranching = v
	}
	if v, ok := envInt("BFT_DEDUP_CAP"); ok {
		c.DedupCap = v
	}
	if v, ok := envInt("BFT_DEDUP_TTL_SEC"); ok {
		c.DedupTTL = time.Duration(v) * time.Second
	}
	if v, ok := envString("BFT_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("%w: accept timeout must be positive", ErrInvalid)
	}
	if c.ReconnectWait < 0 {
		return fmt.Errorf("%w: reconnect wait must not be negative", ErrInvalid)
	}
	if c.OutQueueSize <= 0 || c.InQueueSize <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalid)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%w: max pending must not be negative", ErrInvalid)
	}
	if _, err := crypto.NewMAC(c.HMACAlgorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := crypto.NewSecretKeyDeriver(c.SecretKeyAlgorithm, c.PBKDFIterations); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.SignatureAlgorithm {
	case crypto.SigEd25519, crypto.SigRSAPSS:
	default:
		return fmt.Errorf("%w: signature %q", ErrInvalid, c.SignatureAlgorithm)
	}
	switch c.DHScheme {
	case crypto.DHModP:
		if c.DHGroup.P == nil || c.DHGroup.G == nil {
			return fmt.Errorf("%w: dh group not set", ErrInvalid)
		}
	case crypto.DHX25519:
	default:
		return fmt.Errorf("%w: dh scheme %q", ErrInvalid, c.DHScheme)
	}
	switch c.TreeMode {
	case TreeModeStatic, TreeModeDynamic:
	default:
		return fmt.Errorf("%w: tree mode %q", ErrInvalid, c.TreeMode)
	}
	if c.TreeBranching < 1 {
		return fmt.Errorf("%w: tree branching must be at least 1", ErrInvalid)
	}
	if c.DedupCap <= 0 || c.DedupTTL <= 0 {
		return fmt.Errorf("%w: dedup cache bounds must be positive", ErrInvalid)
	}
	return nil
}

// MACsEnabled reports whether per-message MACs are produced and checked.
func (c Config) MACsEnabled() bool {
	return c.UseMACs && !c.SecureTransport
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return b, true
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}
