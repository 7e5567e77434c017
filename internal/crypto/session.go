package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	PBKDF2WithHmacSHA256   = "PBKDF2WithHmacSHA256"
	PBKDF2WithHmacSHA3_256 = "PBKDF2WithHmacSHA3-256"
	HKDFWithSHA256         = "HKDFWithSHA256"

	SecretKeySize = 32

	// SelfPassphrase seeds the key used on the loopback path.
	SelfPassphrase = "commsyst"

	labelSelfKey = "bftcomm:self:v1"
	labelLinkKey = "bftcomm:link:v1"
	labelKeyFP   = "bftcomm:keyfp:v1"
)

// SecretKeyDeriver turns a passphrase or a Diffie-Hellman output into a
// symmetric key.
type SecretKeyDeriver struct {
	alg        string
	iterations int
}

func NewSecretKeyDeriver(alg string, iterations int) (*SecretKeyDeriver, error) {
	switch alg {
	case "":
		alg = PBKDF2WithHmacSHA256
	case PBKDF2WithHmacSHA256, PBKDF2WithHmacSHA3_256, HKDFWithSHA256:
	default:
		return nil, fmt.Errorf("%w: secret key %q", ErrBadAlgorithm, alg)
	}
	if iterations <= 0 {
		iterations = 1000
	}
	return &SecretKeyDeriver{alg: alg, iterations: iterations}, nil
}

func (d *SecretKeyDeriver) Algorithm() string { return d.alg }

func (d *SecretKeyDeriver) Derive(secret []byte, context string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty key material")
	}
	switch d.alg {
	case HKDFWithSHA256:
		out := make([]byte, SecretKeySize)
		r := hkdf.New(sha256.New, secret, nil, []byte(context))
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
		return out, nil
	case PBKDF2WithHmacSHA3_256:
		return pbkdf2.Key(secret, []byte(context), d.iterations, SecretKeySize, func() hash.Hash { return sha3.New256() }), nil
	default:
		return pbkdf2.Key(secret, []byte(context), d.iterations, SecretKeySize, sha256.New), nil
	}
}

// SelfKey derives the key used on the loopback path. An empty passphrase
// selects SelfPassphrase.
func (d *SecretKeyDeriver) SelfKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		passphrase = SelfPassphrase
	}
	return d.Derive([]byte(passphrase), labelSelfKey)
}

// LinkKey derives the key shared by replicas a and b. The result does not
// depend on argument order.
func (d *SecretKeyDeriver) LinkKey(shared []byte, a, b int32) ([]byte, error) {
	if a > b {
		a, b = b, a
	}
	ctx := make([]byte, 0, len(labelLinkKey)+8)
	ctx = append(ctx, labelLinkKey...)
	ctx = binary.BigEndian.AppendUint32(ctx, uint32(a))
	ctx = binary.BigEndian.AppendUint32(ctx, uint32(b))
	return d.Derive(shared, string(ctx))
}

// KeyFingerprint identifies a key without revealing it. Empty keys have no
// fingerprint.
func KeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	return hex.EncodeToString(KDF(labelKeyFP, key)[:16])
}
