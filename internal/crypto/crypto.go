// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

var ErrBadAlgorithm = errors.New("unsupported algorithm")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Key agreement
// -----------------------------------------------------------------------------

const (
	DHModP   = "modp"
	DHX25519 = "x25519"
)

// KeyExchange is one side of an ephemeral Diffie-Hellman agreement.
type KeyExchange interface {
	Public() ([]byte, error)
	Shared(peerPub []byte) ([]byte, error)
	Destroy()
}

// oakleyGroup2 is the 1024-bit MODP group from RFC 2409.
const oakleyGroup2 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

type DHGroup struct {
	P *big.Int
	G *big.Int
}

func DefaultDHGroup() DHGroup {
	p, _ := new(big.Int).SetString(oakleyGroup2, 16)
	return DHGroup{P: p, G: big.NewInt(2)}
}

// ParseDHGroup reads a hex modulus (whitespace ignored) and a decimal or
// 0x-prefixed generator.
func ParseDHGroup(pHex, g string) (DHGroup, error) {
	p, ok := new(big.Int).SetString(strings.Join(strings.Fields(pHex), ""), 16)
	if !ok || p.BitLen() < 512 {
		return DHGroup{}, fmt.Errorf("bad dh modulus")
	}
	gen, ok := new(big.Int).SetString(strings.TrimSpace(g), 0)
	if !ok || gen.Cmp(big.NewInt(2)) < 0 || gen.Cmp(p) >= 0 {
		return DHGroup{}, fmt.Errorf("bad dh generator")
	}
	return DHGroup{P: p, G: gen}, nil
}

func (g DHGroup) Generate() (*ModPKey, error) {
	if g.P == nil || g.G == nil {
		return nil, errors.New("dh group not set")
	}
	max := new(big.Int).Sub(g.P, big.NewInt(3))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(2))
	return &ModPKey{group: g, priv: x, pub: new(big.Int).Exp(g.G, x, g.P)}, nil
}

type ModPKey struct {
	group     DHGroup
	priv      *big.Int
	pub       *big.Int
	destroyed bool
}

func (k *ModPKey) String() string {
	return "ModPKey{REDACTED}"
}

func (k *ModPKey) Public() ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, errors.New("dh key destroyed")
	}
	return k.pub.FillBytes(make([]byte, k.size())), nil
}

func (k *ModPKey) Shared(peerPub []byte) ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, errors.New("dh key destroyed")
	}
	y := new(big.Int).SetBytes(peerPub)
	pm1 := new(big.Int).Sub(k.group.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pm1) >= 0 {
		return nil, errors.New("dh public value out of range")
	}
	s := new(big.Int).Exp(y, k.priv, k.group.P)
	return s.FillBytes(make([]byte, k.size())), nil
}

func (k *ModPKey) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	k.priv.SetInt64(0)
	k.priv = nil
	k.destroyed = true
}

func (k *ModPKey) size() int {
	return (k.group.P.BitLen() + 7) / 8
}

// X25519Key is the elliptic-curve alternative to ModPKey.
type X25519Key struct {
	priv      *ecdh.PrivateKey
	destroyed bool
}

func (k *X25519Key) String() string   { return "X25519Key{REDACTED}" }
func (k *X25519Key) GoString() string { return "crypto.X25519Key{REDACTED}" }

func (k *X25519Key) Public() ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, errors.New("x25519 key destroyed")
	}
	return k.priv.PublicKey().Bytes(), nil
}

func (k *X25519Key) Shared(peerPub []byte) ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, errors.New("x25519 key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519 public value: %w", err)
	}
	return k.priv.ECDH(pub)
}

func (k *X25519Key) Destroy() {
	if k == nil {
		return
	}
	k.priv = nil
	k.destroyed = true
}

func GenerateX25519() (*X25519Key, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &X25519Key{priv: priv}, nil
}

// NewKeyExchange starts an agreement for the named scheme. The group is
// only consulted for DHModP.
func NewKeyExchange(scheme string, group DHGroup) (KeyExchange, error) {
	switch scheme {
	case DHModP, "":
		return group.Generate()
	case DHX25519:
		return GenerateX25519()
	default:
		return nil, fmt.Errorf("%w: key exchange %q", ErrBadAlgorithm, scheme)
	}
}
