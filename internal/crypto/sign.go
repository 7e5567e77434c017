package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	SigEd25519 = "Ed25519"
	SigRSAPSS  = "SHA3-256withRSA/PSS"

	RSABits = 3072
)

// Signer produces signatures verifiable with Verify(Algorithm(), Public(), ...).
type Signer interface {
	Algorithm() string
	Public() []byte
	Sign(msg []byte) ([]byte, error)
}

func GenerateSigner(alg string) (Signer, error) {
	switch alg {
	case SigEd25519, "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ed25519Signer{priv: priv}, nil
	case SigRSAPSS:
		priv, err := rsa.GenerateKey(rand.Reader, RSABits)
		if err != nil {
			return nil, err
		}
		return newRSASigner(priv)
	default:
		return nil, fmt.Errorf("%w: signature %q", ErrBadAlgorithm, alg)
	}
}

// NewEd25519Signer builds a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("bad ed25519 seed size")
	}
	return ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewSigner restores a signer from the private key bytes written by
// SaveKeypair.
func NewSigner(alg string, priv []byte) (Signer, error) {
	switch alg {
	case SigEd25519, "":
		if len(priv) != ed25519.PrivateKeySize {
			return nil, errors.New("bad ed25519 private key size")
		}
		return ed25519Signer{priv: ed25519.PrivateKey(priv)}, nil
	case SigRSAPSS:
		key, err := ParseRSAPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		return newRSASigner(key)
	default:
		return nil, fmt.Errorf("%w: signature %q", ErrBadAlgorithm, alg)
	}
}

// Verify checks sig over msg. Unknown algorithms never verify.
func Verify(alg string, pub, msg, sig []byte) bool {
	switch alg {
	case SigEd25519, "":
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	case SigRSAPSS:
		return VerifyDigest(pub, SHA3_256(msg), sig)
	default:
		return false
	}
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

func (s ed25519Signer) Algorithm() string { return SigEd25519 }

func (s ed25519Signer) Public() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

func (s ed25519Signer) private() []byte { return s.priv }

type rsaSigner struct {
	priv   *rsa.PrivateKey
	pubDER []byte
}

func newRSASigner(priv *rsa.PrivateKey) (*rsaSigner, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &rsaSigner{priv: priv, pubDER: pubDER}, nil
}

func (s *rsaSigner) Algorithm() string { return SigRSAPSS }

func (s *rsaSigner) Public() []byte { return append([]byte(nil), s.pubDER...) }

func (s *rsaSigner) Sign(msg []byte) ([]byte, error) {
	return rsa.SignPSS(rand.Reader, s.priv, crypto.SHA3_256, SHA3_256(msg), &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func (s *rsaSigner) private() []byte {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return nil
	}
	return der
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != 32 {
		return false
	}
	key, err := ParseRSAPublicKey(pub)
	if err != nil {
		return false
	}
	return rsa.VerifyPSS(key, crypto.SHA3_256, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not rsa private key")
	}
	return rsaKey, nil
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

type privateKeyer interface {
	private() []byte
}

// SaveKeypair writes pub.hex and priv.hex for a signer created by this
// package.
func SaveKeypair(dir string, s Signer) error {
	pk, ok := s.(privateKeyer)
	if !ok {
		return errors.New("signer does not expose its key")
	}
	priv := pk.private()
	pub := s.Public()
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
