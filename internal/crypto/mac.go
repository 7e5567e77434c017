package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

const (
	HmacSHA512   = "HmacSHA512"
	HmacSHA256   = "HmacSHA256"
	HmacSHA3_256 = "HmacSHA3-256"
)

// MAC computes link authenticators with a fixed HMAC construction.
type MAC struct {
	alg  string
	hash func() hash.Hash
}

func NewMAC(alg string) (*MAC, error) {
	var h func() hash.Hash
	switch alg {
	case HmacSHA512, "":
		alg, h = HmacSHA512, sha512.New
	case HmacSHA256:
		h = sha256.New
	case HmacSHA3_256:
		h = func() hash.Hash { return sha3.New256() }
	default:
		return nil, fmt.Errorf("%w: mac %q", ErrBadAlgorithm, alg)
	}
	return &MAC{alg: alg, hash: h}, nil
}

func (m *MAC) Algorithm() string { return m.alg }

func (m *MAC) Size() int { return m.hash().Size() }

func (m *MAC) Compute(key, data []byte) []byte {
	h := hmac.New(m.hash, key)
	h.Write(data)
	return h.Sum(nil)
}

func (m *MAC) Verify(key, data, tag []byte) bool {
	if len(key) == 0 || len(tag) == 0 {
		return false
	}
	return hmac.Equal(m.Compute(key, data), tag)
}
