package secrets

import (
	"golang.org/x/crypto/argon2"

	"github.com/rendis/credvault/pkg/schema"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KDFParams is the argon2id work factor used to derive master keys.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams returns the production work factor.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// DeriveKey stretches a configured secret into a 32-byte key. The secret itself
// is never used as key material.
func DeriveKey(secret string, salt []byte, params KDFParams) ([]byte, error) {
	if secret == "" {
		return nil, schema.NewError(schema.ErrCodeCrypto, "master secret is required")
	}
	if len(salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeCrypto, "salt is required with master secret")
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		params = DefaultKDFParams()
	}
	return argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Threads, KeySize), nil
}
