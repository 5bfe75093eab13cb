package secrets

import (
	"maps"
	"slices"

	"github.com/awnumar/memguard"

	"github.com/rendis/credvault/pkg/schema"
)

// Keyring maps key versions to master keys sealed in memguard enclaves.
// A Keyring is immutable; With and Promote return new keyrings.
type Keyring struct {
	current int
	keys    map[int]*memguard.Enclave
}

// NewKeyring creates a keyring whose only and current key is key at version.
// key is copied before sealing; the caller keeps ownership of its slice.
func NewKeyring(version int, key []byte) (*Keyring, error) {
	kr := &Keyring{current: version, keys: make(map[int]*memguard.Enclave, 1)}
	if err := kr.seal(version, key); err != nil {
		return nil, err
	}
	return kr, nil
}

func (k *Keyring) seal(version int, key []byte) error {
	if version < 1 {
		return schema.NewErrorf(schema.ErrCodeCrypto, "key version must be positive, got %d", version)
	}
	if len(key) != KeySize {
		return schema.NewErrorf(schema.ErrCodeCrypto, "key must be %d bytes, got %d", KeySize, len(key))
	}
	// NewEnclave wipes its argument.
	k.keys[version] = memguard.NewEnclave(slices.Clone(key))
	return nil
}

// With returns a copy of the keyring that also holds key at version.
// The current version is unchanged.
func (k *Keyring) With(version int, key []byte) (*Keyring, error) {
	next := &Keyring{current: k.current, keys: maps.Clone(k.keys)}
	if err := next.seal(version, key); err != nil {
		return nil, err
	}
	return next, nil
}

// Promote returns a copy of the keyring with version as the current key.
func (k *Keyring) Promote(version int) (*Keyring, error) {
	if _, ok := k.keys[version]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCrypto, "unknown key version %d", version)
	}
	return &Keyring{current: version, keys: maps.Clone(k.keys)}, nil
}

// Current returns the version used for new encryptions.
func (k *Keyring) Current() int { return k.current }

// Versions returns all held versions in ascending order.
func (k *Keyring) Versions() []int {
	return slices.Sorted(maps.Keys(k.keys))
}

// open unseals the key for version. The caller must Destroy the buffer.
func (k *Keyring) open(version int) (*memguard.LockedBuffer, error) {
	enclave, ok := k.keys[version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCrypto, "no key for version %d", version)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "unseal key").WithCause(err)
	}
	return buf, nil
}
