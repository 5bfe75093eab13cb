package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/rendis/credvault/pkg/schema"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Cipher encrypts credential bundles with AES-256-GCM under a versioned key.
// Every ciphertext is bound to its provider id and key version through the
// GCM additional data, so records cannot be swapped or relabelled.
type Cipher struct {
	keyring atomic.Pointer[Keyring]
}

// NewCipher creates a cipher over kr.
func NewCipher(kr *Keyring) *Cipher {
	c := &Cipher{}
	c.keyring.Store(kr)
	return c
}

// Keyring returns the keyring currently in use.
func (c *Cipher) Keyring() *Keyring { return c.keyring.Load() }

// CurrentVersion returns the key version used for new encryptions.
func (c *Cipher) CurrentVersion() int { return c.keyring.Load().Current() }

// SwapKeyring atomically replaces the keyring.
func (c *Cipher) SwapKeyring(kr *Keyring) { c.keyring.Store(kr) }

// Encrypt seals b under the current key version.
func (c *Cipher) Encrypt(providerID string, b schema.Bundle) (schema.EncryptedBundle, error) {
	kr := c.keyring.Load()
	return encryptWith(kr, kr.Current(), providerID, b)
}

// EncryptWithVersion seals b under a specific key version.
func (c *Cipher) EncryptWithVersion(providerID string, b schema.Bundle, version int) (schema.EncryptedBundle, error) {
	return encryptWith(c.keyring.Load(), version, providerID, b)
}

// Decrypt verifies and opens e. Any verification failure is a CRYPTO_ERROR;
// no partial plaintext is ever returned.
func (c *Cipher) Decrypt(providerID string, e schema.EncryptedBundle) (schema.Bundle, error) {
	return decryptWith(c.keyring.Load(), providerID, e)
}

func encryptWith(kr *Keyring, version int, providerID string, b schema.Bundle) (schema.EncryptedBundle, error) {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return schema.EncryptedBundle{}, schema.NewError(schema.ErrCodeCrypto, "encode bundle").WithCause(err)
	}
	defer clear(plaintext)

	aead, err := newAEAD(kr, version)
	if err != nil {
		return schema.EncryptedBundle{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return schema.EncryptedBundle{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, additionalData(providerID, version))
	tagStart := len(sealed) - tagSize
	return schema.EncryptedBundle{
		Ciphertext: sealed[:tagStart:tagStart],
		IV:         iv,
		Tag:        sealed[tagStart:],
		KeyVersion: version,
	}, nil
}

func decryptWith(kr *Keyring, providerID string, e schema.EncryptedBundle) (schema.Bundle, error) {
	if len(e.IV) != ivSize {
		return schema.Bundle{}, schema.NewErrorf(schema.ErrCodeCrypto, "invalid iv length %d", len(e.IV))
	}
	if len(e.Tag) != tagSize {
		return schema.Bundle{}, schema.NewErrorf(schema.ErrCodeCrypto, "invalid tag length %d", len(e.Tag))
	}

	aead, err := newAEAD(kr, e.KeyVersion)
	if err != nil {
		return schema.Bundle{}, err
	}

	sealed := make([]byte, 0, len(e.Ciphertext)+tagSize)
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.Tag...)

	plaintext, err := aead.Open(nil, e.IV, sealed, additionalData(providerID, e.KeyVersion))
	if err != nil {
		return schema.Bundle{}, schema.NewError(schema.ErrCodeCrypto, "authentication failed").
			WithProvider(providerID).
			WithCause(err)
	}
	defer clear(plaintext)

	var b schema.Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return schema.Bundle{}, schema.NewError(schema.ErrCodeCrypto, "decode bundle").
			WithProvider(providerID).
			WithCause(err)
	}
	return b, nil
}

func newAEAD(kr *Keyring, version int) (cipher.AEAD, error) {
	buf, err := kr.open(version)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "aes cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCrypto, "gcm").WithCause(err)
	}
	return aead, nil
}

func additionalData(providerID string, version int) []byte {
	return []byte(providerID + "|v" + strconv.Itoa(version))
}
