// Package crypto provides the symmetric primitives for tenant data
// encryption: AES-256-GCM authenticated encryption and argon2id key
// derivation. All entry content and wrapped DEKs in vaultd go through
// this package.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// SaltSize is the KDF salt length in bytes.
	SaltSize = 16
)

var (
	// ErrAuthentication is returned when decryption fails. Wrong key and
	// tampered data are deliberately indistinguishable.
	ErrAuthentication = errors.New("crypto: decryption failed")

	// ErrInvalidKeySize indicates a key that is not KeySize bytes.
	ErrInvalidKeySize = errors.New("crypto: key must be 32 bytes")

	// ErrInvalidNonceSize indicates a nonce that is not NonceSize bytes.
	ErrInvalidNonceSize = errors.New("crypto: nonce must be 12 bytes")

	// ErrInvalidSaltSize indicates a salt that is not SaltSize bytes.
	ErrInvalidSaltSize = errors.New("crypto: salt must be 16 bytes")
)

// Params holds argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams returns production KDF parameters (64 MiB, 3 passes).
func DefaultParams() Params {
	return Params{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// TestParams returns cheap KDF parameters for tests. Determinism holds
// for any fixed parameter set; only brute-force cost differs.
func TestParams() Params {
	return Params{Time: 1, Memory: 8 * 1024, Threads: 1}
}

// Validate checks the parameters for usable values.
func (p Params) Validate() error {
	if p.Time == 0 {
		return errors.New("crypto: kdf time must be >= 1")
	}
	if p.Memory < 8*1024 {
		return fmt.Errorf("crypto: kdf memory must be >= 8192 KiB, got %d", p.Memory)
	}
	if p.Threads == 0 {
		return errors.New("crypto: kdf threads must be >= 1")
	}
	return nil
}

// Vault bundles the primitives with a fixed KDF parameter set.
type Vault struct {
	params Params
}

// New creates a Vault with the given KDF parameters.
func New(params Params) (*Vault, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Vault{params: params}, nil
}

// Encrypt encrypts plaintext under key with a fresh random nonce.
// The GCM authentication tag is appended to the returned ciphertext.
// Nonce reuse under the same key is forbidden; callers must store the
// returned nonce alongside the ciphertext.
func (v *Vault) Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext under key and nonce. Any integrity failure
// (tamper, truncation, wrong key) returns ErrAuthentication with no
// further detail.
func (v *Vault) Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte key from secret and salt via argon2id.
// Deterministic for fixed (secret, salt, params); deliberately slow.
func (v *Vault) DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSaltSize
	}
	key := argon2.IDKey(secret, salt, v.params.Time, v.params.Memory, v.params.Threads, KeySize)
	return key, nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return salt, nil
}

// NewKey returns a fresh random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generating key: %w", err)
	}
	return key, nil
}

// Wipe zeroes key material in place. Best effort; the GC may have
// copied the slice backing array already.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating gcm: %w", err)
	}
	return aead, nil
}
