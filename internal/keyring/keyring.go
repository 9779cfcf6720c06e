// Package keyring manages per-tenant data encryption keys.
//
// A tenant's DEK is generated once, wrapped under a KEK derived from the
// master secret (legacy mode) or from the master secret combined with a
// client-held share (split-authority mode), and stored only in wrapped
// form. Unwrapped DEKs live in a bounded in-memory session cache and
// never touch disk.
package keyring

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// ErrKeyUnwrap is returned when a DEK cannot be unwrapped. Wrong master
// secret, wrong client share, and ciphertext tamper all produce this same
// sentinel; details go to the internal log, never the error.
var ErrKeyUnwrap = errors.New("key unwrap failed")

// splitDomainSep separates legacy-mode and split-authority KEK derivation
// inputs so the same master secret never derives the same KEK across modes.
var splitDomainSep = []byte("\x00vaultd/split-authority/v1\x00")

// Wrapping is the persisted form of a DEK: ciphertext, the GCM nonce, and
// the KDF salt the KEK was derived with.
type Wrapping struct {
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
}

// WrappedDEK pairs a freshly generated DEK with its wrapping. The DEK
// field is for immediate use by the caller, who must wipe it.
type WrappedDEK struct {
	DEK []byte
	Wrapping
}

// Authority generates, wraps, and unwraps tenant DEKs.
type Authority struct {
	vault  *crypto.Vault
	logger *logging.Logger
}

// NewAuthority creates an Authority using the given crypto vault for
// AEAD and KDF operations.
func NewAuthority(vault *crypto.Vault, logger *logging.Logger) (*Authority, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Authority{vault: vault, logger: logger.Named("keyring")}, nil
}

// GenerateDEK creates a fresh 256-bit DEK and wraps it under a KEK derived
// from masterSecret (and clientShare when non-nil) with a fresh salt.
func (a *Authority) GenerateDEK(ctx context.Context, masterSecret, clientShare []byte) (*WrappedDEK, error) {
	dek, err := crypto.NewKey()
	if err != nil {
		return nil, fmt.Errorf("generating dek: %w", err)
	}

	wrapping, err := a.WrapDEK(ctx, dek, masterSecret, clientShare)
	if err != nil {
		crypto.Wipe(dek)
		return nil, err
	}

	return &WrappedDEK{DEK: dek, Wrapping: *wrapping}, nil
}

// WrapDEK wraps an existing DEK under a freshly salted KEK. Used on mode
// switches, where the same DEK is re-wrapped under the target mode's KEK.
func (a *Authority) WrapDEK(ctx context.Context, dek, masterSecret, clientShare []byte) (*Wrapping, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	kek, err := a.deriveKEK(masterSecret, clientShare, salt)
	if err != nil {
		return nil, fmt.Errorf("deriving kek: %w", err)
	}
	defer crypto.Wipe(kek)

	ciphertext, nonce, err := a.vault.Encrypt(dek, kek)
	if err != nil {
		return nil, fmt.Errorf("wrapping dek: %w", err)
	}

	a.logger.Debug(ctx, "dek wrapped", zap.Bool("split_authority", clientShare != nil))
	return &Wrapping{Ciphertext: ciphertext, Nonce: nonce, Salt: salt}, nil
}

// UnwrapDEK recovers a DEK from its wrapping. clientShare must be nil for
// legacy-mode wrappings and present for split-authority wrappings. Any
// failure collapses to ErrKeyUnwrap.
func (a *Authority) UnwrapDEK(ctx context.Context, w Wrapping, masterSecret, clientShare []byte) ([]byte, error) {
	kek, err := a.deriveKEK(masterSecret, clientShare, w.Salt)
	if err != nil {
		a.logger.Warn(ctx, "dek unwrap failed", zap.String("stage", "kdf"))
		return nil, ErrKeyUnwrap
	}
	defer crypto.Wipe(kek)

	dek, err := a.vault.Decrypt(w.Ciphertext, w.Nonce, kek)
	if err != nil {
		a.logger.Warn(ctx, "dek unwrap failed", zap.String("stage", "decrypt"))
		return nil, ErrKeyUnwrap
	}

	return dek, nil
}

// deriveKEK derives the key encryption key. With a client share the KDF
// input is masterSecret || separator || share, so server-held material
// alone cannot reproduce the KEK.
func (a *Authority) deriveKEK(masterSecret, clientShare, salt []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("empty master secret")
	}

	secret := masterSecret
	if clientShare != nil {
		combined := make([]byte, 0, len(masterSecret)+len(splitDomainSep)+len(clientShare))
		combined = append(combined, masterSecret...)
		combined = append(combined, splitDomainSep...)
		combined = append(combined, clientShare...)
		defer crypto.Wipe(combined)
		secret = combined
	}

	return a.vault.DeriveKey(secret, salt)
}

// HashShare returns the SHA-256 digest of a client share, the only form
// in which the server persists share material.
func HashShare(share []byte) []byte {
	sum := sha256.Sum256(share)
	return sum[:]
}

// VerifyShareHash reports whether share matches the stored digest in
// constant time. A mismatch lets callers fail before paying KDF cost.
func VerifyShareHash(share, storedHash []byte) bool {
	if len(storedHash) != sha256.Size {
		return false
	}
	sum := sha256.Sum256(share)
	return subtle.ConstantTimeCompare(sum[:], storedHash) == 1
}
