// Package tenant holds the tenant model and its catalog-backed store.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Mode is a tenant's encryption mode.
type Mode string

const (
	// ModeNone stores entry content in plaintext.
	ModeNone Mode = "none"
	// ModeLegacy encrypts with a DEK wrapped under the server master secret.
	ModeLegacy Mode = "legacy"
	// ModeSplit encrypts with a DEK wrapped under the master secret plus a
	// client-held share; the server alone cannot unwrap.
	ModeSplit Mode = "split-authority"
)

// Common errors.
var (
	ErrNotFound  = errors.New("tenant not found")
	ErrExists    = errors.New("tenant already exists")
	ErrInvalidID = errors.New("invalid tenant id")
)

// idPattern doubles as filesystem safety: the id names the tenant's
// database file.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Tenant is one isolated customer of the engine.
type Tenant struct {
	ID   string
	Tier string
	Mode Mode

	// DEK wrapping; nil for ModeNone tenants.
	WrappedDEK []byte
	DEKNonce   []byte
	DEKSalt    []byte

	// SHA-256 of the client share; set only for ModeSplit.
	ShareHash []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Encrypts reports whether entry content is encrypted at rest.
func (t *Tenant) Encrypts() bool {
	return t.Mode != ModeNone
}

// ValidateID checks a tenant id against the allowed shape.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidMode reports whether m is a known encryption mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeNone, ModeLegacy, ModeSplit:
		return true
	}
	return false
}
