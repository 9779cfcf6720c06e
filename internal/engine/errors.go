package engine

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/ledger"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

// ErrQuotaExceeded marks a tenant at its tier's entry cap.
var ErrQuotaExceeded = errors.New("entry quota exceeded")

// ErrorCode maps any error chain to a stable machine-readable code for
// the transport layer. Messages may change; codes may not.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, vault.ErrValidation), errors.Is(err, tenant.ErrInvalidID):
		return "validation_failed"
	case errors.Is(err, vault.ErrConflict), errors.Is(err, tenant.ErrExists):
		return "conflict"
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		return "not_found"
	case errors.Is(err, vault.ErrInvalidUpdate):
		return "invalid_update"
	case errors.Is(err, ledger.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, crypto.ErrAuthentication), errors.Is(err, keyring.ErrKeyUnwrap):
		return "authentication_failed"
	case errors.Is(err, storage.ErrStorage):
		return "storage_failure"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}
