package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

// ProvisionTenant creates a tenant. Encrypting modes get a fresh DEK
// wrapped under the mode's KEK; split-authority additionally stores the
// share hash. The plaintext DEK never leaves this call.
func (e *Engine) ProvisionTenant(ctx context.Context, id, tier string, mode tenant.Mode, clientShare []byte) (*tenant.Tenant, error) {
	if !tenant.ValidMode(mode) {
		return nil, fmt.Errorf("%w: unknown encryption mode %q", vault.ErrValidation, mode)
	}
	ten := &tenant.Tenant{ID: id, Tier: tier, Mode: mode}

	switch mode {
	case tenant.ModeSplit:
		if len(clientShare) == 0 {
			return nil, fmt.Errorf("%w: split-authority requires a client share", vault.ErrValidation)
		}
		ten.ShareHash = keyring.HashShare(clientShare)
		fallthrough
	case tenant.ModeLegacy:
		var share []byte
		if mode == tenant.ModeSplit {
			share = clientShare
		}
		wd, err := e.keys.GenerateDEK(ctx, e.masterSecret, share)
		if err != nil {
			return nil, err
		}
		crypto.Wipe(wd.DEK)
		ten.WrappedDEK = wd.Ciphertext
		ten.DEKNonce = wd.Nonce
		ten.DEKSalt = wd.Salt
	}

	if err := e.tenants.Create(ctx, ten); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "tenant provisioned",
		zap.String("tenant_id", id),
		zap.String("tier", tier),
		zap.String("mode", string(mode)))
	return ten, nil
}

// SetTier changes a tenant's subscription tier.
func (e *Engine) SetTier(ctx context.Context, tenantID, tier string) error {
	return e.tenants.SetTier(ctx, tenantID, tier)
}

// SwitchEncryptionMode re-wraps the tenant's DEK under the target mode's
// KEK and persists wrapping plus share hash in one catalog update.
// Switching to "none" is rejected: it would strand ciphertext rows.
// Existing plaintext rows of a tenant that turns encryption on stay
// readable and are fully encrypted on their next update.
//
// The current credential must be able to unwrap today's DEK; for a tenant
// moving off split-authority that means presenting the current share one
// last time. Split targets take the new share (share rotation is a
// split-to-split switch).
func (e *Engine) SwitchEncryptionMode(ctx context.Context, cred Credential, newMode tenant.Mode, newShare []byte) error {
	if newMode != tenant.ModeLegacy && newMode != tenant.ModeSplit {
		return fmt.Errorf("%w: cannot switch encryption mode to %q", vault.ErrValidation, newMode)
	}
	if newMode == tenant.ModeSplit && len(newShare) == 0 {
		return fmt.Errorf("%w: split-authority requires a client share", vault.ErrValidation)
	}

	ten, dek, err := e.resolve(ctx, cred)
	if err != nil {
		return err
	}
	defer crypto.Wipe(dek)

	var targetShare []byte
	if newMode == tenant.ModeSplit {
		targetShare = newShare
	}

	var wrapping *keyring.Wrapping
	if ten.Encrypts() {
		wrapping, err = e.keys.WrapDEK(ctx, dek, e.masterSecret, targetShare)
		if err != nil {
			return err
		}
	} else {
		wd, err := e.keys.GenerateDEK(ctx, e.masterSecret, targetShare)
		if err != nil {
			return err
		}
		crypto.Wipe(wd.DEK)
		wrapping = &wd.Wrapping
	}

	var shareHash []byte
	if newMode == tenant.ModeSplit {
		shareHash = keyring.HashShare(newShare)
	}
	if err := e.tenants.SetWrapping(ctx, ten.ID, newMode, wrapping.Ciphertext, wrapping.Nonce, wrapping.Salt, shareHash); err != nil {
		return err
	}
	e.cache.InvalidateTenant(ten.ID)
	e.logger.Info(ctx, "encryption mode switched",
		zap.String("tenant_id", ten.ID),
		zap.String("from", string(ten.Mode)),
		zap.String("to", string(newMode)))
	return nil
}

// PurgeTenant removes everything a tenant owns: cached DEKs, the tenant
// database file, the vector collection, and the catalog row last, so a
// failed purge can be retried.
func (e *Engine) PurgeTenant(ctx context.Context, tenantID string) error {
	if _, err := e.tenants.Get(ctx, tenantID); err != nil {
		return err
	}
	e.cache.InvalidateTenant(tenantID)
	if err := e.pool.Drop(ctx, tenantID); err != nil {
		return err
	}
	if err := e.index.DropCollection(ctx, tenantID); err != nil {
		return err
	}
	if err := e.tenants.Delete(ctx, tenantID); err != nil {
		return err
	}
	e.logger.Info(ctx, "tenant purged", zap.String("tenant_id", tenantID))
	return nil
}
