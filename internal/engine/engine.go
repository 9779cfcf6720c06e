// Package engine is the facade the transport layer consumes: credential
// resolution, rate gating, and tenant lifecycle wrapped around the
// repository, retriever, and ledger.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/ledger"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/search"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

// Operation names used for rate windows and the usage log.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpUpdate = "update"
	OpDelete = "delete"
	OpSearch = "search"
)

// Credential is the already-verified caller identity. ClientShare is
// present only for split-authority tenants; SessionID keys the DEK cache
// and may be empty for one-shot calls.
type Credential struct {
	TenantID    string
	SessionID   string
	ClientShare []byte
}

// Deps carries the engine's wiring. All fields are required except Queue
// (a nil queue records usage synchronously is not supported; pass one).
type Deps struct {
	Tenants      *tenant.Store
	Keyring      *keyring.Authority
	Cache        *keyring.SessionCache
	Repo         *vault.Repository
	Retriever    *search.Retriever
	Ledger       *ledger.Ledger
	Pool         *storage.Pool
	Index        index.Index
	Queue        *Queue
	Logger       *logging.Logger
	MasterSecret []byte
}

// Engine exposes the data-plane and tenant-lifecycle API.
type Engine struct {
	tenants      *tenant.Store
	keys         *keyring.Authority
	cache        *keyring.SessionCache
	repo         *vault.Repository
	retriever    *search.Retriever
	ledger       *ledger.Ledger
	pool         *storage.Pool
	index        index.Index
	queue        *Queue
	logger       *logging.Logger
	masterSecret []byte
}

// New validates the wiring and builds the engine.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Tenants == nil, d.Keyring == nil, d.Cache == nil, d.Repo == nil,
		d.Retriever == nil, d.Ledger == nil, d.Pool == nil, d.Index == nil,
		d.Queue == nil, d.Logger == nil:
		return nil, fmt.Errorf("engine: all dependencies are required")
	case len(d.MasterSecret) == 0:
		return nil, fmt.Errorf("engine: master secret is required")
	}
	return &Engine{
		tenants:      d.Tenants,
		keys:         d.Keyring,
		cache:        d.Cache,
		repo:         d.Repo,
		retriever:    d.Retriever,
		ledger:       d.Ledger,
		pool:         d.Pool,
		index:        d.Index,
		queue:        d.Queue,
		logger:       d.Logger.Named("engine"),
		masterSecret: d.MasterSecret,
	}, nil
}

// resolve loads the tenant and, for encrypting tenants, produces the
// session DEK: cache hit, or share verification plus unwrap. Split DEKs
// are cached only after the share was verified on this request.
func (e *Engine) resolve(ctx context.Context, cred Credential) (*tenant.Tenant, []byte, error) {
	ten, err := e.tenants.Get(ctx, cred.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !ten.Encrypts() {
		return ten, nil, nil
	}

	if cred.SessionID != "" {
		if dek, ok := e.cache.Get(ten.ID, cred.SessionID); ok {
			return ten, dek, nil
		}
	}

	var share []byte
	if ten.Mode == tenant.ModeSplit {
		if !keyring.VerifyShareHash(cred.ClientShare, ten.ShareHash) {
			return nil, nil, keyring.ErrKeyUnwrap
		}
		share = cred.ClientShare
	}
	dek, err := e.keys.UnwrapDEK(ctx, keyring.Wrapping{
		Ciphertext: ten.WrappedDEK,
		Nonce:      ten.DEKNonce,
		Salt:       ten.DEKSalt,
	}, e.masterSecret, share)
	if err != nil {
		return nil, nil, err
	}
	if cred.SessionID != "" {
		e.cache.Put(ten.ID, cred.SessionID, dek)
	}
	return ten, dek, nil
}

// gate runs the tier's fixed-window rate check for the operation.
func (e *Engine) gate(ctx context.Context, ten *tenant.Tenant, op string) error {
	limits := e.ledger.LimitsForTier(ten.Tier)
	window := e.ledger.Config().RateWindow.Duration()
	d, err := e.ledger.CheckRateLimit(ctx, ten.ID, op, window, limits.RequestsPerWindow)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ledger.NewLimitError(d)
	}
	return nil
}

// recordUsage appends to the usage log off the hot path. Queue overflow
// drops the event; the drop is counted, never blocks the caller.
func (e *Engine) recordUsage(tenantID, op string) {
	e.queue.Enqueue(func(ctx context.Context) {
		if err := e.ledger.RecordUsage(ctx, tenantID, op); err != nil {
			e.logger.Warn(ctx, "usage record failed",
				zap.String("tenant_id", tenantID),
				zap.String("op", op),
				zap.Error(err))
		}
	})
}

// CreateEntry validates, rate-gates, enforces the tier entry quota, and
// stores a new entry.
func (e *Engine) CreateEntry(ctx context.Context, cred Credential, draft vault.Draft) (*vault.Entry, error) {
	ten, dek, err := e.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, ten, OpCreate); err != nil {
		return nil, err
	}
	if limits := e.ledger.LimitsForTier(ten.Tier); limits.MaxEntries > 0 {
		n, err := e.repo.Count(ctx, ten.ID)
		if err != nil {
			return nil, err
		}
		if n >= int64(limits.MaxEntries) {
			return nil, fmt.Errorf("%w: tier %q allows %d entries", ErrQuotaExceeded, ten.Tier, limits.MaxEntries)
		}
	}
	entry, err := e.repo.Create(ctx, ten, dek, draft)
	if err != nil {
		return nil, err
	}
	e.recordUsage(ten.ID, OpCreate)
	return entry, nil
}

// GetEntry loads and decrypts one entry.
func (e *Engine) GetEntry(ctx context.Context, cred Credential, id string) (*vault.Entry, error) {
	ten, dek, err := e.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, ten, OpGet); err != nil {
		return nil, err
	}
	entry, err := e.repo.Get(ctx, ten, dek, id)
	if err != nil {
		return nil, err
	}
	e.recordUsage(ten.ID, OpGet)
	return entry, nil
}

// UpdateEntry merges a patch onto a stored entry.
func (e *Engine) UpdateEntry(ctx context.Context, cred Credential, id string, patch vault.Patch) (*vault.Entry, error) {
	ten, dek, err := e.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, ten, OpUpdate); err != nil {
		return nil, err
	}
	entry, err := e.repo.Update(ctx, ten, dek, id, patch)
	if err != nil {
		return nil, err
	}
	e.recordUsage(ten.ID, OpUpdate)
	return entry, nil
}

// DeleteEntry removes an entry and its shadows.
func (e *Engine) DeleteEntry(ctx context.Context, cred Credential, id string) error {
	ten, _, err := e.resolve(ctx, cred)
	if err != nil {
		return err
	}
	if err := e.gate(ctx, ten, OpDelete); err != nil {
		return err
	}
	if err := e.repo.Delete(ctx, ten, id); err != nil {
		return err
	}
	e.recordUsage(ten.ID, OpDelete)
	return nil
}

// Search runs a hybrid search and decrypts the returned page.
func (e *Engine) Search(ctx context.Context, cred Credential, req search.Request) (*search.Results, error) {
	ten, dek, err := e.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, ten, OpSearch); err != nil {
		return nil, err
	}
	res, err := e.retriever.Search(ctx, ten, dek, req)
	if err != nil {
		return nil, err
	}
	e.recordUsage(ten.ID, OpSearch)
	return res, nil
}

// CheckRate exposes the current decision for upstream backpressure
// without consuming the caller's budget twice: this is a real check, so
// transports should call it instead of, not before, a data operation.
func (e *Engine) CheckRate(ctx context.Context, tenantID, op string) (ledger.Decision, error) {
	ten, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return ledger.Decision{}, err
	}
	limits := e.ledger.LimitsForTier(ten.Tier)
	window := e.ledger.Config().RateWindow.Duration()
	return e.ledger.CheckRateLimit(ctx, ten.ID, op, window, limits.RequestsPerWindow)
}

// RecordBillingEvent records a billing/webhook event id at most once.
func (e *Engine) RecordBillingEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	return e.ledger.RecordWebhookEvent(ctx, eventID, eventType)
}

// UsageTotals aggregates the usage log per operation for one tenant.
func (e *Engine) UsageTotals(ctx context.Context, tenantID string, since time.Time) (map[string]int64, error) {
	return e.ledger.UsageTotals(ctx, tenantID, since)
}
