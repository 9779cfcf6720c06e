// Package ledger tracks usage, rate limits, and idempotent billing events
// on the shared catalog database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

// ErrRateLimited marks a denied rate-limit decision.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// LimitExceededError carries the decision so callers can surface
// Remaining and ResetAt alongside the stable error code.
type LimitExceededError struct {
	Decision Decision
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.Decision.ResetAt.Format(time.RFC3339))
}

func (e *LimitExceededError) Unwrap() error { return ErrRateLimited }

// NewLimitError wraps a denied decision.
func NewLimitError(d Decision) error {
	return &LimitExceededError{Decision: d}
}

// Ledger owns the rate_windows, processed_events, and usage_events tables.
// Retention and tier tables are hot-swappable via UpdateConfig.
type Ledger struct {
	catalog *storage.Catalog
	logger  *logging.Logger

	mu  sync.RWMutex
	cfg config.LedgerConfig
}

// NewLedger validates the config and wires the ledger onto the catalog.
func NewLedger(catalog *storage.Catalog, cfg config.LedgerConfig, logger *logging.Logger) (*Ledger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Ledger{catalog: catalog, cfg: cfg, logger: logger.Named("ledger")}, nil
}

func validateConfig(cfg config.LedgerConfig) error {
	if cfg.RateWindow.Duration() <= 0 {
		return fmt.Errorf("ledger: rate_window must be positive")
	}
	if cfg.EventRetention.Duration() <= 0 || cfg.UsageRetention.Duration() <= 0 {
		return fmt.Errorf("ledger: retentions must be positive")
	}
	return nil
}

// UpdateConfig swaps retention and tier tables. Invalid snapshots are
// rejected and the previous config stays active.
func (l *Ledger) UpdateConfig(cfg config.LedgerConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Config returns the current snapshot.
func (l *Ledger) Config() config.LedgerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// LimitsForTier resolves a tier name against the configured table. Unknown
// tiers get the zero value, which denies everything and is loud in tests.
func (l *Ledger) LimitsForTier(tier string) config.TierLimits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Tiers[tier]
}

// CheckRateLimit runs the fixed-window check for (tenant, op). Window
// rollover and increment happen in a single upsert so concurrent checks
// never double-count. A denied check still returns the decision; the error
// is reserved for storage failures.
func (l *Ledger) CheckRateLimit(ctx context.Context, tenantID, op string, window time.Duration, limit int) (Decision, error) {
	now := time.Now()
	nowMilli := now.UnixMilli()
	windowMilli := window.Milliseconds()

	tx, err := l.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Expired windows of idle keys never roll on their own; sweep them
	// here so the race with a concurrent check stays inside this tx.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_start + ? <= ? AND NOT (tenant_id = ? AND op = ?)`,
		windowMilli, nowMilli, tenantID, op); err != nil {
		return Decision{}, fmt.Errorf("%w: prune windows: %v", storage.ErrStorage, err)
	}

	var (
		count       int
		windowStart int64
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rate_windows (tenant_id, op, count, window_start)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(tenant_id, op) DO UPDATE SET
			count = CASE WHEN rate_windows.window_start + ? <= ?
				THEN 1 ELSE rate_windows.count + 1 END,
			window_start = CASE WHEN rate_windows.window_start + ? <= ?
				THEN ? ELSE rate_windows.window_start END
		RETURNING count, window_start`,
		tenantID, op, nowMilli,
		windowMilli, nowMilli,
		windowMilli, nowMilli, nowMilli).Scan(&count, &windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: rate window upsert: %v", storage.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(windowStart + windowMilli),
	}
	rateChecks.WithLabelValues(op, allowedLabel(d.Allowed)).Inc()
	return d, nil
}

// RecordUsage appends one usage event and prunes events past retention in
// the same transaction.
func (l *Ledger) RecordUsage(ctx context.Context, tenantID, operation string) error {
	retention := l.Config().UsageRetention.Duration()
	now := time.Now()

	tx, err := l.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM usage_events WHERE recorded_at < ?`,
		now.Add(-retention).UnixMilli()); err != nil {
		return fmt.Errorf("%w: prune usage: %v", storage.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_events (id, tenant_id, operation, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), tenantID, operation, now.UnixMilli()); err != nil {
		return fmt.Errorf("%w: insert usage: %v", storage.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}
	return nil
}

// RecordWebhookEvent marks an external event processed. Returns true
// exactly once per event id; repeats return false. Stale markers past
// retention are pruned in the same transaction.
func (l *Ledger) RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	retention := l.Config().EventRetention.Duration()
	now := time.Now()

	tx, err := l.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`,
		now.Add(-retention).UnixMilli()); err != nil {
		return false, fmt.Errorf("%w: prune events: %v", storage.ErrStorage, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("%w: insert event: %v", storage.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: insert event: %v", storage.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}
	return n == 1, nil
}

// UsageTotals aggregates the usage log per operation since the given
// time. Feeds the ops surface and tier accounting.
func (l *Ledger) UsageTotals(ctx context.Context, tenantID string, since time.Time) (map[string]int64, error) {
	rows, err := l.catalog.DB().QueryContext(ctx, `
		SELECT operation, COUNT(*) FROM usage_events
		WHERE tenant_id = ? AND recorded_at >= ?
		GROUP BY operation`,
		tenantID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: usage totals: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var op string
		var n int64
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("%w: usage totals: %v", storage.ErrStorage, err)
		}
		totals[op] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: usage totals: %v", storage.ErrStorage, err)
	}
	return totals, nil
}

func allowedLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
