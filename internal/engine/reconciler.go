package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultMaxAttempts       = 5
)

// Reconciler sweeps each tenant's index_repairs queue on a ticker, replays
// failed vector-shadow writes with capped attempts, and purges expired
// entries so reads never have to.
type Reconciler struct {
	repo        *vault.Repository
	tenants     *tenant.Store
	interval    time.Duration
	maxAttempts int
	batch       int
	logger      *logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewReconciler builds the sweeper. Start must be called to run it.
func NewReconciler(repo *vault.Repository, tenants *tenant.Store, cfg config.ReconcilerConfig, logger *logging.Logger) *Reconciler {
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Reconciler{
		repo:        repo,
		tenants:     tenants,
		interval:    interval,
		maxAttempts: maxAttempts,
		batch:       cfg.BatchSize,
		logger:      logger.Named("reconciler"),
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reconciler) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one repair pass over all tenants. Exported so shutdown and
// tests can force a pass without waiting for the ticker.
func (r *Reconciler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	ids, err := r.tenants.List(ctx)
	if err != nil {
		r.logger.Warn(ctx, "repair sweep skipped", zap.Error(err))
		return
	}
	for _, id := range ids {
		select {
		case <-r.done:
			return
		default:
		}
		resolved, err := r.repo.RetryRepairs(ctx, id, r.maxAttempts, r.batch)
		if err != nil {
			r.logger.Warn(ctx, "repair sweep failed",
				zap.String("tenant_id", id), zap.Error(err))
			continue
		}
		if resolved > 0 {
			r.logger.Info(ctx, "vector shadow repaired",
				zap.String("tenant_id", id), zap.Int("resolved", resolved))
		}
		purged, err := r.repo.PurgeExpired(ctx, id, r.batch)
		if err != nil {
			r.logger.Warn(ctx, "expiry purge failed",
				zap.String("tenant_id", id), zap.Error(err))
			continue
		}
		if purged > 0 {
			r.logger.Info(ctx, "expired entries purged",
				zap.String("tenant_id", id), zap.Int("purged", purged))
		}
	}
}
