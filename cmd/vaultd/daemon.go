package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/engine"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/ledger"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/scrub"
	"github.com/fyrsmithlabs/vaultd/internal/search"
	"github.com/fyrsmithlabs/vaultd/internal/server"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/telemetry"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

// daemon bundles every long-lived component in dependency order so that
// serve and the admin subcommands share one bootstrap path.
type daemon struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *logging.Logger

	catalog  *storage.Catalog
	pool     *storage.Pool
	tenants  *tenant.Store
	embedder embeddings.Provider
	index    index.Index
	cache    *keyring.SessionCache

	retriever  *search.Retriever
	ledger     *ledger.Ledger
	queue      *engine.Queue
	engine     *engine.Engine
	reconciler *engine.Reconciler
	server     *server.Server

	watcher *config.Watcher
}

// newDaemon loads configuration and wires the full component stack.
// Nothing is started: the reconciler, config watcher, and HTTP server
// stay idle until serve kicks them off.
func newDaemon(ctx context.Context, configPath string) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := newLogger(cfg.Logging, tel)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	d := &daemon{cfg: cfg, tel: tel, logger: logger}
	if err := d.build(ctx); err != nil {
		d.close(context.Background())
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(ctx context.Context) error {
	cfg := d.cfg

	cv, err := crypto.New(crypto.Params{
		Time:    cfg.Crypto.KDFTime,
		Memory:  cfg.Crypto.KDFMemoryKiB,
		Threads: cfg.Crypto.KDFThreads,
	})
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	authority, err := keyring.NewAuthority(cv, d.logger)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	d.cache = keyring.NewSessionCache(
		cfg.Keyring.CacheMaxEntries,
		cfg.Keyring.CacheTTL.Duration(),
		cfg.Keyring.CacheIdleTimeout.Duration(),
	)

	d.catalog, err = storage.OpenCatalog(ctx, cfg.Storage.DataDir, cfg.Storage.BusyTimeout.Duration(), d.logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	d.pool, err = storage.NewPool(cfg.Storage, d.logger)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	d.tenants = tenant.NewStore(d.catalog)

	d.embedder, err = embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	d.index, err = index.New(ctx, cfg.Index, d.embedder.Dimension(), d.logger)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	scrubber, err := scrub.New(cfg.Scrub)
	if err != nil {
		return fmt.Errorf("scrub: %w", err)
	}

	repo := vault.NewRepository(d.pool, cv, d.index, d.embedder, scrubber, cfg.Vault, d.logger)

	d.retriever, err = search.NewRetriever(d.pool, repo, d.index, d.embedder, cfg.Search, d.logger)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	d.ledger, err = ledger.NewLedger(d.catalog, cfg.Ledger, d.logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	d.queue = engine.NewQueue(cfg.Queue, d.logger)
	d.engine, err = engine.New(engine.Deps{
		Tenants:      d.tenants,
		Keyring:      authority,
		Cache:        d.cache,
		Repo:         repo,
		Retriever:    d.retriever,
		Ledger:       d.ledger,
		Pool:         d.pool,
		Index:        d.index,
		Queue:        d.queue,
		Logger:       d.logger,
		MasterSecret: []byte(cfg.Crypto.MasterSecret),
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	d.reconciler = engine.NewReconciler(repo, d.tenants, cfg.Reconciler, d.logger)

	d.server, err = server.New(d.catalog, d.index, cfg.Server, d.logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// close tears components down in reverse dependency order. Safe to call
// on a partially built daemon; the HTTP server is shut down by serve
// before this runs.
func (d *daemon) close(ctx context.Context) {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.reconciler != nil {
		d.reconciler.Stop()
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.cache != nil {
		d.cache.Clear()
	}
	if d.pool != nil {
		_ = d.pool.CloseAll(ctx)
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.catalog != nil {
		_ = d.catalog.Close(ctx)
	}
	if d.tel != nil {
		_ = d.tel.Shutdown(ctx)
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// newLogger builds the zap logger from the app-level logging section,
// bridging to OTEL when telemetry is enabled.
func newLogger(cfg config.LoggingConfig, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Level != "" {
		level, err := logging.LevelFromString(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		lc.Level = level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	if tel.IsEnabled() && tel.LoggerProvider() != nil {
		lc.Output.OTEL = true
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}
