package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vaultd daemon",
	Long: `Run the vaultd daemon: opens the catalog and tenant stores, starts the
index reconciler and usage queue, watches the config file for tunable
changes, and serves the operational HTTP endpoints (healthz, readyz,
metrics). Stops cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := newDaemon(ctx, configPath)
	if err != nil {
		return err
	}

	d.reconciler.Start()

	// Hot-reload search and ledger tunables. Only an explicitly given
	// config file is watched; the implicit default may not exist yet.
	if configPath != "" {
		d.watcher, err = config.NewWatcher(configPath,
			func(t config.Tunables) {
				if err := d.retriever.UpdateConfig(t.Search); err != nil {
					d.logger.Warn(ctx, "search config reload rejected", zap.Error(err))
				}
				if err := d.ledger.UpdateConfig(t.Ledger); err != nil {
					d.logger.Warn(ctx, "ledger config reload rejected", zap.Error(err))
				}
			},
			func(err error) {
				d.logger.Warn(ctx, "config reload failed", zap.Error(err))
			},
		)
		if err != nil {
			d.close(context.Background())
			return fmt.Errorf("config watcher: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()

	d.logger.Info(ctx, "vaultd started",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port)),
		zap.String("data_dir", d.cfg.Storage.DataDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		d.logger.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			d.logger.Error(ctx, "http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	d.close(shutdownCtx)

	return serveErr
}
