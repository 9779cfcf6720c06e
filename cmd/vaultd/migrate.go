package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the catalog and all tenant stores",
	Long: `Apply pending schema migrations. Opening the catalog runs its
migrations; each registered tenant store is then opened once so its
per-tenant migrations run too. Safe to invoke repeatedly.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	catalog, err := storage.OpenCatalog(ctx, cfg.Storage.DataDir, cfg.Storage.BusyTimeout.Duration(), logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer catalog.Close(ctx)

	pool, err := storage.NewPool(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	defer pool.CloseAll(ctx)

	ids, err := tenant.NewStore(catalog).List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h, err := pool.Acquire(ctx, id)
		if err != nil {
			return fmt.Errorf("migrate tenant %s: %w", id, err)
		}
		pool.Release(h)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrated catalog and %d tenant store(s)\n", len(ids))
	return nil
}
