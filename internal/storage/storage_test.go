package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

func poolConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		DataDir:     t.TempDir(),
		MaxOpen:     8,
		IdleTimeout: config.Duration(time.Minute),
		BusyTimeout: config.Duration(5 * time.Second),
	}
}

func TestCatalogOpenAndPing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cat, err := storage.OpenCatalog(ctx, dir, 5*time.Second, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, cat.Ping(ctx))

	// Schema exists.
	var n int
	err = cat.DB().QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('tenants','rate_windows','processed_events','usage_events')").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, cat.Close(ctx))

	// Reopening an already-migrated catalog is a no-op.
	cat2, err := storage.OpenCatalog(ctx, dir, 5*time.Second, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, cat2.Close(ctx))
}

func TestPoolAcquireMigratesTenantSchema(t *testing.T) {
	ctx := context.Background()
	pool, err := storage.NewPool(poolConfig(t), logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(ctx) //nolint:errcheck

	h, err := pool.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	defer pool.Release(h)

	var n int
	err = h.DB().QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE name IN ('entries','entries_fts','index_repairs')").Scan(&n)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}

func TestPoolConcurrentAcquireSingleHandle(t *testing.T) {
	ctx := context.Background()
	pool, err := storage.NewPool(poolConfig(t), logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(ctx) //nolint:errcheck

	const goroutines = 16
	handles := make([]*storage.Handle, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := pool.Acquire(ctx, "tenant-a")
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, handles[0], handles[i], "all acquirers must share one handle")
	}
	for _, h := range handles {
		pool.Release(h)
	}
}

func TestPoolEvictionSkipsPinnedHandles(t *testing.T) {
	ctx := context.Background()
	cfg := poolConfig(t)
	cfg.MaxOpen = 1
	pool, err := storage.NewPool(cfg, logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(ctx) //nolint:errcheck

	a, err := pool.Acquire(ctx, "tenant-a")
	require.NoError(t, err)

	// Over capacity, but tenant-a is pinned and must survive.
	b, err := pool.Acquire(ctx, "tenant-b")
	require.NoError(t, err)
	pool.Release(b)

	require.NoError(t, a.DB().PingContext(ctx), "pinned handle must stay open")
	pool.Release(a)
}

func TestPoolInvalidTenantID(t *testing.T) {
	ctx := context.Background()
	pool, err := storage.NewPool(poolConfig(t), logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(ctx) //nolint:errcheck

	for _, id := range []string{"", "../escape", "a/b", "-leading", "x y"} {
		_, err := pool.Acquire(ctx, id)
		assert.ErrorIs(t, err, storage.ErrStorage, "id %q", id)
	}
}

func TestPoolDropRemovesFiles(t *testing.T) {
	ctx := context.Background()
	cfg := poolConfig(t)
	pool, err := storage.NewPool(cfg, logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(ctx) //nolint:errcheck

	h, err := pool.Acquire(ctx, "tenant-a")
	require.NoError(t, err)

	// Pinned handles block the purge.
	require.Error(t, pool.Drop(ctx, "tenant-a"))

	pool.Release(h)
	require.NoError(t, pool.Drop(ctx, "tenant-a"))

	_, err = os.Stat(filepath.Join(cfg.DataDir, "tenants", "tenant-a.db"))
	assert.True(t, os.IsNotExist(err))

	// Dropping an absent tenant is a no-op.
	require.NoError(t, pool.Drop(ctx, "tenant-a"))
}

func TestPoolCloseAll(t *testing.T) {
	ctx := context.Background()
	pool, err := storage.NewPool(poolConfig(t), logging.NewNop())
	require.NoError(t, err)

	h, err := pool.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	pool.Release(h)

	require.NoError(t, pool.CloseAll(ctx))

	_, err = pool.Acquire(ctx, "tenant-b")
	assert.ErrorIs(t, err, storage.ErrStorage)

	// Idempotent.
	require.NoError(t, pool.CloseAll(ctx))
}

func TestPoolAcquireHonorsCancellation(t *testing.T) {
	pool, err := storage.NewPool(poolConfig(t), logging.NewNop())
	require.NoError(t, err)
	defer pool.CloseAll(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.Acquire(ctx, "tenant-a")
	assert.Error(t, err)
}
