package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(config.StorageConfig{
		DataDir:     t.TempDir(),
		MaxOpen:     8,
		IdleTimeout: config.Duration(time.Minute),
		BusyTimeout: config.Duration(5 * time.Second),
	}, logging.NewNop())
	require.NoError(t, err)
	return p
}

// A handle whose acquirer gave up before pinning it must end up owned by
// the pool, shared with later acquirers and closed on CloseAll.
func TestAdoptOwnsOrphanedHandle(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	defer p.CloseAll(ctx) //nolint:errcheck

	orphan, err := p.open(ctx, "tenant-a")
	require.NoError(t, err)
	p.adopt(orphan)

	h, err := p.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Same(t, orphan, h, "later acquirers pin the adopted handle")
	p.Release(h)

	require.NoError(t, p.CloseAll(ctx))
	assert.Error(t, orphan.db.Ping(), "CloseAll closes the adopted handle")
}

func TestAdoptClosesLosingDuplicate(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	defer p.CloseAll(ctx) //nolint:errcheck

	winner, err := p.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	defer p.Release(winner)

	dup, err := p.open(ctx, "tenant-a")
	require.NoError(t, err)
	p.adopt(dup)

	p.mu.Lock()
	installed := p.handles["tenant-a"]
	p.mu.Unlock()
	assert.Same(t, winner, installed, "the installed handle keeps its slot")
	assert.Error(t, dup.db.Ping(), "the losing duplicate is closed")
	assert.NoError(t, winner.db.Ping())
}

func TestAdoptAfterCloseAllClosesHandle(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)

	orphan, err := p.open(ctx, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, p.CloseAll(ctx))

	p.adopt(orphan)
	assert.Error(t, orphan.db.Ping())
	p.mu.Lock()
	assert.Empty(t, p.handles)
	p.mu.Unlock()
}
