package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/engine"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

func TestQueueRunsTasks(t *testing.T) {
	q := engine.NewQueue(config.QueueConfig{Size: 8, Workers: 2}, logging.NewNop())

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := q.Enqueue(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
		require.True(t, ok)
	}
	wg.Wait()
	q.Close()
	assert.Equal(t, 5, ran)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := engine.NewQueue(config.QueueConfig{Size: 1, Workers: 1}, logging.NewNop())
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, q.Enqueue(func(context.Context) {
		close(started)
		<-block
	}))
	<-started

	// Worker is busy; this fills the buffer.
	require.True(t, q.Enqueue(func(context.Context) {}))

	// Buffer full: dropped, never blocks.
	assert.False(t, q.Enqueue(func(context.Context) {}))
	close(block)
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	q := engine.NewQueue(config.QueueConfig{Size: 8, Workers: 1}, logging.NewNop())

	done := make(chan struct{})
	require.True(t, q.Enqueue(func(context.Context) {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}))
	q.Close()

	select {
	case <-done:
	default:
		t.Fatal("Close returned before queued task finished")
	}
	assert.False(t, q.Enqueue(func(context.Context) {}))
}

func TestReconcilerSweepRepairsBacklog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.ProvisionTenant(ctx, "acme", "free", tenant.ModeNone, nil)
	require.NoError(t, err)
	cred := engine.Credential{TenantID: "acme"}

	f.embedder.Fail.Store(true)
	_, err = f.eng.CreateEntry(ctx, cred, vault.Draft{Kind: "note", Body: "backlogged"})
	require.NoError(t, err)
	f.embedder.Fail.Store(false)

	rec := engine.NewReconciler(f.repo, f.tenants, config.ReconcilerConfig{
		Interval:    config.Duration(time.Hour),
		MaxAttempts: 5,
		BatchSize:   50,
	}, logging.NewNop())
	rec.Sweep(ctx)

	h, err := f.pool.Acquire(ctx, "acme")
	require.NoError(t, err)
	var n int
	err = h.DB().QueryRowContext(ctx, "SELECT count(*) FROM index_repairs").Scan(&n)
	f.pool.Release(h)
	require.NoError(t, err)
	assert.Zero(t, n)
}
