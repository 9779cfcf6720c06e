package tenant_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
)

func newStore(t *testing.T) *tenant.Store {
	t.Helper()
	ctx := context.Background()
	cat, err := storage.OpenCatalog(ctx, t.TempDir(), 5*time.Second, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close(ctx) })
	return tenant.NewStore(cat)
}

func TestStoreCreateGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	in := &tenant.Tenant{
		ID:         "acme",
		Tier:       "pro",
		Mode:       tenant.ModeLegacy,
		WrappedDEK: []byte{1, 2, 3},
		DEKNonce:   []byte{4, 5, 6},
		DEKSalt:    []byte{7, 8, 9},
	}
	require.NoError(t, store.Create(ctx, in))

	got, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)
	assert.Equal(t, "pro", got.Tier)
	assert.Equal(t, tenant.ModeLegacy, got.Mode)
	assert.Equal(t, []byte{1, 2, 3}, got.WrappedDEK)
	assert.Nil(t, got.ShareHash)
	assert.True(t, got.Encrypts())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &tenant.Tenant{ID: "acme", Tier: "free", Mode: tenant.ModeNone}))
	err := store.Create(ctx, &tenant.Tenant{ID: "acme", Tier: "free", Mode: tenant.ModeNone})
	assert.ErrorIs(t, err, tenant.ErrExists)
}

func TestStoreGetMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestStoreInvalidID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../x", "a b", "-x", "x/y"} {
		err := store.Create(ctx, &tenant.Tenant{ID: id, Tier: "free", Mode: tenant.ModeNone})
		assert.ErrorIs(t, err, tenant.ErrInvalidID, "id %q", id)
	}
}

func TestStoreSetTier(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &tenant.Tenant{ID: "acme", Tier: "free", Mode: tenant.ModeNone}))
	require.NoError(t, store.SetTier(ctx, "acme", "team"))

	got, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "team", got.Tier)

	assert.ErrorIs(t, store.SetTier(ctx, "ghost", "team"), tenant.ErrNotFound)
}

func TestStoreSetWrapping(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &tenant.Tenant{
		ID: "acme", Tier: "pro", Mode: tenant.ModeLegacy,
		WrappedDEK: []byte{1}, DEKNonce: []byte{2}, DEKSalt: []byte{3},
	}))

	// Switch to split-authority: new wrapping plus share hash, one update.
	hash := make([]byte, 32)
	require.NoError(t, store.SetWrapping(ctx, "acme", tenant.ModeSplit,
		[]byte{9}, []byte{8}, []byte{7}, hash))

	got, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.ModeSplit, got.Mode)
	assert.Equal(t, []byte{9}, got.WrappedDEK)
	assert.Equal(t, hash, got.ShareHash)

	// Back to legacy clears the share hash.
	require.NoError(t, store.SetWrapping(ctx, "acme", tenant.ModeLegacy,
		[]byte{5}, []byte{4}, []byte{3}, nil))
	got, err = store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.ModeLegacy, got.Mode)
	assert.Nil(t, got.ShareHash)
}

func TestStoreDeleteAndList(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &tenant.Tenant{ID: "a", Tier: "free", Mode: tenant.ModeNone}))
	require.NoError(t, store.Create(ctx, &tenant.Tenant{ID: "b", Tier: "free", Mode: tenant.ModeNone}))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, tenant.ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "a"), tenant.ErrNotFound)
}

func TestValidMode(t *testing.T) {
	assert.True(t, tenant.ValidMode(tenant.ModeNone))
	assert.True(t, tenant.ValidMode(tenant.ModeLegacy))
	assert.True(t, tenant.ValidMode(tenant.ModeSplit))
	assert.False(t, tenant.ValidMode(tenant.Mode("vault")))
}
