package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

func newChromem(t *testing.T) index.Index {
	t.Helper()
	idx, err := index.NewChromemIndex(t.TempDir(), false, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// vec builds a unit-ish test vector pointing mostly along one axis.
func vec(axis int) []float32 {
	v := make([]float32, 4)
	for i := range v {
		v[i] = 0.01
	}
	v[axis] = 1
	return v
}

func TestChromemUpsertQuery(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	points := []index.Point{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: vec(0), Payload: index.Payload{Kind: "note", CreatedAt: 1000}},
		{ID: "22222222-2222-2222-2222-222222222222", Vector: vec(1), Payload: index.Payload{Kind: "doc", CreatedAt: 2000}},
		{ID: "33333333-3333-3333-3333-333333333333", Vector: vec(2), Payload: index.Payload{Kind: "note", CreatedAt: 3000}},
	}
	require.NoError(t, idx.Upsert(ctx, "tenant-a", points))

	hits, err := idx.Query(ctx, "tenant-a", vec(0), 3, index.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", hits[0].ID, "nearest vector ranks first")

	// Kind filter excludes the doc entry.
	hits, err = idx.Query(ctx, "tenant-a", vec(1), 3, index.Filter{Kinds: []string{"note"}})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "22222222-2222-2222-2222-222222222222", h.ID)
	}
}

func TestChromemQueryEmptyTenant(t *testing.T) {
	idx := newChromem(t)

	hits, err := idx.Query(context.Background(), "nobody", vec(0), 5, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemDelete(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	id := "11111111-1111-1111-1111-111111111111"
	require.NoError(t, idx.Upsert(ctx, "tenant-a", []index.Point{
		{ID: id, Vector: vec(0), Payload: index.Payload{Kind: "note"}},
	}))
	require.NoError(t, idx.Delete(ctx, "tenant-a", []string{id}))

	hits, err := idx.Query(ctx, "tenant-a", vec(0), 5, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Deleting from an unknown tenant is a no-op.
	require.NoError(t, idx.Delete(ctx, "nobody", []string{id}))
}

func TestChromemTenantIsolation(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "tenant-a", []index.Point{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: vec(0), Payload: index.Payload{Kind: "note"}},
	}))

	hits, err := idx.Query(ctx, "tenant-b", vec(0), 5, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits, "tenant collections must not leak into each other")
}

func TestFilterMatches(t *testing.T) {
	p := index.Payload{Kind: "note", Category: "work", TeamScope: "core", CreatedAt: 5000, ExpiresAt: 9000}

	tests := []struct {
		name   string
		filter index.Filter
		want   bool
	}{
		{"empty filter", index.Filter{}, true},
		{"kind match", index.Filter{Kinds: []string{"doc", "note"}}, true},
		{"kind mismatch", index.Filter{Kinds: []string{"doc"}}, false},
		{"category match", index.Filter{Category: "work"}, true},
		{"category mismatch", index.Filter{Category: "home"}, false},
		{"scope mismatch", index.Filter{TeamScope: "other"}, false},
		{"created in range", index.Filter{CreatedAfter: 4000, CreatedBefore: 6000}, true},
		{"created too early", index.Filter{CreatedAfter: 6000}, false},
		{"created too late", index.Filter{CreatedBefore: 4000}, false},
		{"not yet expired", index.Filter{Now: 8000}, true},
		{"expired", index.Filter{Now: 9000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(p))
		})
	}

	// No expiry set means never expired.
	forever := index.Payload{Kind: "note"}
	assert.True(t, index.Filter{Now: 1 << 60}.Matches(forever))
}

func TestChromemDropCollection(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "tenant-a", []index.Point{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: vec(0), Payload: index.Payload{Kind: "note"}},
	}))
	require.NoError(t, idx.DropCollection(ctx, "tenant-a"))

	hits, err := idx.Query(ctx, "tenant-a", vec(0), 5, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFactoryUnknownProvider(t *testing.T) {
	_, err := index.New(context.Background(), config.IndexConfig{Provider: "pinecone"}, 4, logging.NewNop())
	assert.Error(t, err)
}

func TestFactoryChromemDefault(t *testing.T) {
	cfg := config.IndexConfig{Chromem: config.ChromemIndexConfig{Path: t.TempDir()}}
	idx, err := index.New(context.Background(), cfg, 4, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Close())
}
