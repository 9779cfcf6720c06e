// Package index defines the vector shadow index behind hybrid search.
//
// The index is derived, rebuildable state: every write is best-effort from
// the repository's point of view, and a failed write lands in the tenant's
// repair queue instead of failing the operation.
package index

import (
	"context"
	"errors"
)

// ErrDegraded marks a vector-index failure. Swallowed at the repository
// boundary: counted, logged, and queued for repair, never raised to the
// caller of a write.
var ErrDegraded = errors.New("vector index degraded")

// Point is one entry's vector plus the payload fields search pre-filters on.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Payload carries the filterable attributes of an entry. CreatedAt and
// ExpiresAt are Unix milliseconds; ExpiresAt zero means no expiry.
type Payload struct {
	Kind      string
	Category  string
	TeamScope string
	CreatedAt int64
	ExpiresAt int64
}

// Filter restricts a query before scoring. Zero values mean "no
// constraint". Now (Unix ms) excludes expired entries when non-zero.
type Filter struct {
	Kinds         []string
	Category      string
	TeamScope     string
	CreatedAfter  int64
	CreatedBefore int64
	Now           int64
}

// Matches reports whether a payload passes the filter. Variants without
// native filter pushdown apply it before returning hits.
func (f Filter) Matches(p Payload) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if p.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.TeamScope != "" && p.TeamScope != f.TeamScope {
		return false
	}
	if f.CreatedAfter != 0 && p.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && p.CreatedAt > f.CreatedBefore {
		return false
	}
	if f.Now != 0 && p.ExpiresAt != 0 && p.ExpiresAt <= f.Now {
		return false
	}
	return true
}

// Hit is one scored candidate from the semantic leg. Score is cosine
// similarity in [0, 1], highest first.
type Hit struct {
	ID    string
	Score float64
}

// Index is the polymorphic vector index: chromem (embedded) or qdrant
// (networked), selected at construction by configuration.
type Index interface {
	// Upsert writes points into the tenant's collection, creating the
	// collection on first use.
	Upsert(ctx context.Context, tenantID string, points []Point) error

	// Delete removes points by entry id. Missing ids are not an error.
	Delete(ctx context.Context, tenantID string, ids []string) error

	// Query returns up to k filtered hits by cosine similarity.
	Query(ctx context.Context, tenantID string, vector []float32, k int, filter Filter) ([]Hit, error)

	// DropCollection removes a tenant's collection entirely (purge path).
	DropCollection(ctx context.Context, tenantID string) error

	// Healthy reports index reachability for the readiness probe.
	Healthy(ctx context.Context) error

	// Close releases the index's resources.
	Close() error
}
