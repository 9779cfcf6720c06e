package index

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// ChromemIndex is the embedded variant: vectors persisted on local disk
// via chromem-go, one collection per tenant. No external service.
type ChromemIndex struct {
	db     *chromem.DB
	logger *logging.Logger
}

// NewChromemIndex opens (creating if needed) a persistent chromem database
// at path.
func NewChromemIndex(path string, compress bool, logger *logging.Logger) (*ChromemIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("chromem path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating chromem dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}

	return &ChromemIndex{db: db, logger: logger.Named("chromem")}, nil
}

// noEmbed is passed where chromem requires an embedding function; every
// document and query arrives with its vector already computed.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings are computed upstream")
}

func (c *ChromemIndex) collection(tenantID string) (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(collectionName(tenantID), nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("%w: collection for %s: %v", ErrDegraded, tenantID, err)
	}
	return col, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, tenantID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	col, err := c.collection(tenantID)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		docs[i] = chromem.Document{
			ID:        p.ID,
			Embedding: p.Vector,
			Metadata:  payloadToMetadata(p.Payload),
		}
	}

	// Concurrency 1: embeddings are precomputed, nothing to parallelize.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("%w: upserting %d points: %v", ErrDegraded, len(points), err)
	}

	indexWrites.WithLabelValues("chromem", "upsert").Inc()
	return nil
}

func (c *ChromemIndex) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	col := c.db.GetCollection(collectionName(tenantID), noEmbed)
	if col == nil {
		return nil // nothing indexed for this tenant yet
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("%w: deleting %d points: %v", ErrDegraded, len(ids), err)
	}

	indexWrites.WithLabelValues("chromem", "delete").Inc()
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, tenantID string, vector []float32, k int, filter Filter) ([]Hit, error) {
	col := c.db.GetCollection(collectionName(tenantID), noEmbed)
	if col == nil {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem only filters on exact metadata equality, so fetch extra
	// candidates and apply the full filter here. nResults must not exceed
	// the collection size.
	fetch := k * 4
	if fetch > count {
		fetch = count
	}
	if fetch <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying: %v", ErrDegraded, err)
	}

	hits := make([]Hit, 0, k)
	for _, r := range results {
		if !filter.Matches(metadataToPayload(r.Metadata)) {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (c *ChromemIndex) DropCollection(ctx context.Context, tenantID string) error {
	if err := c.db.DeleteCollection(collectionName(tenantID)); err != nil {
		return fmt.Errorf("%w: dropping collection: %v", ErrDegraded, err)
	}
	c.logger.Debug(ctx, "collection dropped", zap.String("tenant", tenantID))
	return nil
}

// Healthy always succeeds for the embedded variant: local disk is either
// there or the process has bigger problems.
func (c *ChromemIndex) Healthy(context.Context) error {
	return nil
}

func (c *ChromemIndex) Close() error {
	return nil
}

func collectionName(tenantID string) string {
	return "tenant_" + tenantID
}

func payloadToMetadata(p Payload) map[string]string {
	return map[string]string{
		"kind":       p.Kind,
		"category":   p.Category,
		"team_scope": p.TeamScope,
		"created_at": strconv.FormatInt(p.CreatedAt, 10),
		"expires_at": strconv.FormatInt(p.ExpiresAt, 10),
	}
}

func metadataToPayload(m map[string]string) Payload {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	return Payload{
		Kind:      m["kind"],
		Category:  m["category"],
		TeamScope: m["team_scope"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
}
