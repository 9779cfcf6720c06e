package index

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// maxGRPCMessageSize bounds qdrant payloads (default gRPC 4MiB is tight
// for large upsert batches).
const maxGRPCMessageSize = 32 * 1024 * 1024

// QdrantIndex is the networked variant: collections live in an external
// Qdrant instance over gRPC.
type QdrantIndex struct {
	client     *qdrant.Client
	vectorSize int
	logger     *logging.Logger
}

// NewQdrantIndex connects to Qdrant and verifies reachability. Unlike the
// embedded variant, an unreachable index fails construction: a networked
// dependency should fail fast at startup.
func NewQdrantIndex(ctx context.Context, host string, port int, useTLS bool, vectorSize int, logger *logging.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxGRPCMessageSize),
				grpc.MaxCallSendMsgSize(maxGRPCMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	q := &QdrantIndex{client: client, vectorSize: vectorSize, logger: logger.Named("qdrant")}
	if err := q.Healthy(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrDegraded, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %v", ErrDegraded, err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, tenantID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	name := collectionName(tenantID)
	if err := q.ensureCollection(ctx, name); err != nil {
		return err
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				"kind":       qdrant.NewValueString(p.Payload.Kind),
				"category":   qdrant.NewValueString(p.Payload.Category),
				"team_scope": qdrant.NewValueString(p.Payload.TeamScope),
				"created_at": qdrant.NewValueInt(p.Payload.CreatedAt),
				"expires_at": qdrant.NewValueInt(p.Payload.ExpiresAt),
			},
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %d points: %v", ErrDegraded, len(points), err)
	}

	indexWrites.WithLabelValues("qdrant", "upsert").Inc()
	return nil
}

func (q *QdrantIndex) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	name := collectionName(tenantID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrDegraded, err)
	}
	if !exists {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %d points: %v", ErrDegraded, len(ids), err)
	}

	indexWrites.WithLabelValues("qdrant", "delete").Inc()
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, tenantID string, vector []float32, k int, filter Filter) ([]Hit, error) {
	name := collectionName(tenantID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: checking collection: %v", ErrDegraded, err)
	}
	if !exists {
		return nil, nil
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         buildQdrantFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying: %v", ErrDegraded, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.GetId().GetUuid(), Score: float64(r.GetScore())})
	}
	return hits, nil
}

// buildQdrantFilter pushes the pre-filter down to the server.
func buildQdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition

	if len(f.Kinds) > 0 {
		must = append(must, qdrant.NewMatchKeywords("kind", f.Kinds...))
	}
	if f.Category != "" {
		must = append(must, qdrant.NewMatchKeyword("category", f.Category))
	}
	if f.TeamScope != "" {
		must = append(must, qdrant.NewMatchKeyword("team_scope", f.TeamScope))
	}
	if f.CreatedAfter != 0 || f.CreatedBefore != 0 {
		r := &qdrant.Range{}
		if f.CreatedAfter != 0 {
			r.Gte = qdrant.PtrOf(float64(f.CreatedAfter))
		}
		if f.CreatedBefore != 0 {
			r.Lte = qdrant.PtrOf(float64(f.CreatedBefore))
		}
		must = append(must, qdrant.NewRange("created_at", r))
	}
	if f.Now != 0 {
		// Not yet expired: expires_at == 0 (no expiry) or in the future.
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{
					Should: []*qdrant.Condition{
						qdrant.NewMatchInt("expires_at", 0),
						qdrant.NewRange("expires_at", &qdrant.Range{
							Gt: qdrant.PtrOf(float64(f.Now)),
						}),
					},
				},
			},
		})
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (q *QdrantIndex) DropCollection(ctx context.Context, tenantID string) error {
	if err := q.client.DeleteCollection(ctx, collectionName(tenantID)); err != nil {
		return fmt.Errorf("%w: dropping collection: %v", ErrDegraded, err)
	}
	q.logger.Debug(ctx, "collection dropped", zap.String("tenant", tenantID))
	return nil
}

func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: health check: %v", ErrDegraded, err)
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
