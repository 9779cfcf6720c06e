// Package search implements hybrid retrieval: a lexical FTS5 leg and a
// semantic vector leg run concurrently, their scores are fused with
// configured weights and an exponential recency decay, and only the
// returned page is ever decrypted.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
	"github.com/fyrsmithlabs/vaultd/internal/vault"
)

// Request is one search call. Zero-value filters mean "no constraint".
type Request struct {
	Query         string
	Kinds         []string
	Category      string
	TeamScope     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Match pairs a decrypted entry with its fused score.
type Match struct {
	Entry *vault.Entry
	Score float64
}

// Results is one ranked page. Degraded is set when the semantic leg was
// skipped because the embedding provider or index failed.
type Results struct {
	Matches  []Match
	Degraded bool
}

// Retriever runs hybrid searches. Ranking tunables are hot-swappable via
// UpdateConfig; everything else is fixed at construction.
type Retriever struct {
	pool     *storage.Pool
	repo     *vault.Repository
	index    index.Index
	embedder embeddings.Provider
	logger   *logging.Logger

	mu  sync.RWMutex
	cfg config.SearchConfig
}

// NewRetriever validates the ranking config and wires the retriever.
func NewRetriever(pool *storage.Pool, repo *vault.Repository, idx index.Index, embedder embeddings.Provider, cfg config.SearchConfig, logger *logging.Logger) (*Retriever, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Retriever{
		pool:     pool,
		repo:     repo,
		index:    idx,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("search"),
	}, nil
}

// UpdateConfig swaps the ranking tunables. Invalid snapshots are rejected
// and the previous config stays active.
func (r *Retriever) UpdateConfig(cfg config.SearchConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

func (r *Retriever) config() config.SearchConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func validateConfig(cfg config.SearchConfig) error {
	if cfg.LexicalWeight < 0 || cfg.SemanticWeight < 0 {
		return fmt.Errorf("search: weights must be non-negative")
	}
	if cfg.LexicalWeight == 0 && cfg.SemanticWeight == 0 {
		return fmt.Errorf("search: at least one weight must be positive")
	}
	if cfg.HalfLife.Duration() <= 0 {
		return fmt.Errorf("search: half_life must be positive")
	}
	if cfg.MaxCandidates <= 0 {
		return fmt.Errorf("search: max_candidates must be positive")
	}
	if cfg.DefaultPageSize <= 0 || cfg.MaxPageSize < cfg.DefaultPageSize {
		return fmt.Errorf("search: invalid page sizes")
	}
	return nil
}

// candidate accumulates per-entry leg scores before fusion.
type candidate struct {
	lex       float64
	sem       float64
	createdAt int64 // zero until resolved
}

// Search runs both legs, fuses, paginates, and decrypts the final page.
// A timed-out context yields an error and no partial results.
func (r *Retriever) Search(ctx context.Context, ten *tenant.Tenant, dek []byte, req Request) (*Results, error) {
	cfg := r.config()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", vault.ErrValidation)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = cfg.DefaultPageSize
	}
	if limit > cfg.MaxPageSize {
		limit = cfg.MaxPageSize
	}
	if req.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be non-negative", vault.ErrValidation)
	}

	if d := cfg.Timeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	now := time.Now()
	filter := index.Filter{
		Kinds:         req.Kinds,
		Category:      req.Category,
		TeamScope:     req.TeamScope,
		CreatedAfter:  timeMilli(req.CreatedAfter),
		CreatedBefore: timeMilli(req.CreatedBefore),
		Now:           now.UnixMilli(),
	}

	var (
		lexHits  []lexicalHit
		semHits  []index.Hit
		degraded bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.lexicalLeg(gctx, ten.ID, query, req, cfg.MaxCandidates, now)
		if err != nil {
			return err
		}
		lexHits = hits
		return nil
	})
	g.Go(func() error {
		vec, err := r.embedder.EmbedQuery(gctx, query)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			r.degrade(gctx, ten.ID, "embed query", err)
			degraded = true
			return nil
		}
		hits, err := r.index.Query(gctx, ten.ID, vec, cfg.MaxCandidates, filter)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			r.degrade(gctx, ten.ID, "vector query", err)
			degraded = true
			return nil
		}
		semHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make(map[string]*candidate, len(lexHits)+len(semHits))
	for _, h := range lexHits {
		candidates[h.id] = &candidate{lex: h.score, createdAt: h.createdAt}
	}
	for _, h := range semHits {
		c, ok := candidates[h.ID]
		if !ok {
			c = &candidate{}
			candidates[h.ID] = c
		}
		c.sem = h.Score
	}

	// Semantic-only candidates still need created_at for the decay, and
	// the primary row is authoritative over a possibly stale index.
	if err := r.resolveCreatedAt(ctx, ten.ID, req, now, candidates); err != nil {
		return nil, err
	}

	ranked := fuse(candidates, cfg, now)
	page := paginate(ranked, req.Offset, limit)

	ids := make([]string, len(page))
	for i, s := range page {
		ids[i] = s.id
	}
	entries, err := r.repo.LoadPage(ctx, ten, dek, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*vault.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	matches := make([]Match, 0, len(page))
	for _, s := range page {
		if e, ok := byID[s.id]; ok {
			matches = append(matches, Match{Entry: e, Score: s.score})
		}
	}
	searches.WithLabelValues(degradedLabel(degraded)).Inc()
	return &Results{Matches: matches, Degraded: degraded}, nil
}

func (r *Retriever) degrade(ctx context.Context, tenantID, stage string, err error) {
	index.Degradations.WithLabelValues("query").Inc()
	r.logger.Warn(ctx, "semantic leg degraded",
		zap.String("tenant_id", tenantID),
		zap.String("stage", stage),
		zap.Error(err))
}

func timeMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func degradedLabel(d bool) string {
	if d {
		return "degraded"
	}
	return "full"
}

// scored is a fully fused candidate.
type scored struct {
	id        string
	score     float64
	createdAt int64
}

// fuse combines leg scores and applies the recency decay. Candidates with
// no resolvable primary row were already removed.
func fuse(candidates map[string]*candidate, cfg config.SearchConfig, now time.Time) []scored {
	halfLifeDays := cfg.HalfLife.Duration().Hours() / 24
	ranked := make([]scored, 0, len(candidates))
	for id, c := range candidates {
		base := c.lex*cfg.LexicalWeight + c.sem*cfg.SemanticWeight
		ranked = append(ranked, scored{
			id:        id,
			score:     base * recencyDecay(now.UnixMilli(), c.createdAt, halfLifeDays),
			createdAt: c.createdAt,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].createdAt != ranked[j].createdAt {
			return ranked[i].createdAt > ranked[j].createdAt
		}
		return ranked[i].id < ranked[j].id
	})
	return ranked
}

func paginate(ranked []scored, offset, limit int) []scored {
	if offset >= len(ranked) {
		return nil
	}
	end := offset + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	return ranked[offset:end]
}
