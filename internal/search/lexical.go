package search

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

// lexicalHit is one FTS5 candidate. score is the BM25 rank mapped into
// [0, 1) so it fuses on the same scale as cosine similarity. FTS5's rank
// is more negative for stronger matches, so the mapping must grow with
// |rank|.
type lexicalHit struct {
	id        string
	score     float64
	createdAt int64
}

// lexicalLeg runs the FTS5 MATCH with all request filters applied as
// pre-filters, capped at maxCandidates.
func (r *Retriever) lexicalLeg(ctx context.Context, tenantID, query string, req Request, maxCandidates int, now time.Time) ([]lexicalHit, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	h, err := r.pool.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	sql := `
		SELECT entries_fts.entry_id, entries_fts.rank, e.created_at
		FROM entries_fts
		JOIN entries e ON e.id = entries_fts.entry_id
		WHERE entries_fts MATCH ?
		  AND (e.expires_at IS NULL OR e.expires_at > ?)`
	args := []any{match, now.UnixMilli()}
	sql, args = appendEntryFilters(sql, args, "e", req)
	sql += " ORDER BY entries_fts.rank LIMIT ?"
	args = append(args, maxCandidates)

	rows, err := h.DB().QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical query: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var hits []lexicalHit
	for rows.Next() {
		var (
			id        string
			rank      float64
			createdAt int64
		)
		if err := rows.Scan(&id, &rank, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: lexical query: %v", storage.ErrStorage, err)
		}
		absRank := math.Abs(rank)
		hits = append(hits, lexicalHit{
			id:        id,
			score:     absRank / (1 + absRank),
			createdAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lexical query: %v", storage.ErrStorage, err)
	}
	return hits, nil
}

// resolveCreatedAt fills created_at for semantic-only candidates from the
// primary rows, applying the same pre-filters. Candidates without a
// matching primary row (stale index points) are dropped.
func (r *Retriever) resolveCreatedAt(ctx context.Context, tenantID string, req Request, now time.Time, candidates map[string]*candidate) error {
	var missing []string
	for id, c := range candidates {
		if c.createdAt == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	h, err := r.pool.Acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	defer r.pool.Release(h)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(missing)), ",")
	sql := `SELECT id, created_at FROM entries
		WHERE id IN (` + placeholders + `)
		  AND (expires_at IS NULL OR expires_at > ?)`
	args := make([]any, 0, len(missing)+8)
	for _, id := range missing {
		args = append(args, id)
	}
	args = append(args, now.UnixMilli())
	sql, args = appendEntryFilters(sql, args, "entries", req)

	rows, err := h.DB().QueryContext(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: resolve candidates: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	found := make(map[string]int64, len(missing))
	for rows.Next() {
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &createdAt); err != nil {
			return fmt.Errorf("%w: resolve candidates: %v", storage.ErrStorage, err)
		}
		found[id] = createdAt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: resolve candidates: %v", storage.ErrStorage, err)
	}

	for _, id := range missing {
		if createdAt, ok := found[id]; ok {
			candidates[id].createdAt = createdAt
		} else {
			delete(candidates, id)
		}
	}
	return nil
}

// appendEntryFilters adds the request's scoping filters against the
// entries table aliased as prefix.
func appendEntryFilters(sql string, args []any, prefix string, req Request) (string, []any) {
	if len(req.Kinds) > 0 {
		sql += " AND " + prefix + ".kind IN (" +
			strings.TrimSuffix(strings.Repeat("?,", len(req.Kinds)), ",") + ")"
		for _, k := range req.Kinds {
			args = append(args, k)
		}
	}
	if req.Category != "" {
		sql += " AND " + prefix + ".category = ?"
		args = append(args, req.Category)
	}
	if req.TeamScope != "" {
		sql += " AND " + prefix + ".team_scope = ?"
		args = append(args, req.TeamScope)
	}
	if !req.CreatedAfter.IsZero() {
		sql += " AND " + prefix + ".created_at > ?"
		args = append(args, req.CreatedAfter.UnixMilli())
	}
	if !req.CreatedBefore.IsZero() {
		sql += " AND " + prefix + ".created_at < ?"
		args = append(args, req.CreatedBefore.UnixMilli())
	}
	return sql, args
}

// sanitizeFTSQuery turns free text into a safe FTS5 MATCH expression:
// every whitespace-separated token becomes a quoted phrase term, so user
// input cannot inject FTS operators or column filters.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		if strings.Trim(f, `"`) == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
