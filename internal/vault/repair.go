package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

// defaultRepairBatch bounds one sweep so a tenant with a long backlog
// cannot monopolize the reconciler tick.
const defaultRepairBatch = 100

// RetryRepairs replays up to batch queued vector-shadow writes for one
// tenant. Successful and permanently-failed rows are removed; the rest get
// their attempt counter bumped. Returns the number of rows resolved.
//
// Upserts are rebuilt from the lexical shadow, which already holds the
// scrubbed index text, so no DEK is needed here.
func (r *Repository) RetryRepairs(ctx context.Context, tenantID string, maxAttempts, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultRepairBatch
	}
	h, err := r.pool.Acquire(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer r.pool.Release(h)

	rows, err := h.DB().QueryContext(ctx, `
		SELECT entry_id, op, attempts FROM index_repairs
		ORDER BY updated_at LIMIT ?`, batch)
	if err != nil {
		return 0, fmt.Errorf("%w: list repairs: %v", storage.ErrStorage, err)
	}
	type repair struct {
		entryID  string
		op       string
		attempts int
	}
	var pending []repair
	for rows.Next() {
		var p repair
		if err := rows.Scan(&p.entryID, &p.op, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: list repairs: %v", storage.ErrStorage, err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: list repairs: %v", storage.ErrStorage, err)
	}

	resolved := 0
	for _, p := range pending {
		var opErr error
		switch p.op {
		case "delete":
			opErr = r.index.Delete(ctx, tenantID, []string{p.entryID})
		case "upsert":
			opErr = r.replayUpsert(ctx, h, tenantID, p.entryID)
		default:
			// Unknown op rows are stale queue garbage.
		}
		switch {
		case opErr == nil:
			if err := r.clearRepair(ctx, h, p.entryID, p.op); err != nil {
				return resolved, err
			}
			resolved++
		case p.attempts+1 >= maxAttempts:
			r.logger.Error(ctx, "index repair abandoned",
				zap.String("tenant_id", tenantID),
				zap.String("entry_id", p.entryID),
				zap.String("op", p.op),
				zap.Int("attempts", p.attempts+1),
				zap.Error(opErr))
			if err := r.clearRepair(ctx, h, p.entryID, p.op); err != nil {
				return resolved, err
			}
		default:
			_, err := h.DB().ExecContext(ctx, `
				UPDATE index_repairs SET attempts = attempts + 1,
					last_error = ?, updated_at = ?
				WHERE entry_id = ? AND op = ?`,
				opErr.Error(), time.Now().UnixMilli(), p.entryID, p.op)
			if err != nil {
				return resolved, fmt.Errorf("%w: bump repair: %v", storage.ErrStorage, err)
			}
		}
	}
	return resolved, nil
}

// replayUpsert rebuilds one entry's vector point from the lexical shadow
// and the primary row's filterable columns.
func (r *Repository) replayUpsert(ctx context.Context, h *storage.Handle, tenantID, entryID string) error {
	var (
		kind      string
		category  sql.NullString
		teamScope sql.NullString
		expiresAt sql.NullInt64
		createdAt int64
	)
	err := h.DB().QueryRowContext(ctx, `
		SELECT kind, category, team_scope, expires_at, created_at
		FROM entries WHERE id = ?`, entryID).
		Scan(&kind, &category, &teamScope, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Entry deleted since the failure; make sure the point is gone.
		return r.index.Delete(ctx, tenantID, []string{entryID})
	}
	if err != nil {
		return fmt.Errorf("%w: load entry: %v", storage.ErrStorage, err)
	}

	var title, body string
	err = h.DB().QueryRowContext(ctx,
		`SELECT title, body FROM entries_fts WHERE entry_id = ?`, entryID).
		Scan(&title, &body)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: load lexical shadow: %v", storage.ErrStorage, err)
	}
	text := strings.TrimSpace(title + "\n\n" + body)
	if text == "" {
		return nil
	}

	vecs, err := r.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return embeddings.ErrEmbeddingFailed
	}
	point := index.Point{
		ID:     entryID,
		Vector: vecs[0],
		Payload: index.Payload{
			Kind:      kind,
			Category:  category.String,
			TeamScope: teamScope.String,
			CreatedAt: createdAt,
			ExpiresAt: expiresAt.Int64,
		},
	}
	return r.index.Upsert(ctx, tenantID, []index.Point{point})
}

// PurgeExpired hard-deletes entries whose expiry has passed, along with
// their lexical shadow rows and queued repairs. Vector points are removed
// best-effort; a failure lands in index_repairs like any other miss.
// Returns the number of rows purged.
func (r *Repository) PurgeExpired(ctx context.Context, tenantID string, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultRepairBatch
	}
	h, err := r.pool.Acquire(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer r.pool.Release(h)

	tx, err := h.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM entries
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		LIMIT ?`, time.Now().UnixMilli(), batch)
	if err != nil {
		return 0, fmt.Errorf("%w: list expired: %v", storage.ErrStorage, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: list expired: %v", storage.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: list expired: %v", storage.ErrStorage, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("%w: purge entry: %v", storage.ErrStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
			return 0, fmt.Errorf("%w: clear lexical shadow: %v", storage.ErrStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_repairs WHERE entry_id = ?`, id); err != nil {
			return 0, fmt.Errorf("%w: clear repairs: %v", storage.ErrStorage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}

	if err := r.index.Delete(ctx, tenantID, ids); err != nil {
		for _, id := range ids {
			r.queueRepair(ctx, h, id, "delete", err)
		}
	}
	return len(ids), nil
}

func (r *Repository) clearRepair(ctx context.Context, h *storage.Handle, entryID, op string) error {
	_, err := h.DB().ExecContext(ctx,
		`DELETE FROM index_repairs WHERE entry_id = ? AND op = ?`, entryID, op)
	if err != nil {
		return fmt.Errorf("%w: clear repair: %v", storage.ErrStorage, err)
	}
	return nil
}
