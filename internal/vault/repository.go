// Package vault implements the authoritative entry store: validated,
// per-field encrypted rows in the tenant database, a synchronous lexical
// shadow in FTS5, and a best-effort vector shadow in the index.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/scrub"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
	"github.com/fyrsmithlabs/vaultd/internal/tenant"
)

// encVersion marks the row-level encryption format. Bump only with a
// migration that can read both formats.
const encVersion = 1

// Repository owns all reads and writes of entries. It never holds a
// storage connection across calls; every operation acquires and releases
// a pool handle.
type Repository struct {
	pool     *storage.Pool
	vault    *crypto.Vault
	index    index.Index
	embedder embeddings.Provider
	scrubber *scrub.Scrubber
	cfg      config.VaultConfig
	logger   *logging.Logger
}

// NewRepository wires the repository. All dependencies are required.
func NewRepository(pool *storage.Pool, vault *crypto.Vault, idx index.Index, embedder embeddings.Provider, scrubber *scrub.Scrubber, cfg config.VaultConfig, logger *logging.Logger) *Repository {
	return &Repository{
		pool:     pool,
		vault:    vault,
		index:    idx,
		embedder: embedder,
		scrubber: scrubber,
		cfg:      cfg,
		logger:   logger.Named("vault"),
	}
}

// Create validates the draft, writes the primary row and the lexical
// shadow in one transaction, then upserts the vector shadow best-effort.
// For encrypting tenants dek must be the unwrapped session DEK.
func (r *Repository) Create(ctx context.Context, ten *tenant.Tenant, dek []byte, draft Draft) (*Entry, error) {
	if err := validateDraft(r.cfg, draft); err != nil {
		return nil, err
	}
	metaJSON, err := marshalMeta(draft.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: meta is not serializable", ErrValidation)
	}
	if err := validateMeta(r.cfg, metaJSON); err != nil {
		return nil, err
	}

	now := time.Now()
	e := &Entry{
		ID:          uuid.NewString(),
		TenantID:    ten.ID,
		Kind:        draft.Kind,
		Category:    draft.Category,
		Title:       draft.Title,
		Body:        draft.Body,
		Meta:        draft.Meta,
		Tags:        draft.Tags,
		IdentityKey: draft.IdentityKey,
		TeamScope:   draft.TeamScope,
		ExpiresAt:   draft.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	h, err := r.pool.Acquire(ctx, ten.ID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	title, err := r.encodeField(ten.Encrypts(), dek, e.Title)
	if err != nil {
		return nil, err
	}
	body, err := r.encodeField(ten.Encrypts(), dek, e.Body)
	if err != nil {
		return nil, err
	}
	meta, err := r.encodeField(ten.Encrypts(), dek, string(metaJSON))
	if err != nil {
		return nil, err
	}

	shadowTitle, shadowBody := r.shadowText(e)

	tx, err := h.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, kind, category,
			title, title_ct, title_nonce,
			body, body_ct, body_nonce,
			meta, meta_ct, meta_nonce,
			enc_version, tags, identity_key, team_scope,
			expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, nullString(e.Category),
		title.plain, title.ct, title.nonce,
		body.plain, body.ct, body.nonce,
		meta.plain, meta.ct, meta.nonce,
		encVersionValue(ten.Encrypts()), marshalTags(e.Tags),
		nullString(e.IdentityKey), nullString(e.TeamScope),
		expiryMilli(e.ExpiresAt), e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: an entry of kind %q already holds this identity key", ErrConflict, e.Kind)
		}
		return nil, fmt.Errorf("%w: insert entry: %v", storage.ErrStorage, err)
	}
	if err := insertLexical(ctx, tx, e.ID, shadowTitle, shadowBody, e.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}

	r.upsertVector(ctx, h, e, shadowTitle, shadowBody)
	return e, nil
}

// Get loads and decrypts one entry. Absent and expired rows are both
// ErrNotFound.
func (r *Repository) Get(ctx context.Context, ten *tenant.Tenant, dek []byte, id string) (*Entry, error) {
	h, err := r.pool.Acquire(ctx, ten.ID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	row, err := scanEntry(h.DB().QueryRowContext(ctx, selectEntry+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load entry: %v", storage.ErrStorage, err)
	}
	e, err := r.decodeRow(ten.ID, dek, row)
	if err != nil {
		return nil, err
	}
	if e.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return e, nil
}

// Update merges the patch onto the stored entry and rewrites it. Fields
// the patch leaves nil keep their value; on an encrypting tenant a row
// that predates encryption is fully encrypted here. The lexical shadow is
// deleted and reinserted, never patched.
func (r *Repository) Update(ctx context.Context, ten *tenant.Tenant, dek []byte, id string, patch Patch) (*Entry, error) {
	h, err := r.pool.Acquire(ctx, ten.ID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	tx, err := h.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	row, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load entry: %v", storage.ErrStorage, err)
	}
	old, err := r.decodeRow(ten.ID, dek, row)
	if err != nil {
		return nil, err
	}
	if old.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	if patch.Kind != nil && *patch.Kind != old.Kind {
		return nil, fmt.Errorf("%w: kind is immutable", ErrInvalidUpdate)
	}
	if patch.IdentityKey != nil && *patch.IdentityKey != old.IdentityKey {
		return nil, fmt.Errorf("%w: identity_key is immutable", ErrInvalidUpdate)
	}

	e := merge(old, patch)
	e.UpdatedAt = time.Now()
	if err := validateDraft(r.cfg, asDraft(e)); err != nil {
		return nil, err
	}
	metaJSON, err := marshalMeta(e.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: meta is not serializable", ErrValidation)
	}
	if err := validateMeta(r.cfg, metaJSON); err != nil {
		return nil, err
	}

	wasEncrypted := row.encVersion.Valid
	title, err := r.reencodeField(ten.Encrypts(), wasEncrypted, dek, old.Title, e.Title, row.titleCT, row.titleNonce)
	if err != nil {
		return nil, err
	}
	body, err := r.reencodeField(ten.Encrypts(), wasEncrypted, dek, old.Body, e.Body, row.bodyCT, row.bodyNonce)
	if err != nil {
		return nil, err
	}
	oldMetaJSON, err := marshalMeta(old.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: meta is not serializable", ErrValidation)
	}
	meta, err := r.reencodeField(ten.Encrypts(), wasEncrypted, dek, string(oldMetaJSON), string(metaJSON), row.metaCT, row.metaNonce)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE entries SET category = ?,
			title = ?, title_ct = ?, title_nonce = ?,
			body = ?, body_ct = ?, body_nonce = ?,
			meta = ?, meta_ct = ?, meta_nonce = ?,
			enc_version = ?, tags = ?, team_scope = ?,
			expires_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(e.Category),
		title.plain, title.ct, title.nonce,
		body.plain, body.ct, body.nonce,
		meta.plain, meta.ct, meta.nonce,
		encVersionValue(ten.Encrypts()), marshalTags(e.Tags), nullString(e.TeamScope),
		expiryMilli(e.ExpiresAt), e.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("%w: update entry: %v", storage.ErrStorage, err)
	}

	shadowTitle, shadowBody := r.shadowText(e)
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
		return nil, fmt.Errorf("%w: clear lexical shadow: %v", storage.ErrStorage, err)
	}
	if err := insertLexical(ctx, tx, id, shadowTitle, shadowBody, e.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}

	r.upsertVector(ctx, h, e, shadowTitle, shadowBody)
	return e, nil
}

// Delete removes the primary row and the lexical shadow in one
// transaction, then removes the vector shadow best-effort.
func (r *Repository) Delete(ctx context.Context, ten *tenant.Tenant, id string) error {
	h, err := r.pool.Acquire(ctx, ten.ID)
	if err != nil {
		return err
	}
	defer r.pool.Release(h)

	tx, err := h.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: delete entry: %v", storage.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete entry: %v", storage.ErrStorage, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("%w: clear lexical shadow: %v", storage.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}

	if err := r.index.Delete(ctx, ten.ID, []string{id}); err != nil {
		r.queueRepair(ctx, h, id, "delete", err)
	}
	return nil
}

// LoadPage loads and decrypts entries by id, preserving the given order.
// Missing and expired ids are silently skipped; the search layer calls
// this for the final page only.
func (r *Repository) LoadPage(ctx context.Context, ten *tenant.Tenant, dek []byte, ids []string) ([]*Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	h, err := r.pool.Acquire(ctx, ten.ID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(h)

	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := h.DB().QueryContext(ctx,
		selectEntry+" WHERE id IN ("+placeholders[:len(placeholders)-1]+")", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: load page: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	now := time.Now()
	byID := make(map[string]*Entry, len(ids))
	for rows.Next() {
		row, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: load page: %v", storage.ErrStorage, err)
		}
		e, err := r.decodeRow(ten.ID, dek, row)
		if err != nil {
			return nil, err
		}
		if e.Expired(now) {
			continue
		}
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load page: %v", storage.ErrStorage, err)
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the number of live (non-expired) entries for the tenant.
func (r *Repository) Count(ctx context.Context, tenantID string) (int64, error) {
	h, err := r.pool.Acquire(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer r.pool.Release(h)

	var n int64
	err = h.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE expires_at IS NULL OR expires_at > ?`,
		time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count entries: %v", storage.ErrStorage, err)
	}
	return n, nil
}

// shadowText derives the index material for an entry, with secrets
// redacted. The authoritative row is never scrubbed.
func (r *Repository) shadowText(e *Entry) (title, body string) {
	title, _ = r.scrubber.Redact(e.Title)
	body, _ = r.scrubber.Redact(e.Body)
	return title, body
}

// upsertVector writes the vector shadow. Failures are swallowed: counted,
// logged, and queued for the reconciler.
func (r *Repository) upsertVector(ctx context.Context, h *storage.Handle, e *Entry, shadowTitle, shadowBody string) {
	text := strings.TrimSpace(shadowTitle + "\n\n" + shadowBody)
	vecs, err := r.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		if err == nil {
			err = embeddings.ErrEmbeddingFailed
		}
		r.queueRepair(ctx, h, e.ID, "upsert", err)
		return
	}
	point := index.Point{
		ID:     e.ID,
		Vector: vecs[0],
		Payload: index.Payload{
			Kind:      e.Kind,
			Category:  e.Category,
			TeamScope: e.TeamScope,
			CreatedAt: e.CreatedAt.UnixMilli(),
			ExpiresAt: expiryMilliValue(e.ExpiresAt),
		},
	}
	if err := r.index.Upsert(ctx, e.TenantID, []index.Point{point}); err != nil {
		r.queueRepair(ctx, h, e.ID, "upsert", err)
	}
}

// queueRepair records a failed vector-shadow write for later retry.
func (r *Repository) queueRepair(ctx context.Context, h *storage.Handle, entryID, op string, cause error) {
	index.Degradations.WithLabelValues(op).Inc()
	r.logger.Warn(ctx, "vector shadow degraded",
		zap.String("tenant_id", h.TenantID()),
		zap.String("entry_id", entryID),
		zap.String("op", op),
		zap.Error(cause))
	_, err := h.DB().ExecContext(ctx, `
		INSERT INTO index_repairs (entry_id, op, attempts, last_error, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(entry_id, op) DO UPDATE SET
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		entryID, op, cause.Error(), time.Now().UnixMilli())
	if err != nil {
		r.logger.Error(ctx, "index repair enqueue failed",
			zap.String("entry_id", entryID), zap.Error(err))
	}
}

func insertLexical(ctx context.Context, tx *sql.Tx, id, title, body string, tags []string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries_fts (entry_id, title, body, tags) VALUES (?, ?, ?, ?)`,
		id, title, body, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("%w: insert lexical shadow: %v", storage.ErrStorage, err)
	}
	return nil
}

func merge(old *Entry, p Patch) *Entry {
	e := *old
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Body != nil {
		e.Body = *p.Body
	}
	if p.Meta != nil {
		e.Meta = p.Meta
	}
	if p.Tags != nil {
		e.Tags = p.Tags
	}
	if p.TeamScope != nil {
		e.TeamScope = *p.TeamScope
	}
	if p.ExpiresAt != nil {
		e.ExpiresAt = *p.ExpiresAt
	}
	return &e
}

func asDraft(e *Entry) Draft {
	return Draft{
		Kind:        e.Kind,
		Category:    e.Category,
		Title:       e.Title,
		Body:        e.Body,
		Meta:        e.Meta,
		Tags:        e.Tags,
		IdentityKey: e.IdentityKey,
		TeamScope:   e.TeamScope,
		ExpiresAt:   e.ExpiresAt,
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
