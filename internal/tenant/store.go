package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

// Store persists tenants in the shared catalog database.
type Store struct {
	db *sql.DB
}

// NewStore creates a tenant store over the catalog.
func NewStore(catalog *storage.Catalog) *Store {
	return &Store{db: catalog.DB()}
}

// Create inserts a new tenant. ErrExists if the id is taken.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if !ValidMode(t.Mode) {
		return fmt.Errorf("unknown encryption mode %q", t.Mode)
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, tier, enc_mode, wrapped_dek, dek_nonce, dek_salt, share_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Tier, string(t.Mode), t.WrappedDEK, t.DEKNonce, t.DEKSalt, t.ShareHash, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		return fmt.Errorf("%w: creating tenant: %v", storage.ErrStorage, err)
	}

	t.CreatedAt = time.UnixMilli(now)
	t.UpdatedAt = t.CreatedAt
	return nil
}

// Get loads a tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	var t Tenant
	var mode string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tier, enc_mode, wrapped_dek, dek_nonce, dek_salt, share_hash, created_at, updated_at
		FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Tier, &mode, &t.WrappedDEK, &t.DEKNonce, &t.DEKSalt, &t.ShareHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading tenant: %v", storage.ErrStorage, err)
	}

	t.Mode = Mode(mode)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// SetTier updates a tenant's billing tier.
func (s *Store) SetTier(ctx context.Context, id, tier string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET tier = ?, updated_at = ? WHERE id = ?",
		tier, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("%w: updating tier: %v", storage.ErrStorage, err)
	}
	return s.requireRow(res, id)
}

// SetWrapping persists a tenant's encryption mode, DEK wrapping, and share
// hash in one update, so a mode switch is atomic in the catalog. The share
// hash is set for split-authority and cleared for legacy.
func (s *Store) SetWrapping(ctx context.Context, id string, mode Mode, wrappedDEK, dekNonce, dekSalt, shareHash []byte) error {
	if !ValidMode(mode) {
		return fmt.Errorf("unknown encryption mode %q", mode)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET enc_mode = ?, wrapped_dek = ?, dek_nonce = ?, dek_salt = ?, share_hash = ?, updated_at = ?
		WHERE id = ?`,
		string(mode), wrappedDEK, dekNonce, dekSalt, shareHash, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("%w: updating wrapping: %v", storage.ErrStorage, err)
	}
	return s.requireRow(res, id)
}

// Delete removes the tenant's catalog row. The caller cascades file and
// index deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tenants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: deleting tenant: %v", storage.ErrStorage, err)
	}
	return s.requireRow(res, id)
}

// List returns all tenant ids, for sweeps and admin surfaces.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: listing tenants: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning tenant id: %v", storage.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing tenants: %v", storage.ErrStorage, err)
	}
	return ids, nil
}

func (s *Store) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", storage.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY in the message.
	return err != nil && strings.Contains(err.Error(), "constraint")
}
