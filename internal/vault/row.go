package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
)

const selectEntry = `
	SELECT id, kind, category,
		title, title_ct, title_nonce,
		body, body_ct, body_nonce,
		meta, meta_ct, meta_nonce,
		enc_version, tags, identity_key, team_scope,
		expires_at, created_at, updated_at
	FROM entries`

// entryRow mirrors the entries table. Content fields carry either the
// plaintext column or the ciphertext+nonce pair, never both.
type entryRow struct {
	id         string
	kind       string
	category   sql.NullString
	title      sql.NullString
	titleCT    []byte
	titleNonce []byte
	body       sql.NullString
	bodyCT     []byte
	bodyNonce  []byte
	meta       sql.NullString
	metaCT     []byte
	metaNonce  []byte
	encVersion sql.NullInt64
	tags       sql.NullString
	identity   sql.NullString
	teamScope  sql.NullString
	expiresAt  sql.NullInt64
	createdAt  int64
	updatedAt  int64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (*entryRow, error) {
	var row entryRow
	err := s.Scan(&row.id, &row.kind, &row.category,
		&row.title, &row.titleCT, &row.titleNonce,
		&row.body, &row.bodyCT, &row.bodyNonce,
		&row.meta, &row.metaCT, &row.metaNonce,
		&row.encVersion, &row.tags, &row.identity, &row.teamScope,
		&row.expiresAt, &row.createdAt, &row.updatedAt)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// fieldCols is the column triple for one content field.
type fieldCols struct {
	plain sql.NullString
	ct    []byte
	nonce []byte
}

// encodeField prepares one content field for storage. Empty values store
// NULL across all three columns regardless of mode.
func (r *Repository) encodeField(encrypts bool, dek []byte, value string) (fieldCols, error) {
	if value == "" {
		return fieldCols{}, nil
	}
	if !encrypts {
		return fieldCols{plain: sql.NullString{String: value, Valid: true}}, nil
	}
	ct, nonce, err := r.vault.Encrypt([]byte(value), dek)
	if err != nil {
		return fieldCols{}, fmt.Errorf("encrypt field: %w", err)
	}
	return fieldCols{ct: ct, nonce: nonce}, nil
}

// reencodeField keeps the stored ciphertext when the field value did not
// change on an already-encrypted row, and encrypts fresh otherwise.
func (r *Repository) reencodeField(encrypts, wasEncrypted bool, dek []byte, oldValue, newValue string, oldCT, oldNonce []byte) (fieldCols, error) {
	if encrypts && wasEncrypted && oldValue == newValue && len(oldCT) > 0 {
		return fieldCols{ct: oldCT, nonce: oldNonce}, nil
	}
	return r.encodeField(encrypts, dek, newValue)
}

// decodeRow turns a scanned row back into a decrypted Entry.
func (r *Repository) decodeRow(tenantID string, dek []byte, row *entryRow) (*Entry, error) {
	title, err := r.decodeField(dek, row.title, row.titleCT, row.titleNonce)
	if err != nil {
		return nil, err
	}
	body, err := r.decodeField(dek, row.body, row.bodyCT, row.bodyNonce)
	if err != nil {
		return nil, err
	}
	metaJSON, err := r.decodeField(dek, row.meta, row.metaCT, row.metaNonce)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	e := &Entry{
		ID:          row.id,
		TenantID:    tenantID,
		Kind:        row.kind,
		Category:    row.category.String,
		Title:       title,
		Body:        body,
		Meta:        meta,
		Tags:        unmarshalTags(row.tags),
		IdentityKey: row.identity.String,
		TeamScope:   row.teamScope.String,
		CreatedAt:   time.UnixMilli(row.createdAt),
		UpdatedAt:   time.UnixMilli(row.updatedAt),
	}
	if row.expiresAt.Valid {
		e.ExpiresAt = time.UnixMilli(row.expiresAt.Int64)
	}
	return e, nil
}

func (r *Repository) decodeField(dek []byte, plain sql.NullString, ct, nonce []byte) (string, error) {
	if len(ct) == 0 {
		return plain.String, nil
	}
	if len(dek) != crypto.KeySize {
		return "", crypto.ErrAuthentication
	}
	pt, err := r.vault.Decrypt(ct, nonce, dek)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func encVersionValue(encrypts bool) any {
	if encrypts {
		return encVersion
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func expiryMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func expiryMilliValue(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalTags(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.String), &tags); err != nil {
		return nil
	}
	return tags
}
