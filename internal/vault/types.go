package vault

import "time"

// Entry is a stored record after decryption. Content fields are always
// plaintext here; ciphertext never leaves the repository.
type Entry struct {
	ID          string
	TenantID    string
	Kind        string
	Category    string
	Title       string
	Body        string
	Meta        map[string]any
	Tags        []string
	IdentityKey string
	TeamScope   string
	ExpiresAt   time.Time // zero means no expiry
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the entry's expiry has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Draft is the input to Create. Kind and Body are required.
type Draft struct {
	Kind        string
	Category    string
	Title       string
	Body        string
	Meta        map[string]any
	Tags        []string
	IdentityKey string
	TeamScope   string
	ExpiresAt   time.Time
}

// Patch is the input to Update. Nil fields are left unchanged. Kind and
// IdentityKey are present only so a caller that supplies them gets a
// deliberate ErrInvalidUpdate instead of a silent ignore.
type Patch struct {
	Kind        *string
	Category    *string
	Title       *string
	Body        *string
	Meta        map[string]any // non-nil replaces
	Tags        []string       // non-nil replaces
	IdentityKey *string
	TeamScope   *string
	ExpiresAt   *time.Time // non-nil replaces; zero time clears expiry
}
