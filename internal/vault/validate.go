package vault

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/vaultd/internal/config"
)

// validateDraft checks a fully merged draft against the configured field
// bounds. Limits of zero or below are treated as unbounded.
func validateDraft(cfg config.VaultConfig, d Draft) error {
	if strings.TrimSpace(d.Kind) == "" {
		return fmt.Errorf("%w: kind is required", ErrValidation)
	}
	if err := checkField(cfg.MaxKindLen, "kind", d.Kind); err != nil {
		return err
	}
	if strings.TrimSpace(d.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if err := checkField(cfg.MaxBodyLen, "body", d.Body); err != nil {
		return err
	}
	if err := checkField(cfg.MaxTitleLen, "title", d.Title); err != nil {
		return err
	}
	if err := checkField(cfg.MaxCategoryLen, "category", d.Category); err != nil {
		return err
	}
	if err := checkField(cfg.MaxIdentityKeyLen, "identity_key", d.IdentityKey); err != nil {
		return err
	}
	if err := checkField(cfg.MaxTeamScopeLen, "team_scope", d.TeamScope); err != nil {
		return err
	}
	if cfg.MaxTagCount > 0 && len(d.Tags) > cfg.MaxTagCount {
		return fmt.Errorf("%w: too many tags (%d > %d)", ErrValidation, len(d.Tags), cfg.MaxTagCount)
	}
	for _, tag := range d.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrValidation)
		}
		if err := checkField(cfg.MaxTagLen, "tag", tag); err != nil {
			return err
		}
	}
	return nil
}

func checkField(limit int, name, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, name)
	}
	if limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, name, limit)
	}
	return nil
}

// validateMeta bounds the serialized metadata size.
func validateMeta(cfg config.VaultConfig, serialized []byte) error {
	if cfg.MaxMetaLen > 0 && len(serialized) > cfg.MaxMetaLen {
		return fmt.Errorf("%w: meta exceeds %d bytes", ErrValidation, cfg.MaxMetaLen)
	}
	return nil
}
