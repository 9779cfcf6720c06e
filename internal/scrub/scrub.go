// Package scrub redacts secrets from text headed for the shadow indexes.
//
// Entry bodies may contain pasted tokens and keys. The authoritative row is
// encrypted, but FTS and vector index material is derived plaintext, so it
// passes through here first: detected secrets are replaced with markers
// that preserve semantic context without making the secret searchable.
package scrub

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/vaultd/internal/config"
)

// Scrubber detects and redacts secrets using the gitleaks default ruleset.
// Construct once; detector setup parses several hundred rules.
type Scrubber struct {
	detector *detect.Detector
	enabled  bool
}

// New builds a scrubber from configuration. Allowlist regexes exclude
// known-benign matches (test fixtures, documented examples).
func New(cfg config.ScrubConfig) (*Scrubber, error) {
	if !cfg.Enabled {
		return &Scrubber{enabled: false}, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}

	if len(cfg.AllowlistRegexes) > 0 {
		allowlist := &gitleaksconfig.Allowlist{
			Description: "vaultd configured allowlist",
		}
		for _, pattern := range cfg.AllowlistRegexes {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist pattern %q: %w", pattern, err)
			}
			allowlist.Regexes = append(allowlist.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, allowlist)
	}

	return &Scrubber{detector: detector, enabled: true}, nil
}

// finding is one detected secret with its position.
type finding struct {
	ruleID   string
	line     int
	startCol int
	endCol   int
	match    string
}

// Redact returns text with every detected secret replaced by a
// [REDACTED:rule-id] marker, plus the number of redactions made.
func (s *Scrubber) Redact(text string) (string, int) {
	if !s.enabled || text == "" {
		return text, 0
	}

	raw := s.detector.DetectString(text)
	if len(raw) == 0 {
		return text, 0
	}

	findings := make([]finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, finding{
			ruleID:   f.RuleID,
			line:     f.StartLine,
			startCol: f.StartColumn,
			endCol:   f.EndColumn,
			match:    f.Secret,
		})
	}

	return replaceFindings(text, findings), len(findings)
}

// replaceFindings works backwards through the findings so earlier
// replacements don't shift the indices of later ones.
func replaceFindings(text string, findings []finding) string {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].line != findings[j].line {
			return findings[i].line > findings[j].line
		}
		return findings[i].startCol > findings[j].startCol
	})

	lines := strings.Split(text, "\n")
	for _, f := range findings {
		if f.line < 1 || f.line > len(lines) {
			continue
		}
		line := lines[f.line-1]
		marker := fmt.Sprintf("[REDACTED:%s]", f.ruleID)

		if f.startCol >= 0 && f.endCol <= len(line) && f.startCol < f.endCol {
			lines[f.line-1] = line[:f.startCol] + marker + line[f.endCol:]
		} else if f.match != "" {
			// Column bookkeeping disagreed with the line; fall back to a
			// direct replacement of the matched secret.
			lines[f.line-1] = strings.ReplaceAll(line, f.match, marker)
		}
	}
	return strings.Join(lines, "\n")
}
