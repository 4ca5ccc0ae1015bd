// Package redact removes secrets from chunk text before it is embedded and
// stored, using the gitleaks rule set.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Placeholder replaces every detected secret.
const Placeholder = "[REDACTED]"

// Redactor rewrites texts with secrets replaced. It returns the rewritten
// texts, in order, and the number of secrets replaced.
type Redactor interface {
	RedactAll(texts []string) ([]string, int, error)
}

// Nop leaves texts untouched.
type Nop struct{}

func (Nop) RedactAll(texts []string) ([]string, int, error) { return texts, 0, nil }

// Gitleaks detects secrets with the default gitleaks configuration plus an
// optional allowlist.
//
// A detector accumulates findings, so RedactAll builds a fresh one per call
// and shares it across the batch.
type Gitleaks struct {
	allowlist *Allowlist
}

// NewGitleaks returns a gitleaks-backed redactor. allowlist may be nil.
func NewGitleaks(allowlist *Allowlist) *Gitleaks {
	return &Gitleaks{allowlist: allowlist}
}

func (g *Gitleaks) RedactAll(texts []string) ([]string, int, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, 0, fmt.Errorf("creating secret detector: %w", err)
	}
	if g.allowlist != nil {
		applyAllowlist(&detector.Config, g.allowlist)
	}

	out := make([]string, len(texts))
	total := 0
	for i, text := range texts {
		var secrets []string
		for _, f := range detector.DetectString(text) {
			if f.Secret != "" {
				secrets = append(secrets, f.Secret)
			}
		}
		out[i] = replaceSecrets(text, secrets)
		total += len(secrets)
	}
	return out, total, nil
}

// replaceSecrets replaces longer secrets first so that a secret containing
// another is not left half-redacted.
func replaceSecrets(text string, secrets []string) string {
	if len(secrets) == 0 {
		return text
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, s := range secrets {
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	return text
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "pdfrag allowlist",
	}
	for _, pattern := range allowlist.Regexes {
		// Patterns are validated when the allowlist is loaded.
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
