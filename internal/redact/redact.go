// Package redact masks secrets in text before it is embedded, using the
// gitleaks rule set.
package redact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string
	Description string
	Secret      string
}

// Options configures a SecretRedactor.
type Options struct {
	// Allow lists regular expressions for values that are never redacted.
	Allow  []string
	Logger *logging.Logger
}

// SecretRedactor replaces detected secrets with [REDACTED:rule-id:preview]
// markers, keeping enough context for the surrounding text to embed well.
type SecretRedactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	allow    []*regexp.Regexp
	logger   *logging.Logger
}

// New loads the default gitleaks configuration.
func New(opts Options) (*SecretRedactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	allow := make([]*regexp.Regexp, 0, len(opts.Allow))
	for _, p := range opts.Allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		allow = append(allow, re)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SecretRedactor{detector: detector, allow: allow, logger: logger.Named("redact")}, nil
}

// Find reports the secrets in text.
func (r *SecretRedactor) Find(text string) []Finding {
	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || r.allowed(secret) {
			continue
		}
		if _, dup := seen[secret]; dup {
			continue
		}
		seen[secret] = struct{}{}
		out = append(out, Finding{RuleID: f.RuleID, Description: f.Description, Secret: secret})
	}
	return out
}

// Redact returns text with every finding replaced by a marker.
func (r *SecretRedactor) Redact(text string) (string, []Finding) {
	findings := r.Find(text)
	if len(findings) == 0 {
		return text, nil
	}
	// longest first so a secret containing another is replaced whole
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Secret) > len(sorted[j].Secret) })

	for _, f := range sorted {
		text = strings.ReplaceAll(text, f.Secret, marker(f))
	}
	return text, findings
}

// Preprocess implements vectorstore.Preprocessor.
func (r *SecretRedactor) Preprocess(text string) string {
	out, findings := r.Redact(text)
	if len(findings) > 0 {
		rules := make([]string, len(findings))
		for i, f := range findings {
			rules[i] = f.RuleID
		}
		r.logger.Info(context.Background(), "secrets redacted before embedding",
			zap.Int("count", len(findings)),
			zap.Strings("rules", rules),
		)
	}
	return out
}

func (r *SecretRedactor) allowed(secret string) bool {
	for _, re := range r.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}

func marker(f Finding) string {
	preview := f.Secret
	if len(preview) > 4 {
		preview = preview[:4]
	}
	return "[REDACTED:" + f.RuleID + ":" + preview + "]"
}
