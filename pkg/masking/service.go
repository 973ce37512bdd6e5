// Package masking redacts secrets from log output and API-visible text.
//
// Two layers of defense: an exact-value denylist built from the process
// environment at startup (VCS tokens forwarded into containers), and
// compiled regex patterns for well-known credential shapes that may
// appear in command output regardless of how they got there.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// maskedValue replaces every redacted secret.
const maskedValue = "***MASKED***"

// builtinPatterns match well-known credential shapes in free text.
// Compiled eagerly at service creation; invalid patterns are a bug.
var builtinPatterns = map[string]string{
	"github_token":  `ghp_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`,
	"gitlab_token":  `glpat-[A-Za-z0-9\-_]{20,}`,
	"bearer_header": `(?i)authorization:\s*bearer\s+\S+`,
	"basic_auth":    `://[^/\s:]+:[^@\s]+@`,
}

// Service applies secret redaction. Created once at startup (singleton).
// Thread-safe and stateless aside from compiled patterns.
type Service struct {
	denylist []string
	patterns map[string]*regexp.Regexp
}

// NewService creates a masking service from a denylist of literal secret
// values (typically config.GitTokenValues()). Empty values are ignored.
func NewService(denylist []string) *Service {
	s := &Service{
		patterns: make(map[string]*regexp.Regexp, len(builtinPatterns)),
	}
	for _, v := range denylist {
		if v != "" {
			s.denylist = append(s.denylist, v)
		}
	}
	for name, expr := range builtinPatterns {
		s.patterns[name] = regexp.MustCompile(expr)
	}

	slog.Info("Masking service initialized",
		"denylist_entries", len(s.denylist),
		"builtin_patterns", len(s.patterns))
	return s
}

// Redact returns text with all known secrets replaced.
func (s *Service) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, secret := range s.denylist {
		text = strings.ReplaceAll(text, secret, maskedValue)
	}
	for _, re := range s.patterns {
		text = re.ReplaceAllString(text, maskedValue)
	}
	return text
}

// RedactSlice redacts every element of a string slice, returning a copy.
func (s *Service) RedactSlice(items []string) []string {
	if len(items) == 0 {
		return items
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = s.Redact(item)
	}
	return out
}
