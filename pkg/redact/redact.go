// Package redact removes credential material from text before it leaves the
// process. Every escalation payload (failed code, error history, task text)
// passes through a Redactor on its way to a parent coordinator, a cloud
// inference API, or the human review queue.
package redact

import (
	"regexp"
)

// builtinPatterns are the compiled-in redaction rules. Order matters: the
// most specific formats run before the generic key=value catchers so a value
// is replaced exactly once.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "aws_access_key",
		pattern:     `\b(AKIA|ASIA)[0-9A-Z]{16}\b`,
		replacement: "[REDACTED_AWS_KEY]",
	},
	{
		name:        "pem_block",
		pattern:     `-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`,
		replacement: "[REDACTED_PRIVATE_KEY]",
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		replacement: "Bearer [REDACTED_TOKEN]",
	},
	{
		name:        "password_assignment",
		pattern:     `(?i)\b(password|passwd|pwd)\s*([=:])\s*["']?[^"'\s,;}]{4,}["']?`,
		replacement: "$1$2[REDACTED_PASSWORD]",
	},
	{
		name:        "api_key_assignment",
		pattern:     `(?i)\b(api[_-]?key|apikey|secret[_-]?key|access[_-]?token)\s*([=:])\s*["']?[^"'\s,;}]{8,}["']?`,
		replacement: "$1$2[REDACTED_KEY]",
	},
}

// compiledPattern is one ready-to-apply rule.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Redactor applies the compiled rule set to strings and string slices.
// Construction compiles everything once; Apply is safe for concurrent use.
type Redactor struct {
	patterns []compiledPattern
}

// New returns a Redactor with the built-in rule set.
func New() *Redactor {
	r := &Redactor{patterns: make([]compiledPattern, 0, len(builtinPatterns))}
	for _, p := range builtinPatterns {
		r.patterns = append(r.patterns, compiledPattern{
			name:        p.name,
			regex:       regexp.MustCompile(p.pattern),
			replacement: p.replacement,
		})
	}
	return r
}

// Apply returns s with every rule applied.
func (r *Redactor) Apply(s string) string {
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// ApplyAll redacts each element of ss, returning a new slice.
func (r *Redactor) ApplyAll(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = r.Apply(s)
	}
	return out
}
