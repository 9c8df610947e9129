// Package redact scrubs sensitive substrings from episode content
// before it reaches storage.
//
// Scrubbing is structure-preserving: keys, ordering, and sequence
// lengths are never changed, only string content. Rules are applied
// independently, so overlapping matches from different rules can both
// fire; the match count may over-count overlapping spans, which is
// accepted — redaction favors over-counting over under-redaction.
package redact

import (
	"log/slog"
	"regexp"
)

// Marker replaces content matched by custom rules and by the
// conservative fallback at the encode call site.
const Marker = "[REDACTED]"

// Rule pairs a matcher with its replacement text.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// builtinRules target generic long opaque tokens, key=value credential
// assignments, Bearer headers, and PEM private-key blocks.
var builtinRules = []Rule{
	{regexp.MustCompile(`\b[A-Za-z0-9_-]{20,}\b`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)api[_-]?key['"\s:=]+[\w-]+`), "api_key=[REDACTED]"},
	{regexp.MustCompile(`(?i)access[_-]?token['"\s:=]+[\w-]+`), "access_token=[REDACTED]"},
	{regexp.MustCompile(`(?i)secret[_-]?key['"\s:=]+[\w-]+`), "secret_key=[REDACTED]"},
	{regexp.MustCompile(`(?i)auth[_-]?token['"\s:=]+[\w-]+`), "auth_token=[REDACTED]"},
	{regexp.MustCompile(`(?i)password['"\s:=]+[^\s'",}]+`), "password=[REDACTED]"},
	{regexp.MustCompile(`(?i)passwd['"\s:=]+[^\s'",}]+`), "passwd=[REDACTED]"},
	{regexp.MustCompile(`(?i)credentials?['"\s:=]+[^\s'",}]+`), "credentials=[REDACTED]"},
	{regexp.MustCompile(`(?i)Bearer\s+[\w-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----.*?-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----`), "[REDACTED_PRIVATE_KEY]"},
}

// Engine applies an ordered rule set to strings and generic JSON trees.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine from the builtin rule set plus any custom
// pattern strings. Custom patterns are compiled case-insensitively and
// replace matches with Marker; a pattern that fails to compile is
// dropped with a warning rather than aborting the whole set.
func NewEngine(customPatterns []string) *Engine {
	rules := make([]Rule, len(builtinRules), len(builtinRules)+len(customPatterns))
	copy(rules, builtinRules)
	for _, p := range customPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Warn("redact: dropping invalid custom pattern", "pattern", p, "err", err)
			continue
		}
		rules = append(rules, Rule{Pattern: re, Replacement: Marker})
	}
	return &Engine{rules: rules}
}

// Rules returns the engine's active rule set.
func (e *Engine) Rules() []Rule { return e.rules }

// ScrubString applies every rule in order and returns the redacted
// string with the number of matches replaced.
func (e *Engine) ScrubString(s string) (string, int) {
	count := 0
	for _, r := range e.rules {
		m := r.Pattern.FindAllStringIndex(s, -1)
		if len(m) == 0 {
			continue
		}
		count += len(m)
		s = r.Pattern.ReplaceAllString(s, r.Replacement)
	}
	return s, count
}

// Scrub recursively redacts a generic JSON value. Strings are scrubbed,
// maps recurse into every value with all keys preserved, sequences
// recurse in order with length unchanged, and other primitives pass
// through untouched.
func (e *Engine) Scrub(v any) (any, int) {
	switch val := v.(type) {
	case string:
		return e.ScrubString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		total := 0
		for k, child := range val {
			scrubbed, n := e.Scrub(child)
			out[k] = scrubbed
			total += n
		}
		return out, total
	case []any:
		out := make([]any, len(val))
		total := 0
		for i, child := range val {
			scrubbed, n := e.Scrub(child)
			out[i] = scrubbed
			total += n
		}
		return out, total
	case []string:
		out := make([]string, len(val))
		total := 0
		for i, child := range val {
			scrubbed, n := e.ScrubString(child)
			out[i] = scrubbed
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}
