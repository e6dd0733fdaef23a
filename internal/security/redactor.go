package security

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// RedactPlaceholder is the replacement string for redacted secrets.
const RedactPlaceholder = "***REDACTED***"

// secretKeyPattern matches config and metadata keys whose values are
// secret or personal: tokens, hashes, passwords, keys and phone numbers.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|passw|pass$|hash|key|credential|phone)`)

// Redactor replaces secrets in log lines, audit details and config dumps.
// Known token formats are matched by pattern; runtime credentials are
// matched literally, longest first so one secret containing another is
// fully hidden. The zero value redacts nothing and is ready to use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
	replacer *strings.Replacer
}

// NewRedactor creates a Redactor loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern adds a compiled regex pattern.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral adds a secret value to redact on sight. Empty strings are
// ignored.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLiteralsLocked(append(slices.Clone(r.literals), secret))
}

// Track keeps the literal set equal to the values of store, now and after
// every change to it. Literals added with AddLiteral before Track are
// replaced.
func (r *Redactor) Track(store *CredentialStore) {
	store.Watch(func(values []string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.setLiteralsLocked(values)
	})
}

func (r *Redactor) setLiteralsLocked(values []string) {
	lits := slices.DeleteFunc(slices.Clone(values), func(v string) bool { return v == "" })
	slices.SortFunc(lits, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	lits = slices.Compact(lits)

	r.literals = lits
	r.replacer = nil
	if len(lits) == 0 {
		return
	}
	pairs := make([]string, 0, 2*len(lits))
	for _, lit := range lits {
		pairs = append(pairs, lit, RedactPlaceholder)
	}
	r.replacer = strings.NewReplacer(pairs...)
}

// Redact replaces every literal occurrence and pattern match in s.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	patterns, replacer := r.patterns, r.replacer
	r.mu.RUnlock()

	if replacer != nil {
		s = replacer.Replace(s)
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}

// RedactMap redacts m in place: string values under secret-looking keys are
// replaced whole, other strings are passed through Redact, and nested maps
// and lists are walked.
func (r *Redactor) RedactMap(m map[string]any) {
	for k, v := range m {
		if s, ok := v.(string); ok && s != "" && secretKeyPattern.MatchString(k) {
			m[k] = RedactPlaceholder
			continue
		}
		m[k] = r.redactValue(v)
	}
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		r.RedactMap(val)
	case []any:
		for i, item := range val {
			val[i] = r.redactValue(item)
		}
	case string:
		return r.Redact(val)
	}
	return v
}

// DefaultPatterns returns patterns for Telegram secrets: bot tokens, API
// hashes, login token URLs and bearer headers.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Bot API token: <bot id>:<35 char secret>
		regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{35}\b`),
		// api_hash from my.telegram.org
		regexp.MustCompile(`\b[0-9a-f]{32}\b`),
		// QR login URL carrying the one-time token
		regexp.MustCompile(`tg://login\?token=[A-Za-z0-9_\-=]+`),
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
	}
}
