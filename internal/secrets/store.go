// Package secrets holds the secret definitions an agent may type into pages.
//
// A Store has global entries, visible on every URL, and scoped entries keyed
// by a domain pattern. Scoped entries are only applicable on URLs their
// pattern matches. The store is built once at configuration time and is
// read-only afterwards, so it is safe for concurrent use.
package secrets

import (
	"sort"
	"strings"

	"browsernerd/internal/domain"
	"browsernerd/internal/logging"

	"go.uber.org/zap"
)

// Naming conventions that mark a secret as a TOTP seed when no explicit
// flag is given.
var totpMarkers = []string{"totp_code", "bu_2fa_code"}

// HasTOTPMarker reports whether name follows a TOTP naming convention.
func HasTOTPMarker(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range totpMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Entry is a single named secret. Value is never logged.
type Entry struct {
	Name       string
	Value      string
	IsTOTPSeed bool
}

// NewEntry builds an entry whose TOTP flag follows the naming convention.
func NewEntry(name, value string) Entry {
	return Entry{Name: name, Value: value, IsTOTPSeed: HasTOTPMarker(name)}
}

// Scope is a set of entries restricted to URLs matching Pattern.
type Scope struct {
	Pattern string
	Entries []Entry
}

// Store is the immutable secret store.
type Store struct {
	global  map[string]Entry
	scopes  []scopeEntries
	matcher *domain.Matcher
}

type scopeEntries struct {
	pattern string
	entries map[string]Entry
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger *zap.Logger
}

// WithLogger reports rejected scope patterns to logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// New builds a store from global entries and scopes in declaration order.
// Every scope pattern is classified here; unsafe patterns are logged once
// and their entries are never applicable.
func New(global []Entry, scopes []Scope, opts ...Option) *Store {
	o := storeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		global:  make(map[string]Entry, len(global)),
		matcher: domain.NewMatcher(logging.Or(o.logger, logging.CategorySecrets)),
	}
	for _, e := range global {
		s.global[e.Name] = e
	}
	for _, sc := range scopes {
		entries := make(map[string]Entry, len(sc.Entries))
		for _, e := range sc.Entries {
			entries[e.Name] = e
		}
		_, _ = s.matcher.Register(sc.Pattern)
		s.scopes = append(s.scopes, scopeEntries{pattern: sc.Pattern, entries: entries})
	}
	return s
}

// NewGlobal builds a store whose secrets are visible on every URL.
func NewGlobal(values map[string]string, opts ...Option) *Store {
	return New(entriesFromMap(values), nil, opts...)
}

// NewScoped builds a store from pattern -> name -> value. Go maps have no
// order, so scopes are declared in sorted pattern order; use New when
// declaration order matters.
func NewScoped(values map[string]map[string]string, opts ...Option) *Store {
	patterns := make([]string, 0, len(values))
	for p := range values {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	scopes := make([]Scope, 0, len(patterns))
	for _, p := range patterns {
		scopes = append(scopes, Scope{Pattern: p, Entries: entriesFromMap(values[p])})
	}
	return New(nil, scopes, opts...)
}

func entriesFromMap(values map[string]string) []Entry {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Entry, 0, len(names))
	for _, n := range names {
		out = append(out, NewEntry(n, values[n]))
	}
	return out
}

// Empty reports whether the store holds no secrets at all.
func (s *Store) Empty() bool {
	if s == nil {
		return true
	}
	if len(s.global) > 0 {
		return false
	}
	for _, sc := range s.scopes {
		if len(sc.entries) > 0 {
			return false
		}
	}
	return true
}

// ResolveApplicable returns the entries usable on currentURL. Global entries
// are always included. Scoped entries are included only when their pattern
// matches; with an empty currentURL no scoped entry applies. A scoped entry
// shadows a global one of the same name, and among scopes the one declared
// last wins.
func (s *Store) ResolveApplicable(currentURL string) map[string]Entry {
	out := make(map[string]Entry)
	if s == nil {
		return out
	}
	for name, e := range s.global {
		out[name] = e
	}
	if strings.TrimSpace(currentURL) == "" {
		return out
	}
	for _, sc := range s.scopes {
		if !s.matcher.Match(currentURL, sc.pattern) {
			continue
		}
		for name, e := range sc.entries {
			out[name] = e
		}
	}
	return out
}

// All returns every entry in the store regardless of scope, global entries
// first and then scopes in declaration order. The same name may appear more
// than once with different values.
func (s *Store) All() []Entry {
	if s == nil {
		return nil
	}
	out := sortedEntries(s.global)
	for _, sc := range s.scopes {
		out = append(out, sortedEntries(sc.entries)...)
	}
	return out
}

// Patterns returns the scope patterns in declaration order.
func (s *Store) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.scopes))
	for _, sc := range s.scopes {
		out = append(out, sc.pattern)
	}
	return out
}

// Names returns the distinct secret names, sorted. Safe to show to the model.
func (s *Store) Names() []string {
	seen := make(map[string]bool)
	for _, e := range s.All() {
		seen[e.Name] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
