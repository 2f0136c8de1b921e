// Package scoping keeps real secret values away from the model.
//
// Outbound text is scrubbed: every literal secret value becomes a
// <secret>name</secret> placeholder. Inbound action parameters go the other
// way, but only for secrets applicable to the URL the action is about to run
// against. Placeholders that cannot be resolved stay verbatim so the browser
// never receives a wrong secret.
package scoping

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"browsernerd/internal/logging"
	"browsernerd/internal/secrets"

	"go.uber.org/zap"
)

var placeholderRE = regexp.MustCompile(`<secret>([^<]+)</secret>`)

// Placeholder returns the token that stands in for the named secret.
func Placeholder(name string) string {
	return "<secret>" + name + "</secret>"
}

// Engine filters and resolves secrets against an immutable store. It holds
// no per-call state and is safe for concurrent use.
type Engine struct {
	store    *secrets.Store
	logger   *zap.Logger
	now      func() time.Time
	replacer *strings.Replacer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the clock used for TOTP codes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over store.
func New(store *secrets.Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger, logging.CategoryScoping)
	e.replacer = buildReplacer(store.All())
	return e
}

// buildReplacer orders values longest first. strings.Replacer tries its
// pairs in argument order at each position, so a value that is a prefix of
// another never splits the longer one.
func buildReplacer(entries []secrets.Entry) *strings.Replacer {
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.Value != "" {
			filtered = append(filtered, e)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if len(filtered[i].Value) != len(filtered[j].Value) {
			return len(filtered[i].Value) > len(filtered[j].Value)
		}
		return filtered[i].Value < filtered[j].Value
	})

	pairs := make([]string, 0, 2*len(filtered))
	for _, e := range filtered {
		pairs = append(pairs, e.Value, Placeholder(e.Name))
	}
	if len(pairs) == 0 {
		return nil
	}
	return strings.NewReplacer(pairs...)
}

// FilterOutbound replaces every literal secret value in text with its
// placeholder. All secrets in the store are considered regardless of scope
// or URL. Empty values are skipped.
func (e *Engine) FilterOutbound(text string) string {
	if e.replacer == nil || text == "" {
		return text
	}
	return e.replacer.Replace(text)
}

// ResolveResult is the outcome of resolving placeholders in one string.
type ResolveResult struct {
	Text string
	// Resolved and Unresolved list secret names, never values.
	Resolved   []string
	Unresolved []string
}

// ResolveInbound substitutes placeholders in text with the values applicable
// on currentURL. TOTP seeds are replaced with a code for the current time
// window. Names that are not applicable stay as placeholders.
func (e *Engine) ResolveInbound(text, currentURL string) ResolveResult {
	r := e.resolver(currentURL)
	out := r.resolve(text)
	r.log(currentURL)
	return ResolveResult{Text: out, Resolved: r.sorted(r.resolved), Unresolved: r.sorted(r.unresolved)}
}

// resolver carries the applicable set for a single action so every string
// in that action is resolved against the same URL.
type resolver struct {
	e          *Engine
	applicable map[string]secrets.Entry
	at         time.Time
	resolved   map[string]bool
	unresolved map[string]bool
}

func (e *Engine) resolver(currentURL string) *resolver {
	return &resolver{
		e:          e,
		applicable: e.store.ResolveApplicable(currentURL),
		at:         e.now(),
		resolved:   make(map[string]bool),
		unresolved: make(map[string]bool),
	}
}

func (r *resolver) resolve(text string) string {
	if !strings.Contains(text, "<secret>") {
		return text
	}
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "<secret>"), "</secret>")
		entry, ok := r.applicable[name]
		if !ok {
			r.unresolved[name] = true
			return match
		}
		if !entry.IsTOTPSeed {
			r.resolved[name] = true
			return entry.Value
		}
		code, err := GenerateTOTP(entry.Value, r.at)
		if err != nil {
			r.e.logger.Warn("totp seed could not be used; placeholder left in place",
				zap.String("secret", name), zap.Error(err))
			r.unresolved[name] = true
			return match
		}
		r.resolved[name] = true
		return code
	})
}

func (r *resolver) log(currentURL string) {
	if len(r.unresolved) > 0 {
		r.e.logger.Debug("placeholders left unresolved",
			zap.String("url", currentURL),
			zap.Strings("secrets", r.sorted(r.unresolved)))
	}
	if len(r.resolved) > 0 {
		r.e.logger.Debug("placeholders resolved",
			zap.String("url", currentURL),
			zap.Strings("secrets", r.sorted(r.resolved)))
	}
}

func (r *resolver) sorted(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
