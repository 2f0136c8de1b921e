// Package domain decides whether a URL falls inside a secret's scope pattern.
//
// A pattern is a host, optionally prefixed by a scheme, with at most one
// wildcard. The wildcard is only accepted as a whole leftmost label ("*.")
// or as the protocol wildcard "http*://". Everything else is classified as
// unsafe and never matches, so a pattern like "*google.com" cannot cover
// "evilgoogle.com".
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrUnsafePattern is returned by Classify for patterns that could cover
// unrelated domains.
var ErrUnsafePattern = errors.New("unsafe domain pattern")

const (
	schemeAny       = ""
	schemeHTTPOrTLS = "http*"
)

// Pattern is a classified, normalized scope pattern.
type Pattern struct {
	Raw      string
	Scheme   string // "" matches any scheme, "http*" matches http and https
	Host     string // ASCII host without the leading "*."
	Wildcard bool   // leading "*." label
}

func unsafe(pattern, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrUnsafePattern, pattern, reason)
}

// Classify parses a pattern and reports ErrUnsafePattern for any wildcard
// placement other than a leading "*." host label or an "http*://" scheme.
func Classify(pattern string) (Pattern, error) {
	raw := pattern
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return Pattern{}, unsafe(raw, "empty pattern")
	}
	if strings.Count(p, "*") > 1 {
		return Pattern{}, unsafe(raw, "more than one wildcard")
	}

	out := Pattern{Raw: raw}
	if scheme, rest, ok := strings.Cut(p, "://"); ok {
		if strings.Contains(scheme, "*") && scheme != schemeHTTPOrTLS {
			return Pattern{}, unsafe(raw, "wildcard in scheme other than http*")
		}
		out.Scheme = scheme
		p = rest
	}

	// Ports, paths, queries and fragments are not part of the scope and may
	// not carry the wildcard.
	if i := strings.IndexAny(p, ":/?#"); i >= 0 {
		if strings.Contains(p[i:], "*") {
			return Pattern{}, unsafe(raw, "wildcard outside host and protocol")
		}
		p = p[:i]
	}

	switch {
	case p == "*":
		return Pattern{}, unsafe(raw, "bare wildcard")
	case strings.HasPrefix(p, "*."):
		out.Wildcard = true
		p = p[2:]
	case strings.Contains(p, "*"):
		return Pattern{}, unsafe(raw, "wildcard not aligned to a full leftmost label")
	}

	host, err := normalizeHost(p)
	if err != nil || host == "" {
		return Pattern{}, unsafe(raw, "invalid host")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") || strings.Contains(host, "..") {
		return Pattern{}, unsafe(raw, "empty host label")
	}
	out.Host = host

	if out.Wildcard {
		if !strings.Contains(host, ".") {
			return Pattern{}, unsafe(raw, "wildcard adjacent to the top-level label")
		}
		if suffix, _ := publicsuffix.PublicSuffix(host); suffix == host {
			return Pattern{}, unsafe(raw, "wildcard over a public suffix")
		}
	}
	return out, nil
}

// Matches reports whether rawURL is inside the pattern's scope.
func (p Pattern) Matches(rawURL string) bool {
	if IsInternalPage(rawURL) {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	host, err := normalizeHost(u.Hostname())
	if err != nil || host == "" {
		return false
	}

	switch p.Scheme {
	case schemeAny:
	case schemeHTTPOrTLS:
		if scheme != "http" && scheme != "https" {
			return false
		}
	default:
		if scheme != p.Scheme {
			return false
		}
	}

	if p.Wildcard {
		return strings.HasSuffix(host, "."+p.Host)
	}
	return host == p.Host
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return ascii, nil
}

// Matcher classifies patterns once and logs each unsafe pattern a single time.
type Matcher struct {
	logger *zap.Logger

	mu       sync.Mutex
	patterns map[string]classified
}

type classified struct {
	pattern Pattern
	err     error
}

// NewMatcher returns a Matcher that reports rejected patterns to logger.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{logger: logger, patterns: make(map[string]classified)}
}

// Register classifies pattern and caches the result. Unsafe patterns are
// logged here, at registration time, and nowhere else.
func (m *Matcher) Register(pattern string) (Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.patterns[pattern]; ok {
		return c.pattern, c.err
	}
	p, err := Classify(pattern)
	if err != nil {
		m.logger.Warn("scope pattern rejected, it will never match",
			zap.String("pattern", pattern), zap.Error(err))
	}
	m.patterns[pattern] = classified{pattern: p, err: err}
	return p, err
}

// Match reports whether rawURL is inside pattern. Unsafe patterns never match.
func (m *Matcher) Match(rawURL, pattern string) bool {
	p, err := m.Register(pattern)
	if err != nil {
		return false
	}
	return p.Matches(rawURL)
}

var std = NewMatcher(nil)

// Match reports whether rawURL is inside pattern using a silent shared matcher.
func Match(rawURL, pattern string) bool {
	return std.Match(rawURL, pattern)
}
