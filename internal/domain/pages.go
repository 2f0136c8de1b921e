package domain

import "strings"

// Browser-internal schemes. Secrets are never in scope on these pages.
var internalPrefixes = []string{
	"about:",
	"chrome:",
	"chrome-extension:",
	"chrome-untrusted:",
	"devtools:",
	"edge:",
	"brave:",
	"opera:",
	"vivaldi:",
	"view-source:",
	"data:",
	"blob:",
}

// IsInternalPage reports whether rawURL is a blank, new-tab or other
// browser-internal page.
func IsInternalPage(rawURL string) bool {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}

// Covers reports whether every URL pattern can match is also allowed by one
// entry of allowed. It is used at startup to warn when a secret is scoped to
// URLs the browser is not locked down to, or can never navigate to. Unsafe
// patterns and unsafe allowed entries cover nothing.
func Covers(allowed []string, pattern string) bool {
	scope, err := Classify(pattern)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		entry, err := Classify(a)
		if err != nil {
			continue
		}
		if entry.covers(scope) {
			return true
		}
	}
	return false
}

// covers reports whether p matches a superset of the URLs q matches.
func (p Pattern) covers(q Pattern) bool {
	switch p.Scheme {
	case schemeAny:
	case schemeHTTPOrTLS:
		if q.Scheme != "http" && q.Scheme != "https" && q.Scheme != schemeHTTPOrTLS {
			return false
		}
	default:
		if q.Scheme != p.Scheme {
			return false
		}
	}

	if !p.Wildcard {
		return !q.Wildcard && q.Host == p.Host
	}
	// "*.example.com" covers strict subdomains only, never the apex.
	if q.Wildcard {
		return q.Host == p.Host || strings.HasSuffix(q.Host, "."+p.Host)
	}
	return strings.HasSuffix(q.Host, "."+p.Host)
}
