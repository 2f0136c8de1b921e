// Package browser implements the browser control surface on top of go-rod:
// cookie and DOM storage access for session persistence, restore scripts,
// and the small action vocabulary the dispatcher executes.
package browser

import (
	"strings"
	"time"
)

// Config holds browser connection settings.
type Config struct {
	// DebuggerURL attaches to an already running Chrome. Takes precedence
	// over Launch.
	DebuggerURL string
	// Launch is the Chrome binary followed by extra flags ("--flag=value").
	Launch              []string
	Headless            bool
	ViewportWidth       int
	ViewportHeight      int
	NavigationTimeoutMs int
	// AllowedDomains restricts navigation. Empty allows everything.
	AllowedDomains []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// launchFlag splits "--name=value" into its name and value.
func launchFlag(raw string) (name, val string, hasVal bool) {
	return strings.Cut(strings.TrimLeft(raw, "-"), "=")
}
