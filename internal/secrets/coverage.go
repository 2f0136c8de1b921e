package secrets

import (
	"browsernerd/internal/domain"

	"go.uber.org/zap"
)

// CheckCoverage compares the store's scope patterns with the browser's
// allowed domains and returns the patterns no allowed entry covers. Each
// uncovered pattern is logged as a warning: a credential could be typed on
// a domain the session is not locked down to. With secrets present and no
// allowed domains at all, a single error is logged instead.
func CheckCoverage(s *Store, allowed []string, logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Empty() {
		return nil
	}
	if len(allowed) == 0 {
		logger.Error("secrets configured but allowed_domains is empty; the browser is not locked down and a prompt injection on any site could exfiltrate them",
			zap.Int("secrets", len(s.Names())))
		return nil
	}

	var uncovered []string
	for _, pattern := range s.Patterns() {
		if domain.Covers(allowed, pattern) {
			continue
		}
		uncovered = append(uncovered, pattern)
		logger.Warn("secret scope pattern is not covered by allowed_domains; credentials could be used on unintended domains",
			zap.String("pattern", pattern),
			zap.Strings("allowed_domains", allowed))
	}
	return uncovered
}
