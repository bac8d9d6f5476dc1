// Package relay normalizes and validates HTTP origins for WebSocket
// upgrade requests to enforce the configured access control.
package relay

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy decides whether a WebSocket upgrade's Origin header is
// acceptable. An allow-list entry of "*" admits every origin.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

func newOriginPolicy(origins []string, logger zerolog.Logger) *originPolicy {
	policy := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger.With().Str("component", "origin").Logger(),
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			policy.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			policy.logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		policy.allowed[normalized] = struct{}{}
	}

	return policy
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin is the gorilla upgrader hook. Requests without an Origin
// header (non-browser clients) are admitted.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if !ok {
		p.logger.Info().Str("origin", header).Msg("blocked upgrade from unparseable origin")
		return false
	}

	if _, exists := p.allowed[normalized]; exists {
		return true
	}

	p.logger.Info().Str("origin", header).Msg("blocked upgrade from disallowed origin")
	return false
}
