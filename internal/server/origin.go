// Package server normalizes and validates HTTP origins for WebSocket
// requests to enforce the configured access control list.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originChecker holds the normalized allow-list for one server instance.
// A single "*" entry in the configuration allows every origin.
type originChecker struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *slog.Logger
}

func newOriginChecker(origins []string, logger *slog.Logger) *originChecker {
	oc := &originChecker{
		allowed: make(map[string]struct{}, len(origins)),
		log:     logger,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			oc.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid configured origin", "origin", origin)
			continue
		}
		oc.allowed[normalized] = struct{}{}
	}
	return oc
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

func (oc *originChecker) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if oc.allowAll {
		return true
	}
	if _, exists := oc.allowed[normalized]; exists {
		return true
	}

	oc.log.Warn("blocked websocket from disallowed origin", "origin", originHeader)
	return false
}
