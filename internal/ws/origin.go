package ws

import (
	"log/slog"
	"net/http"
)

// OriginValidator guards the WebSocket handshake against cross-site
// hijacking. Matching is exact and case-sensitive: no scheme or host
// normalization, no subdomain matching. A listed https://app.example.com
// does not admit https://evil.app.example.com. The only escape hatch is
// an explicit "*" entry in the configured allowlist.
type OriginValidator struct {
	allowed    map[string]struct{}
	allowAll   bool
	production bool
	logger     *slog.Logger
}

func NewOriginValidator(allowedOrigins []string, production bool, logger *slog.Logger) *OriginValidator {
	v := &OriginValidator{
		allowed:    make(map[string]struct{}, len(allowedOrigins)),
		production: production,
		logger:     logger,
	}
	for _, o := range allowedOrigins {
		if o == "*" {
			v.allowAll = true
			continue
		}
		v.allowed[o] = struct{}{}
	}
	return v
}

// CheckOrigin decides whether the handshake may proceed. It runs as the
// upgrader's origin hook, so a rejection surfaces as HTTP 403 before any
// WebSocket frame is exchanged. Rejections are always logged.
func (v *OriginValidator) CheckOrigin(r *http.Request) bool {
	values := r.Header.Values("Origin")

	if len(values) == 0 {
		// No header at all (non-browser clients). Fine in development,
		// rejected in production.
		if v.production {
			v.logger.Warn("websocket origin missing in production", "remote", r.RemoteAddr)
			return false
		}
		return true
	}

	origin := values[0]

	// An empty value and the literal "null" (privacy-mode browsers,
	// sandboxed iframes) are rejected outright, wildcard or not: the
	// wildcard admits any real origin, not the absence of one.
	if origin == "" || origin == "null" {
		v.logger.Warn("websocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
		return false
	}

	if v.allowAll {
		return true
	}

	if _, ok := v.allowed[origin]; ok {
		return true
	}

	v.logger.Warn("websocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
	return false
}
