package gateway

import (
	"net/http"
	"regexp"

	"github.com/mcpbox/mcpbox/pkg/crypto"
)

var apiKeyHeaderPattern = regexp.MustCompile(`(?i)^(?:Bearer|ApiKey)\s+(.+)$`)

// authMiddleware selects the protection for the MCP surface based on the
// configured auth mode.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	switch {
	case g.cfg.Auth == nil:
		return func(next http.Handler) http.Handler { return next }
	case g.cfg.Auth.Type == "apikey":
		key := g.cfg.Auth.APIKey
		return func(next http.Handler) http.Handler { return apiKeyMiddleware(key, next) }
	default:
		return g.auth.Middleware
	}
}

// apiKeyMiddleware accepts the key through the X-API-Key header or an
// Authorization header with a Bearer or ApiKey scheme. Comparison is
// constant-time.
func apiKeyMiddleware(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := r.Header.Get("X-API-Key")
		if candidate == "" {
			if match := apiKeyHeaderPattern.FindStringSubmatch(r.Header.Get("Authorization")); match != nil {
				candidate = match[1]
			}
		}

		if candidate == "" || !crypto.SecureCompare(candidate, key) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
