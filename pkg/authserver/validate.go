package authserver

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/mcpbox/mcpbox/pkg/contextkeys"
	"github.com/mcpbox/mcpbox/pkg/crypto"
)

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// ValidateBearer checks the Authorization header against the access-token
// store and returns the owning user id.
func (s *Server) ValidateBearer(r *http.Request) (userID string, ok bool) {
	match := bearerPattern.FindStringSubmatch(r.Header.Get("Authorization"))
	if match == nil {
		return "", false
	}

	token, err := s.store.GetAccessToken(r.Context(), crypto.SHA256Hex(match[1]))
	if err != nil || token == nil {
		return "", false
	}
	return token.UserID, true
}

// Middleware protects a handler with bearer-token validation. Rejections
// carry the RFC 9728 resource-metadata challenge.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.ValidateBearer(r)
		if !ok {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf("Bearer resource_metadata=%q", s.issuer+"/.well-known/oauth-protected-resource"))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithUserID(r.Context(), userID)))
	})
}
