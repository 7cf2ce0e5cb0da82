package authserver

import (
	"net/http"

	"github.com/mcpbox/mcpbox/pkg/log"
)

// handleCallback receives the external provider's redirect. The state query
// parameter carries our pending-session id.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")

	sessionID := r.URL.Query().Get("state")
	if sessionID == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Missing state")
		return
	}
	session := s.lookupSession(sessionID)
	if session == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Unknown or expired session")
		return
	}
	if session.providerID != providerID {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Session does not belong to this provider")
		return
	}

	provider := s.redirectProvider(providerID)
	if provider == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Unknown identity provider")
		return
	}

	user, err := provider.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		log.Errorf("identity provider %s callback: %v", providerID, err)
	}
	if user == nil {
		s.deleteSession(sessionID)
		writeOAuthError(w, http.StatusForbidden, errAccessDenied, "Authentication failed")
		return
	}

	target, err := s.issueCode(session, user)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to issue code")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
