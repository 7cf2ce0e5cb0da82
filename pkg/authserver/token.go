package authserver

import (
	"context"
	"net/http"

	"github.com/mcpbox/mcpbox/pkg/crypto"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/telemetry"
)

// tokenResponse is the success body of the token endpoint. Scope is a
// pointer so an absent scope serialises as null.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    int     `json:"expires_in"`
	Scope        *string `json:"scope"`
}

func scopePtr(scope string) *string {
	if scope == "" {
		return nil
	}
	return &scope
}

// handleToken dispatches POST /token on grant_type.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Invalid form body")
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "client_credentials":
		s.handleClientCredentialsGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, errUnsupportedGrantType, "Unsupported grant_type")
		return
	}
	telemetry.RecordTokenGrant(r.Context(), grantType)
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	clientID := r.PostFormValue("client_id")
	if code == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "code and client_id are required")
		return
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Storage failure")
		return
	}
	if client == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidClient, "Unknown client")
		return
	}

	if client.SecretHash != "" {
		secret := r.PostFormValue("client_secret")
		if secret == "" || !crypto.SecureCompare(crypto.SHA256Hex(secret), client.SecretHash) {
			writeOAuthError(w, http.StatusUnauthorized, errInvalidClient, "Invalid client credentials")
			return
		}
	}

	record := s.getCode(code)
	if record == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "Invalid or expired authorization code")
		return
	}
	if record.clientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "Code was not issued to this client")
		return
	}
	if redirectURI := r.PostFormValue("redirect_uri"); redirectURI != "" && redirectURI != record.redirectURI {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "redirect_uri mismatch")
		return
	}

	// PKCE is mandatory. The authorize endpoint only accepts S256, so any
	// other stored method is defence in depth.
	if record.codeChallengeMethod != "S256" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Only S256 code_challenge_method is supported")
		return
	}
	verifier := r.PostFormValue("code_verifier")
	if record.codeChallenge == "" || verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "code_verifier is required")
		return
	}
	if !crypto.VerifyPKCE(verifier, record.codeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "PKCE verification failed")
		return
	}

	s.deleteCode(code)

	accessToken, err := s.mintAccessToken(r.Context(), clientID, record.scope, record.userID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to mint token")
		return
	}
	refreshToken, err := s.mintRefreshToken(r.Context(), clientID, record.scope, record.userID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to mint token")
		return
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		Scope:        scopePtr(record.scope),
	})
}

func (s *Server) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if clientID == "" || secret == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "client_id and client_secret are required")
		return
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Storage failure")
		return
	}
	if client == nil {
		writeOAuthError(w, http.StatusUnauthorized, errInvalidClient, "Unknown client")
		return
	}
	if !client.HasGrantType("client_credentials") {
		writeOAuthError(w, http.StatusBadRequest, errUnauthorizedClient, "Client is not authorized for client_credentials")
		return
	}
	if client.SecretHash == "" || !crypto.SecureCompare(crypto.SHA256Hex(secret), client.SecretHash) {
		writeOAuthError(w, http.StatusUnauthorized, errInvalidClient, "Invalid client credentials")
		return
	}

	scope := r.PostFormValue("scope")
	if scope == "" {
		scope = ScopeTools
	}

	accessToken, err := s.mintAccessToken(r.Context(), clientID, scope, "client:"+clientID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to mint token")
		return
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTokenTTL.Seconds()),
		Scope:       scopePtr(scope),
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostFormValue("refresh_token")
	clientID := r.PostFormValue("client_id")
	if refreshToken == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "refresh_token and client_id are required")
		return
	}

	stored, err := s.store.GetRefreshToken(r.Context(), crypto.SHA256Hex(refreshToken))
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Storage failure")
		return
	}
	if stored == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "Invalid or expired refresh token")
		return
	}
	if stored.ClientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "Token was not issued to this client")
		return
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Storage failure")
		return
	}
	if client == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidClient, "Unknown client")
		return
	}
	if client.SecretHash != "" {
		secret := r.PostFormValue("client_secret")
		if secret == "" || !crypto.SecureCompare(crypto.SHA256Hex(secret), client.SecretHash) {
			writeOAuthError(w, http.StatusUnauthorized, errInvalidClient, "Invalid client credentials")
			return
		}
	}

	next, err := crypto.NewToken()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to mint token")
		return
	}
	// Rotation is atomic: the old hash and the new one never coexist, and
	// on failure the old token survives.
	err = s.store.RotateRefreshToken(r.Context(), stored.Hash, &storage.Token{
		Hash:      crypto.SHA256Hex(next),
		ClientID:  clientID,
		Scope:     stored.Scope,
		UserID:    stored.UserID,
		ExpiresAt: s.now().Add(refreshTokenTTL),
	})
	if err != nil {
		log.Errorf("refresh token rotation: %v", err)
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant, "Failed to rotate refresh token")
		return
	}

	accessToken, err := s.mintAccessToken(r.Context(), clientID, stored.Scope, stored.UserID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to mint token")
		return
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: next,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		Scope:        scopePtr(stored.Scope),
	})
}

// mintAccessToken mints a fresh token, persists its hash and returns the
// plaintext. The plaintext leaves the process exactly once.
func (s *Server) mintAccessToken(ctx context.Context, clientID, scope, userID string) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	err = s.store.SaveAccessToken(ctx, &storage.Token{
		Hash:      crypto.SHA256Hex(token),
		ClientID:  clientID,
		Scope:     scope,
		UserID:    userID,
		ExpiresAt: s.now().Add(accessTokenTTL),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Server) mintRefreshToken(ctx context.Context, clientID, scope, userID string) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	err = s.store.SaveRefreshToken(ctx, &storage.Token{
		Hash:      crypto.SHA256Hex(token),
		ClientID:  clientID,
		Scope:     scope,
		UserID:    userID,
		ExpiresAt: s.now().Add(refreshTokenTTL),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func writeTokenResponse(w http.ResponseWriter, body tokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, body)
}
