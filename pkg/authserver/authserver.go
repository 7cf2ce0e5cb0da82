// Package authserver embeds an OAuth 2.1 authorization server into the
// gateway. It issues opaque bearer tokens through the authorization-code
// (PKCE mandatory), client-credentials and refresh-token grants, supports
// RFC 7591 dynamic client registration, and validates tokens for the HTTP
// middleware. Clients and tokens persist through pkg/storage; authorization
// codes and pending login sessions are process-local.
package authserver

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/crypto"
	"github.com/mcpbox/mcpbox/pkg/identity"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

const (
	// ScopeTools is the only scope this server knows about.
	ScopeTools = "mcp:tools"

	accessTokenTTL  = time.Hour
	refreshTokenTTL = 90 * 24 * time.Hour
	authCodeTTL     = 10 * time.Minute
	sessionTTL      = 10 * time.Minute

	janitorInterval = time.Minute
)

// authorizationCode is the transient record behind a single-use code.
type authorizationCode struct {
	code                string
	clientID            string
	redirectURI         string
	codeChallenge       string
	codeChallengeMethod string
	scope               string
	userID              string
	expiresAt           time.Time
}

// pendingSession tracks a user who is still progressing through login.
type pendingSession struct {
	sessionID           string
	clientID            string
	clientName          string
	redirectURI         string
	state               string
	codeChallenge       string
	codeChallengeMethod string
	scope               string
	providerID          string
	query               url.Values
	expiresAt           time.Time
}

// Server is the embedded authorization server.
type Server struct {
	issuer              string
	store               storage.Store
	providers           []identity.Provider
	dynamicRegistration bool
	clientCredentials   bool

	mu       sync.Mutex
	codes    map[string]*authorizationCode
	sessions map[string]*pendingSession

	now func() time.Time
}

// New builds the server and pre-registers the configured clients.
func New(ctx context.Context, cfg *config.AuthConfig, store storage.Store) (*Server, error) {
	s := &Server{
		issuer:              cfg.Issuer,
		store:               store,
		dynamicRegistration: cfg.DynamicRegistration,
		codes:               make(map[string]*authorizationCode),
		sessions:            make(map[string]*pendingSession),
		now:                 time.Now,
	}

	for _, idp := range cfg.IdentityProviders {
		switch idp.Type {
		case "local":
			s.providers = append(s.providers, identity.NewLocalProvider(idp))
		case "github":
			s.providers = append(s.providers, identity.NewGitHubProvider(idp))
		default:
			return nil, fmt.Errorf("unknown identity provider type %q", idp.Type)
		}
	}

	for _, client := range cfg.Clients {
		if err := s.registerClient(ctx, client); err != nil {
			return nil, err
		}
		if client.GrantType == "client_credentials" {
			s.clientCredentials = true
		}
	}

	return s, nil
}

func (s *Server) registerClient(ctx context.Context, cfg config.ClientConfig) error {
	authMethod := "none"
	var secretHash string
	if cfg.ClientSecret != "" {
		authMethod = "client_secret_post"
		secretHash = crypto.SHA256Hex(cfg.ClientSecret)
	}

	grants := []string{cfg.GrantType}
	if cfg.GrantType == "authorization_code" {
		grants = append(grants, "refresh_token")
	}

	client := &storage.Client{
		ClientID:                cfg.ClientID,
		SecretHash:              secretHash,
		ClientName:              cfg.ClientName,
		RedirectURIs:            cfg.RedirectURIs,
		GrantTypes:              grants,
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               s.now().UTC(),
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("failed to pre-register client %s: %w", cfg.ClientID, err)
	}
	return nil
}

// Issuer returns the configured issuer URL.
func (s *Server) Issuer() string {
	return s.issuer
}

// StartJanitor evicts expired authorization codes and pending sessions until
// ctx is cancelled. Eviction fires regardless of whether any HTTP client is
// connected.
func (s *Server) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictExpired()
			}
		}
	}()
}

func (s *Server) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for code, record := range s.codes {
		if now.After(record.expiresAt) {
			delete(s.codes, code)
		}
	}
	for id, session := range s.sessions {
		if now.After(session.expiresAt) {
			delete(s.sessions, id)
		}
	}
}

func (s *Server) formProviders() []identity.FormProvider {
	var form []identity.FormProvider
	for _, p := range s.providers {
		if fp, ok := p.(identity.FormProvider); ok {
			form = append(form, fp)
		}
	}
	return form
}

func (s *Server) redirectProviders() []identity.RedirectProvider {
	var redirect []identity.RedirectProvider
	for _, p := range s.providers {
		if rp, ok := p.(identity.RedirectProvider); ok {
			redirect = append(redirect, rp)
		}
	}
	return redirect
}

func (s *Server) redirectProvider(id string) identity.RedirectProvider {
	for _, p := range s.redirectProviders() {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (s *Server) createSession(session *pendingSession) (string, error) {
	sessionID, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	session.sessionID = sessionID
	session.expiresAt = s.now().Add(sessionTTL)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return sessionID, nil
}

func (s *Server) lookupSession(sessionID string) *pendingSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.now().After(session.expiresAt) {
		delete(s.sessions, sessionID)
		return nil
	}
	return session
}

func (s *Server) deleteSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// issueCode mints a single-use authorization code for the session's user and
// returns the redirect target carrying it.
func (s *Server) issueCode(session *pendingSession, user *identity.User) (string, error) {
	code, err := crypto.NewToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.codes[code] = &authorizationCode{
		code:                code,
		clientID:            session.clientID,
		redirectURI:         session.redirectURI,
		codeChallenge:       session.codeChallenge,
		codeChallengeMethod: session.codeChallengeMethod,
		scope:               session.scope,
		userID:              user.ID,
		expiresAt:           s.now().Add(authCodeTTL),
	}
	s.mu.Unlock()

	s.deleteSession(session.sessionID)

	redirect, err := url.Parse(session.redirectURI)
	if err != nil {
		return "", err
	}
	q := redirect.Query()
	q.Set("code", code)
	if session.state != "" {
		q.Set("state", session.state)
	}
	redirect.RawQuery = q.Encode()

	log.Infof("issued authorization code for %s (client %s)", user.ID, session.clientID)
	return redirect.String(), nil
}

// getCode returns the code record, or nil when unknown. Expired records are
// deleted on lookup.
func (s *Server) getCode(code string) *authorizationCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil
	}
	if s.now().After(record.expiresAt) {
		delete(s.codes, code)
		return nil
	}
	return record
}

// deleteCode destroys a code after successful exchange.
func (s *Server) deleteCode(code string) {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
}
