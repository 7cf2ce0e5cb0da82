package authserver

import (
	"net/http"
)

// protectedResourceMetadata is the RFC 9728 document.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	LogoURI                string   `json:"logo_uri,omitempty"`
}

// authorizationServerMetadata is the RFC 8414 document.
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               s.issuer,
		AuthorizationServers:   []string{s.issuer},
		ScopesSupported:        []string{ScopeTools},
		BearerMethodsSupported: []string{"header"},
		LogoURI:                s.issuer + "/logo.png",
	})
}

func (s *Server) handleAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	meta := authorizationServerMetadata{
		Issuer:                            s.issuer,
		TokenEndpoint:                     s.issuer + "/token",
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		ScopesSupported:                   []string{ScopeTools},
	}

	if len(s.providers) > 0 {
		meta.GrantTypesSupported = append(meta.GrantTypesSupported, "authorization_code", "refresh_token")
		meta.AuthorizationEndpoint = s.issuer + "/authorize"
		meta.ResponseTypesSupported = []string{"code"}
		meta.CodeChallengeMethodsSupported = []string{"S256"}
	}
	if s.clientCredentials {
		meta.GrantTypesSupported = append(meta.GrantTypesSupported, "client_credentials")
	}
	if s.dynamicRegistration {
		meta.RegistrationEndpoint = s.issuer + "/register"
	}

	writeJSON(w, http.StatusOK, meta)
}
