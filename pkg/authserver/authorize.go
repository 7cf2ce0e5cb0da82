package authserver

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/mcpbox/mcpbox/pkg/log"
)

// handleAuthorize serves the authorization endpoint. GET starts the flow
// (external redirect or login page), POST receives the login form.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handleLoginSubmit(w, r)
		return
	}

	if len(s.providers) == 0 {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Authorization Code flow not available")
		return
	}

	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	responseType := query.Get("response_type")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")

	if clientID == "" || redirectURI == "" || codeChallenge == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Missing required parameter")
		return
	}
	if responseType != "code" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Only response_type=code is supported")
		return
	}
	if codeChallengeMethod != "S256" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Only code_challenge_method=S256 is supported")
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

	// Byte-for-byte match against the registered URIs.
	allowed := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			allowed = true
			break
		}
	}
	if !allowed {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Invalid redirect_uri")
		return
	}

	session := &pendingSession{
		clientID:            clientID,
		clientName:          client.ClientName,
		redirectURI:         redirectURI,
		state:               query.Get("state"),
		codeChallenge:       codeChallenge,
		codeChallengeMethod: codeChallengeMethod,
		scope:               query.Get("scope"),
		query:               query,
	}

	redirects := s.redirectProviders()
	forms := s.formProviders()

	// A named provider, or the only possible one, skips the login page.
	providerID := query.Get("idp")
	if providerID == "" && len(redirects) == 1 && len(forms) == 0 {
		providerID = redirects[0].ID()
	}
	if providerID != "" {
		provider := s.redirectProvider(providerID)
		if provider == nil {
			writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Unknown identity provider")
			return
		}

		session.providerID = providerID
		sessionID, err := s.createSession(session)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to create session")
			return
		}

		callbackURL := s.issuer + "/callback/" + providerID
		http.Redirect(w, r, provider.AuthorizationURL(callbackURL, sessionID), http.StatusFound)
		return
	}

	sessionID, err := s.createSession(session)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to create session")
		return
	}

	s.renderLoginPage(w, session, sessionID, "")
}

// handleLoginSubmit validates the posted credentials against each form
// provider in configuration order.
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Invalid form body")
		return
	}

	sessionID := r.PostFormValue("session_id")
	if sessionID == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Missing session_id")
		return
	}
	session := s.lookupSession(sessionID)
	if session == nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "Unknown or expired session")
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	for _, provider := range s.formProviders() {
		user, err := provider.Authenticate(r.Context(), username, password)
		if err != nil {
			log.Errorf("identity provider %s: %v", provider.ID(), err)
			continue
		}
		if user == nil {
			continue
		}

		target, err := s.issueCode(session, user)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, errInvalidRequest, "Failed to issue code")
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	s.renderLoginPage(w, session, sessionID, "Invalid username or password")
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign in{{if .ClientName}} to {{.ClientName}}{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 24rem; margin: 4rem auto; }
input { display: block; width: 100%; margin: .5rem 0; padding: .5rem; }
button, .idp { display: block; width: 100%; margin: .5rem 0; padding: .5rem; text-align: center; }
.error { color: #b00020; }
</style>
</head>
<body>
<h1>Sign in{{if .ClientName}} to {{.ClientName}}{{end}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{range .Providers}}
<a class="idp" href="{{.URL}}">Continue with {{.Name}}</a>
{{end}}
{{if .HasForm}}
<form method="post" action="/authorize?{{.Query}}">
<input type="hidden" name="session_id" value="{{.SessionID}}">
<input type="text" name="username" placeholder="Username" autofocus>
<input type="password" name="password" placeholder="Password">
<button type="submit">Sign in</button>
</form>
{{end}}
</body>
</html>
`))

type loginProvider struct {
	Name string
	URL  template.URL
}

type loginPageData struct {
	ClientName string
	Error      string
	SessionID  string
	Query      template.URL
	HasForm    bool
	Providers  []loginProvider
}

func (s *Server) renderLoginPage(w http.ResponseWriter, session *pendingSession, sessionID, errMsg string) {
	data := loginPageData{
		ClientName: session.clientName,
		Error:      errMsg,
		SessionID:  sessionID,
		Query:      template.URL(session.query.Encode()),
		HasForm:    len(s.formProviders()) > 0,
	}

	for _, provider := range s.redirectProviders() {
		q := cloneValues(session.query)
		q.Set("idp", provider.ID())
		data.Providers = append(data.Providers, loginProvider{
			Name: provider.Name(),
			URL:  template.URL("/authorize?" + q.Encode()),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if errMsg != "" {
		w.WriteHeader(http.StatusUnauthorized)
	}
	if err := loginTemplate.Execute(w, data); err != nil {
		log.Errorf("rendering login page: %v", err)
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for key, values := range v {
		out[key] = append([]string(nil), values...)
	}
	return out
}
