package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/log"
)

// GitHubProvider authenticates users through GitHub's OAuth flow and
// optionally restricts access to an allowlist of logins or organizations.
type GitHubProvider struct {
	id           string
	clientID     string
	clientSecret string
	allowedUsers []string
	allowedOrgs  []string

	// Overridable for tests.
	endpoint   oauth2.Endpoint
	apiBaseURL string
	httpClient *http.Client
}

// NewGitHubProvider builds a redirect provider from configuration.
func NewGitHubProvider(cfg config.IdentityProviderConfig) *GitHubProvider {
	return &GitHubProvider{
		id:           cfg.ProviderID(),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		allowedUsers: cfg.AllowedUsers,
		allowedOrgs:  cfg.AllowedOrgs,
		endpoint:     github.Endpoint,
		apiBaseURL:   "https://api.github.com",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *GitHubProvider) ID() string   { return p.id }
func (p *GitHubProvider) Name() string { return "GitHub" }

func (p *GitHubProvider) oauthConfig(callbackURL string) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     p.endpoint,
		RedirectURL:  callbackURL,
	}
	if len(p.allowedOrgs) > 0 {
		cfg.Scopes = []string{"read:org"}
	}
	return cfg
}

func (p *GitHubProvider) AuthorizationURL(callbackURL, state string) string {
	return p.oauthConfig(callbackURL).AuthCodeURL(state)
}

func (p *GitHubProvider) HandleCallback(ctx context.Context, query url.Values) (*User, error) {
	code := query.Get("code")
	if code == "" {
		return nil, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig("").Exchange(ctx, code)
	if err != nil {
		log.Warnf("github: code exchange failed: %v", err)
		return nil, nil
	}

	var account struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	if err := p.apiGet(ctx, token.AccessToken, "/user", &account); err != nil {
		log.Warnf("github: fetching user failed: %v", err)
		return nil, nil
	}

	if len(p.allowedUsers) > 0 && !containsFold(p.allowedUsers, account.Login) {
		log.Infof("github: user %s not in allowed users", account.Login)
		return nil, nil
	}

	if len(p.allowedOrgs) > 0 {
		var orgs []struct {
			Login string `json:"login"`
		}
		if err := p.apiGet(ctx, token.AccessToken, "/user/orgs?per_page=100", &orgs); err != nil {
			log.Warnf("github: fetching orgs failed: %v", err)
			return nil, nil
		}

		member := false
		for _, org := range orgs {
			if containsFold(p.allowedOrgs, org.Login) {
				member = true
				break
			}
		}
		if !member {
			log.Infof("github: user %s not in allowed orgs", account.Login)
			return nil, nil
		}
	}

	return &User{
		ID:          fmt.Sprintf("github:%d", account.ID),
		DisplayName: account.Login,
	}, nil
}

func (p *GitHubProvider) apiGet(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github api %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
