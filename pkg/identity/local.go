package identity

import (
	"context"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/crypto"
)

// LocalProvider validates logins against a static user list. Passwords are
// either bcrypt digests (detected by prefix) or plaintext compared in
// constant time.
type LocalProvider struct {
	id    string
	users []config.UserConfig
}

// NewLocalProvider builds a form provider from configuration.
func NewLocalProvider(cfg config.IdentityProviderConfig) *LocalProvider {
	return &LocalProvider{
		id:    cfg.ProviderID(),
		users: cfg.Users,
	}
}

func (p *LocalProvider) ID() string   { return p.id }
func (p *LocalProvider) Name() string { return "Local account" }

func (p *LocalProvider) Authenticate(_ context.Context, username, password string) (*User, error) {
	for _, user := range p.users {
		if user.Username != username {
			continue
		}
		if crypto.VerifyPassword(user.Password, password) {
			return &User{
				ID:          "local:" + username,
				DisplayName: username,
			}, nil
		}
		return nil, nil
	}
	return nil, nil
}
