package config

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var apiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Validate checks structural tags and the semantic rules the tagged unions
// carry. All violations are reported together.
func (c *Config) Validate() error {
	var errs multiError

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateServers()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateAuth() multiError {
	var errs multiError
	auth := c.Auth
	if auth == nil {
		return nil
	}

	switch auth.Type {
	case "apikey":
		if !apiKeyPattern.MatchString(auth.APIKey) {
			errs = append(errs, fmt.Errorf("auth.apiKey: must match [A-Za-z0-9_-]{16,128}"))
		}

	case "oauth":
		if len(auth.IdentityProviders) == 0 && len(auth.Clients) == 0 && !auth.DynamicRegistration {
			errs = append(errs, fmt.Errorf("auth: oauth requires identityProviders, clients or dynamicRegistration"))
		}
		if auth.DynamicRegistration && len(auth.IdentityProviders) == 0 {
			errs = append(errs, fmt.Errorf("auth: dynamicRegistration requires at least one identity provider"))
		}
		if auth.Issuer != "" {
			if u, err := url.Parse(auth.Issuer); err != nil || !u.IsAbs() {
				errs = append(errs, fmt.Errorf("auth.issuer: must be an absolute URL"))
			}
		}

		seen := map[string]bool{}
		for i, idp := range auth.IdentityProviders {
			id := idp.ProviderID()
			if seen[id] {
				errs = append(errs, fmt.Errorf("auth.identityProviders[%d]: duplicate provider id %q", i, id))
			}
			seen[id] = true

			switch idp.Type {
			case "local":
				if len(idp.Users) == 0 {
					errs = append(errs, fmt.Errorf("auth.identityProviders[%d]: local provider requires users", i))
				}
			case "github":
				if idp.ClientID == "" || idp.ClientSecret == "" {
					errs = append(errs, fmt.Errorf("auth.identityProviders[%d]: github provider requires clientId and clientSecret", i))
				}
			}
		}

		for i, client := range auth.Clients {
			switch client.GrantType {
			case "client_credentials":
				if client.ClientSecret == "" {
					errs = append(errs, fmt.Errorf("auth.clients[%d]: client_credentials requires clientSecret", i))
				}
			case "authorization_code":
				if len(client.RedirectURIs) == 0 {
					errs = append(errs, fmt.Errorf("auth.clients[%d]: authorization_code requires at least one redirectUri", i))
				}
			}
		}
	}

	return errs
}

func (c *Config) validateStorage() multiError {
	if c.Storage.Type == "sqlite" && c.Storage.Path == "" {
		return multiError{fmt.Errorf("storage.path: required when storage.type is sqlite")}
	}
	return nil
}

func (c *Config) validateServers() multiError {
	var errs multiError
	for name, server := range c.MCPServers {
		if server.Command == "" {
			errs = append(errs, fmt.Errorf("mcpServers.%s: command is required", name))
		}
	}
	return errs
}
