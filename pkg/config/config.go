// Package config loads and validates the gateway configuration file.
//
// The file is JSON with a strict schema: unknown keys fail validation, and
// every string supports ${VAR} substitution resolved from the process
// environment at load time.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

const (
	// DefaultPort is used when server.port is absent.
	DefaultPort = 8080

	// DefaultFilename is the config path used when none is given.
	DefaultFilename = "mcpbox.json"
)

// Config is the top-level configuration document.
type Config struct {
	Server     ServerConfig               `json:"server"`
	Log        LogConfig                  `json:"log"`
	Auth       *AuthConfig                `json:"auth,omitempty"`
	Storage    StorageConfig              `json:"storage"`
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `json:"port" validate:"omitempty,min=1,max=65535"`
}

// LogConfig configures the logging facade.
type LogConfig struct {
	Level         string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format        string `json:"format" validate:"omitempty,oneof=pretty json"`
	RedactSecrets *bool  `json:"redactSecrets,omitempty"`
	MCPDebug      bool   `json:"mcpDebug,omitempty"`
}

// RedactSecretsEnabled returns the redaction switch, defaulting to true.
func (l LogConfig) RedactSecretsEnabled() bool {
	return l.RedactSecrets == nil || *l.RedactSecrets
}

// AuthConfig is a tagged union discriminated by Type.
type AuthConfig struct {
	Type string `json:"type" validate:"required,oneof=apikey oauth"`

	// apikey
	APIKey string `json:"apiKey,omitempty"`

	// oauth
	Issuer              string                   `json:"issuer,omitempty" validate:"omitempty,url"`
	IdentityProviders   []IdentityProviderConfig `json:"identityProviders,omitempty"`
	Clients             []ClientConfig           `json:"clients,omitempty"`
	DynamicRegistration bool                     `json:"dynamicRegistration,omitempty"`
}

// IdentityProviderConfig is a tagged union discriminated by Type.
type IdentityProviderConfig struct {
	Type string `json:"type" validate:"required,oneof=local github"`
	ID   string `json:"id,omitempty"`

	// local
	Users []UserConfig `json:"users,omitempty" validate:"dive"`

	// github
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	AllowedOrgs  []string `json:"allowedOrgs,omitempty"`
	AllowedUsers []string `json:"allowedUsers,omitempty"`
}

// ProviderID returns the provider's id, defaulting to its type.
func (p IdentityProviderConfig) ProviderID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Type
}

// UserConfig is one local login. Password is either plaintext or a bcrypt
// digest.
type UserConfig struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ClientConfig pre-registers an OAuth client at startup.
type ClientConfig struct {
	ClientID     string   `json:"clientId" validate:"required"`
	ClientName   string   `json:"clientName,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	RedirectURIs []string `json:"redirectUris,omitempty" validate:"dive,url"`
	GrantType    string   `json:"grantType" validate:"required,oneof=authorization_code client_credentials"`
}

// StorageConfig is a tagged union discriminated by Type.
type StorageConfig struct {
	Type string `json:"type" validate:"omitempty,oneof=memory sqlite"`
	Path string `json:"path,omitempty"`
}

// MCPServerConfig describes one child MCP server to spawn.
type MCPServerConfig struct {
	Command string            `json:"command" validate:"required"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Tools   []string          `json:"tools,omitempty"`
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse expands ${VAR} references and decodes the strict schema.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(expanded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Auth != nil && c.Auth.Type == "oauth" && c.Auth.Issuer == "" {
		c.Auth.Issuer = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references from the process environment.
// An unresolved variable aborts the load.
func expandEnv(raw []byte) ([]byte, error) {
	var missing []string
	expanded := envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		escaped, _ := json.Marshal(value)
		// Strip the quotes json.Marshal added; the reference sits inside an
		// already-quoted JSON string.
		return escaped[1 : len(escaped)-1]
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved environment variables: %v", missing)
	}
	return expanded, nil
}

// multiError collects every violation so startup can print one report.
type multiError []error

func (m multiError) Error() string {
	var buf bytes.Buffer
	buf.WriteString("invalid configuration:")
	for _, err := range m {
		buf.WriteString("\n  - ")
		buf.WriteString(err.Error())
	}
	return buf.String()
}

func (m multiError) Unwrap() []error { return m }
