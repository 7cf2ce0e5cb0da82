// Package storage persists OAuth clients and token records.
//
// Two implementations exist: an in-process map store and a sqlite-backed
// key/value store. Lookups return (nil, nil) when the record is absent or
// expired; plaintext tokens never reach the store, only their SHA-256 hash.
package storage

import (
	"context"
	"time"
)

// Client is a registered OAuth client. SecretHash, when present, is the
// SHA-256 hex digest of the client secret.
type Client struct {
	ClientID                string    `json:"clientId"`
	SecretHash              string    `json:"secretHash,omitempty"`
	ClientName              string    `json:"clientName,omitempty"`
	RedirectURIs            []string  `json:"redirectUris,omitempty"`
	GrantTypes              []string  `json:"grantTypes"`
	ResponseTypes           []string  `json:"responseTypes"`
	TokenEndpointAuthMethod string    `json:"tokenEndpointAuthMethod"`
	CreatedAt               time.Time `json:"createdAt"`
	Dynamic                 bool      `json:"isDynamic"`
}

// HasGrantType reports whether the client declares the given grant.
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// Token is a stored access or refresh token, keyed by hash.
type Token struct {
	Hash      string    `json:"hash"`
	ClientID  string    `json:"clientId"`
	Scope     string    `json:"scope,omitempty"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token's lifetime has passed.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Store is the persistence boundary of the OAuth server.
type Store interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
	SaveClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, clientID string) error
	ListDynamicClients(ctx context.Context) ([]*Client, error)

	GetAccessToken(ctx context.Context, hash string) (*Token, error)
	SaveAccessToken(ctx context.Context, token *Token) error
	DeleteAccessToken(ctx context.Context, hash string) error

	GetRefreshToken(ctx context.Context, hash string) (*Token, error)
	SaveRefreshToken(ctx context.Context, token *Token) error
	DeleteRefreshToken(ctx context.Context, hash string) error

	// RotateRefreshToken atomically deletes the token stored under oldHash
	// and inserts the replacement. On failure the old token survives.
	RotateRefreshToken(ctx context.Context, oldHash string, replacement *Token) error

	// CleanupExpired removes expired token records.
	CleanupExpired(ctx context.Context) error

	Close() error
}
