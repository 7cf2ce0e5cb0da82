// Package identity turns user-supplied credentials into authenticated-user
// records. Two provider shapes exist: form providers validate a username and
// password directly, redirect providers hand the user to an external OAuth
// service and resolve the callback.
package identity

import (
	"context"
	"net/url"
)

// User is an authenticated user as produced by a provider. ID is prefixed
// with the provider family ("local:alice", "github:12345") so the source is
// unambiguous downstream.
type User struct {
	ID          string
	DisplayName string
}

// Provider is the common surface of both provider shapes.
type Provider interface {
	// ID is the provider's identifier, used in callback paths and the
	// idp query parameter.
	ID() string

	// Name is a human-readable label for the login page.
	Name() string
}

// FormProvider validates credentials submitted through the login form.
// A failed login returns (nil, nil); errors are reserved for infrastructure
// failures.
type FormProvider interface {
	Provider
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

// RedirectProvider sends the user to an external service and resolves the
// redirect back. HandleCallback returns (nil, nil) when the external service
// denies the user.
type RedirectProvider interface {
	Provider
	AuthorizationURL(callbackURL, state string) string
	HandleCallback(ctx context.Context, query url.Values) (*User, error)
}
