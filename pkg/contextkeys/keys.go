// Package contextkeys holds the typed context keys shared between the HTTP
// middleware and the request handlers.
package contextkeys

import "context"

// contextKey is a typed key for context values to avoid conflicts
type contextKey string

// userIDKey carries the authenticated user id attached by the auth
// middleware on protected routes.
const userIDKey contextKey = "user-id"

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the authenticated user id, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}
