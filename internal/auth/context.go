// Package auth carries the caller identity established by the upstream auth
// layer. The identity is an opaque user id that every read and write is
// scoped by.
package auth

import "context"

// userKey is the context key of the user id.
type userKey struct{}

// WithUser stores the authenticated user id in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user id stored by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
