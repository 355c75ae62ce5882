package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/microapp-gateway/oidc"
)

// Context key type to avoid collisions
type contextKey string

const (
	// IdentityKey is the context key for the authenticated identity
	IdentityKey contextKey = "identity"
)

// GetRequestIDFromContext retrieves the request ID assigned by the router
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity *oidc.Authenticated) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentityFromContext retrieves the authenticated identity from context
func GetIdentityFromContext(ctx context.Context) *oidc.Authenticated {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*oidc.Authenticated); ok {
			return identity
		}
	}
	return nil
}

// GetSubjectFromContext returns the authenticated subject, or "" when the
// request was not authenticated
func GetSubjectFromContext(ctx context.Context) string {
	if identity := GetIdentityFromContext(ctx); identity != nil {
		return identity.Subject
	}
	return ""
}
