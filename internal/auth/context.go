// ABOUTME: Request-scoped record of which tenant a request acts for
// ABOUTME: Set by the HTTP middleware and read by API handlers

package auth

import (
	"context"
	"log/slog"
)

// How a tenant was established.
const (
	MethodJWT    = "jwt"
	MethodHeader = "header"
)

// AuthContext is attached to every request that passed authentication.
type AuthContext struct {
	TenantID string
	Method   string // MethodJWT | MethodHeader
}

// LogValue renders the context as a log group.
func (a *AuthContext) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant", a.TenantID),
		slog.String("method", a.Method),
	)
}

type authContextKey struct{}

func WithAuth(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, a)
}

// FromContext returns nil for unauthenticated contexts.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return a
}

// TenantFromContext returns "" for unauthenticated contexts.
func TenantFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.TenantID
	}
	return ""
}
