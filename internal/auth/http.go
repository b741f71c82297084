// ABOUTME: HTTP middleware that establishes the calling tenant on API endpoints
// ABOUTME: Uses a bearer JWT when a verifier is configured, otherwise a trusted tenant header

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-state/internal/keyspace"
)

// DefaultTenantHeader is read when no JWT secret is configured.
const DefaultTenantHeader = "X-Tenant-ID"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// logAuthFailure logs an authentication failure with request context.
func logAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("auth failure",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)
}

// HTTPAuthMiddleware creates an HTTP middleware that establishes the tenant
// for every request and adds AuthContext to the request context.
//
// With a non-nil verifier the tenant is the "sub" claim of a bearer token.
// With a nil verifier the tenant is taken from tenantHeader as-is; that mode
// is for deployments behind a proxy that sets the header itself.
func HTTPAuthMiddleware(verifier TokenVerifier, tenantHeader string, logger *slog.Logger) func(http.Handler) http.Handler {
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var authCtx *AuthContext
			if verifier != nil {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					logAuthFailure(logger, r, errMsg)
					http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
					return
				}

				tenant, err := verifier.Verify(token)
				if err != nil {
					logAuthFailure(logger, r, err.Error())
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				authCtx = &AuthContext{TenantID: tenant, Method: MethodJWT}
			} else {
				tenant := r.Header.Get(tenantHeader)
				if tenant == "" {
					logAuthFailure(logger, r, "missing tenant header")
					http.Error(w, `{"error":"missing tenant"}`, http.StatusUnauthorized)
					return
				}
				if err := keyspace.ValidateTenant(tenant); err != nil {
					logAuthFailure(logger, r, err.Error())
					http.Error(w, `{"error":"invalid tenant"}`, http.StatusUnauthorized)
					return
				}
				authCtx = &AuthContext{TenantID: tenant, Method: MethodHeader}
			}

			if logger != nil {
				logger.Debug("authenticated", "auth", authCtx, "path", r.URL.Path)
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
