// Package auth establishes the calling tenant for coven-state.
//
// # Tenants
//
// Every thread, checkpoint, and assistant belongs to a tenant. Handlers never
// take the tenant from the request body or path; they read it from the
// AuthContext that HTTPAuthMiddleware attaches:
//
//	tenant := auth.TenantFromContext(r.Context())
//
// # Authentication Methods
//
//   - JWT Tokens: when auth.jwt_secret is set, clients send
//     "Authorization: Bearer <token>". Tokens are HS256 with the tenant id in
//     the "sub" claim, "iss" set to Issuer, and a required "exp". Secrets
//     shorter than MinSecretLength are rejected.
//
//   - Trusted Header: without a secret, the tenant is read from
//     auth.tenant_header (default X-Tenant-ID). Use this only behind a proxy
//     that authenticates callers and sets the header.
//
// Requests without a tenant are rejected with 401.
//
// # Token Management
//
// Tokens are minted by the coven-state CLI:
//
//	coven-state token --tenant acme --ttl 24h
//
// which calls:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("acme", 24*time.Hour)
package auth
