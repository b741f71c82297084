// ABOUTME: HS256 JWT issuing and verification for tenant-scoped API access
// ABOUTME: Tokens carry the tenant in "sub" and must name coven-state as issuer

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-state/internal/keyspace"
)

const (
	// MinSecretLength is the shortest accepted HS256 signing secret.
	MinSecretLength = 32

	// Issuer is stamped into every token and required on verification.
	Issuer = "coven-state"

	clockSkew = 30 * time.Second
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrSecretTooShort = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier resolves a bearer token to the tenant it was issued for.
type TokenVerifier interface {
	Verify(tokenString string) (tenantID string, err error)
}

// TenantClaims is the payload of a tenant token.
type TenantClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier issues and checks tenant tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}, nil
}

// Verify checks signature, issuer and expiry, then returns the tenant named
// by "sub". The tenant must be a valid key component.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims TenantClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if err := keyspace.ValidateTenant(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// Generate signs a token for tenantID valid for ttl.
func (v *JWTVerifier) Generate(tenantID string, ttl time.Duration) (string, error) {
	if err := keyspace.ValidateTenant(tenantID); err != nil {
		return "", err
	}

	now := time.Now()
	claims := TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
