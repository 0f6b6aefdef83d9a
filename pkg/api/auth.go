package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// Claims are the bearer token claims. The subject is the grantee address
// the caller acts as. Operator tokens may also resolve dead letters.
type Claims struct {
	jwt.RegisteredClaims
	Operator bool `json:"operator,omitempty"`
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns nil when secret is empty, which disables auth.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Issue mints a token for grantee. Used by the CLI and tests.
func (a *Authenticator) Issue(grantee contracts.Address, ttl time.Duration) (string, error) {
	return a.issue(grantee, ttl, false)
}

// IssueOperator mints a token for grantee that may also run operator actions.
func (a *Authenticator) IssueOperator(grantee contracts.Address, ttl time.Duration) (string, error) {
	return a.issue(grantee, ttl, true)
}

func (a *Authenticator) issue(grantee contracts.Address, ttl time.Duration, operator bool) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grantee.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Operator: operator,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses a token and returns the grantee it names.
func (a *Authenticator) Validate(tokenStr string) (contracts.Address, error) {
	p, err := a.principal(tokenStr)
	return p.grantee, err
}

type principal struct {
	grantee  contracts.Address
	operator bool
}

func (a *Authenticator) principal(tokenStr string) (principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return principal{}, errors.New("invalid token")
	}
	grantee, err := contracts.ParseAddress(claims.Subject)
	if err != nil {
		return principal{}, fmt.Errorf("token subject: %w", err)
	}
	return principal{grantee: grantee, operator: claims.Operator}, nil
}

type principalKey struct{}

// GranteeFrom returns the authenticated grantee, if any.
func GranteeFrom(ctx context.Context) (contracts.Address, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p.grantee, ok
}

// RequireOperator rejects authenticated callers whose token is not an
// operator token. Without auth every caller passes.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := r.Context().Value(principalKey{}).(principal)
		if ok && !p.operator {
			WriteForbidden(w, "Operator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	return path == "/health"
}

// Middleware rejects requests without a valid bearer token. A nil
// authenticator lets every request through unauthenticated.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		p, err := a.principal(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}
