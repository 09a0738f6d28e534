// Package authmw authenticates API callers and places the resulting actor in
// the request context. Role checks happen here, once, at the boundary.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// Roles recognized by the API.
const (
	RoleClinician = "clinician"
	RoleAdmin     = "admin"
	RoleAnalyst   = "analyst"
)

type ctxKey struct{}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor alerting.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (alerting.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(alerting.Actor)
	return a, ok
}

// Claims are the JWT claims the API accepts. The subject is the staff id.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with the given roles. Used by
// operator tooling and tests.
func IssueToken(secret []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates an HS256 token and returns the actor it names.
func ParseToken(secret []byte, raw string) (alerting.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return alerting.Actor{}, err
	}
	if !token.Valid {
		return alerting.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return alerting.Actor{}, errors.New("token has no subject")
	}
	return alerting.Actor{ID: claims.Subject, Roles: claims.Roles}, nil
}

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return auth[len("Bearer "):], true
}

// JWT returns middleware that requires a valid HS256 bearer token and stores
// the token's actor in the request context.
func JWT(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			actor, err := ParseToken(secret, raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value, and attributes the
// request to actor. Comparison uses constant-time equality to prevent timing
// side-channel attacks.
func BearerToken(token string, actor alerting.Actor) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(raw), expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireAnyRole rejects requests whose actor holds none of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if actor.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
		})
	}
}
