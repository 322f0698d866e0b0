// Package auth validates the bearer credentials the portal issues at login.
// A token failing validation is a fatal, non-retried error for the connection
// attempt that presented it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the authenticated user attached to a connection. Presence
// entries are derived from it.
type Identity struct {
	UserID    string
	Nombre    string
	Iniciales string
	Avatar    string
}

type claims struct {
	Nombre    string `json:"nombre"`
	Iniciales string `json:"iniciales"`
	Avatar    string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed portal tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the identity it carries.
// Expired tokens are reported distinctly so callers can tell a stale login
// from a forged one.
func (v *Verifier) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:    c.Subject,
		Nombre:    c.Nombre,
		Iniciales: c.Iniciales,
		Avatar:    c.Avatar,
	}, nil
}

// Sign issues a token for an identity. Used by tests and local tooling; the
// portal backend is the issuer in production.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Nombre:    id.Nombre,
		Iniciales: id.Iniciales,
		Avatar:    id.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

type identityKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// identity on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the "token" query parameter for websocket upgrades (browsers cannot
// set headers on a websocket handshake).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// WithIdentity stores an identity on a context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
