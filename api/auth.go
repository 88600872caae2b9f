/*
auth.go - Bearer token authentication

PURPOSE:
  Every /api route except health and metrics requires an HS256 JWT. The
  "sub" claim is the acting account id handed to the engines; admin
  rights are decided later by rewards.Permissions, never by the token.

USAGE:
  auth := NewAuthenticator(secret)
  r.Use(auth.Middleware)
  actor := ActorFrom(r.Context())
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/points-engine/generic"
)

type contextKey string

const actorKey contextKey = "actor"

// Claims are the token claims the service reads.
type Claims struct {
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid bearer token with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Verify parses a signed token and returns its subject.
func (a *Authenticator) Verify(tokenString string) (generic.AccountID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return generic.AccountID(claims.Subject), nil
}

// Issue signs a token for actor. Used by tooling and tests.
func (a *Authenticator) Issue(actor generic.AccountID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   string(actor),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func WithActor(ctx context.Context, actor generic.AccountID) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the authenticated account id, or "" outside auth.
func ActorFrom(ctx context.Context) generic.AccountID {
	actor, _ := ctx.Value(actorKey).(generic.AccountID)
	return actor
}
