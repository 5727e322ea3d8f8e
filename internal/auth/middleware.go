// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package auth guards the HTTP API with a static bearer token.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ContextKey is the type for context keys
type ContextKey string

// AuthenticatedKey marks requests that presented a valid token
const AuthenticatedKey ContextKey = "authenticated"

// Middleware provides HTTP middleware for authentication
type Middleware struct {
	digest  [sha256.Size]byte
	enabled bool
	exempt  map[string]bool
}

// NewMiddleware creates a middleware accepting token. An empty token
// disables authentication. Requests to exempt paths always pass.
func NewMiddleware(token string, exempt ...string) *Middleware {
	m := &Middleware{
		enabled: token != "",
		exempt:  make(map[string]bool, len(exempt)),
	}
	if m.enabled {
		m.digest = sha256.Sum256([]byte(token))
	}
	for _, p := range exempt {
		m.exempt[p] = true
	}
	return m
}

// Enabled reports whether a token is required
func (m *Middleware) Enabled() bool {
	return m.enabled
}

// RequireAuth is middleware that validates the bearer token
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeUnauthorized(w, "missing token")
			return
		}
		if !m.valid(token) {
			writeUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AuthenticatedKey, true)))
	})
}

// valid compares fixed-size digests in constant time
func (m *Middleware) valid(token string) bool {
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(got[:], m.digest[:]) == 1
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="proofmem"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"kind":"unauthorized","message":"` + message + `"}}`))
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Expected format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// IsAuthenticated reports whether the request presented a valid token
func IsAuthenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(AuthenticatedKey).(bool)
	return ok
}
