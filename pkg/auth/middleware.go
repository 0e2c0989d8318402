package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SessionValidator accepts a user session token as an alternative credential.
type SessionValidator interface {
	ValidSession(token string) bool
}

// KeyGuard admits requests that present one of the application API keys,
// either as a bearer token or in X-API-Token, or a valid session token.
type KeyGuard struct {
	keys     [][]byte
	sessions SessionValidator
}

func NewKeyGuard(keys []string, sessions SessionValidator) *KeyGuard {
	g := &KeyGuard{sessions: sessions}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			g.keys = append(g.keys, []byte(k))
		}
	}
	return g
}

func (g *KeyGuard) credential(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Token"))
}

// Allow reports whether r carries an accepted credential.
func (g *KeyGuard) Allow(r *http.Request) bool {
	cred := g.credential(r)
	if cred == "" {
		return false
	}
	match := 0
	for _, k := range g.keys {
		match |= subtle.ConstantTimeCompare(k, []byte(cred))
	}
	if match == 1 {
		return true
	}
	return g.sessions != nil && g.sessions.ValidSession(cred)
}

// Middleware rejects requests without an accepted credential.
func (g *KeyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
