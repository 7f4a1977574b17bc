// Package middleware carries the HTTP cross-cutting concerns: bearer-token
// authentication and registration rate limiting.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/store"
)

type contextKey string

const agentKey contextKey = "agent"

// AgentFrom returns the authenticated agent stored on the request context.
func AgentFrom(ctx context.Context) (*store.Agent, bool) {
	agent, ok := ctx.Value(agentKey).(*store.Agent)
	return agent, ok
}

// HashAPIKey is the stored form of a bearer token.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Auth resolves the bearer token to an agent and rejects requests without a
// valid one. Tokens look like <prefix>_<32 hex>; only their SHA-256 digest
// is ever stored or compared.
func Auth(st *store.Store, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpapi.WriteError(w, httpapi.Unauthorized("missing bearer token"))
			return
		}
		agent, err := st.GetAgentByAPIKeyHash(r.Context(), HashAPIKey(token))
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteError(w, httpapi.Unauthorized("unknown credential"))
			return
		}
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
	}
}

// OptionalAuth attaches the agent when a valid token is present but lets
// anonymous requests through. Market browsing uses it to exclude the
// caller's own jobs.
func OptionalAuth(st *store.Store, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if agent, err := st.GetAgentByAPIKeyHash(r.Context(), HashAPIKey(token)); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), agentKey, agent))
			}
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
