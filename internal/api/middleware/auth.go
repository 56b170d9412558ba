package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/neuroscan/internal/apikey"
	"github.com/kiranshivaraju/neuroscan/internal/api/response"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

const lastUsedTimeout = 5 * time.Second

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store store.Store
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// owner_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		prefix := apikey.Prefix(rawKey)
		if prefix == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			w.Header().Set("Retry-After", "5")
			response.Error(w, http.StatusServiceUnavailable,
				"STORE_UNAVAILABLE", "Failed to validate API key", nil)
			return
		}

		key := matchKey(keys, rawKey)
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		go a.touch(key)

		ctx := r.Context()
		ctx = SetOwnerID(ctx, key.OwnerID)
		ctx = SetKeyPrefix(ctx, prefix)
		ctx = SetScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !apikey.HasScope(getScopes(r), scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) touch(key *models.APIKey) {
	ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		slog.Warn("failed to update api key last_used_at", "key_id", key.ID, "error", err)
	}
}

func matchKey(keys []*models.APIKey, rawKey string) *models.APIKey {
	for _, key := range keys {
		if apikey.Verify(key, rawKey) {
			return key
		}
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
