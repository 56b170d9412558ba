package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	ownerIDKey      contextKey = "owner_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	ownerHolderKey  contextKey = "owner_holder"
)

// ownerHolder lets Logger see the owner resolved further down the chain.
type ownerHolder struct {
	set bool
	id  uuid.UUID
}

func withOwnerHolder(ctx context.Context, h *ownerHolder) context.Context {
	return context.WithValue(ctx, ownerHolderKey, h)
}

// SetOwnerID attaches the authenticated owner to ctx.
func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	if h, ok := ctx.Value(ownerHolderKey).(*ownerHolder); ok {
		h.set, h.id = true, id
	}
	return context.WithValue(ctx, ownerIDKey, id)
}

// GetOwnerID returns the owner set by Authenticate.
func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}

// SetKeyPrefix attaches the API key prefix used for rate limiting.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// SetScopes attaches the API key scopes checked by RequireScope.
func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
