package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/neuroscan/internal/api/middleware"
	"github.com/kiranshivaraju/neuroscan/internal/api/response"
	"github.com/kiranshivaraju/neuroscan/internal/apikey"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// KeyStore is the persistence the admin key endpoints need.
type KeyStore interface {
	GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// CreatedKey is returned once, on creation. Key is never shown again.
type CreatedKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// owner_id defaults to the caller's owner.
func NewCreateKeyHandler(st KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
			OwnerID string   `json:"owner_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		ownerID := callerID
		if req.OwnerID != "" {
			id, err := uuid.Parse(req.OwnerID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
				return
			}
			ownerID = id
		}

		if _, err := st.GetOwner(r.Context(), ownerID); err != nil {
			keyStoreError(w, r, err, "OWNER_NOT_FOUND", "Owner not found")
			return
		}

		key, raw, err := apikey.Generate(ownerID, req.Name, req.Scopes)
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidScope) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.ErrorContext(r.Context(), "generating api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			keyStoreError(w, r, err, "KEY_NOT_FOUND", "Key not found")
			return
		}

		slog.InfoContext(r.Context(), "api key created",
			"key_id", key.ID, "owner_id", ownerID, "key_prefix", key.KeyPrefix)
		response.Created(w, CreatedKey{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(st KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := adminTarget(w, r)
		if !ok {
			return
		}
		keys, err := st.ListAPIKeys(r.Context(), ownerID)
		if err != nil {
			keyStoreError(w, r, err, "OWNER_NOT_FOUND", "Owner not found")
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := adminTarget(w, r)
		if !ok {
			return
		}
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}
		if err := st.RevokeAPIKey(r.Context(), keyID, ownerID); err != nil {
			keyStoreError(w, r, err, "KEY_NOT_FOUND", "Key not found")
			return
		}
		slog.InfoContext(r.Context(), "api key revoked", "key_id", keyID, "owner_id", ownerID)
		response.JSON(w, map[string]any{"id": keyID, "revoked": true})
	}
}

// adminTarget picks the owner from ?owner_id=, defaulting to the caller.
func adminTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	callerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return uuid.Nil, false
	}
	raw := r.URL.Query().Get("owner_id")
	if raw == "" {
		return callerID, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func keyStoreError(w http.ResponseWriter, r *http.Request, err error, notFoundCode, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, notFoundCode, notFoundMsg, nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "Key already exists, retry", nil)
	default:
		slog.ErrorContext(r.Context(), "api key store failed", "path", r.URL.Path, "error", err)
		response.Unavailable(w, "STORE_UNAVAILABLE", "Key store unavailable, retry later", storeRetryAfter)
	}
}
