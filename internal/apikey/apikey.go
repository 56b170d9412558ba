// Package apikey mints and verifies bearer API keys. Only a bcrypt hash and
// a short lookup prefix are ever stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

const (
	// PrefixLen is the number of leading characters stored in clear for lookup.
	PrefixLen = 8
	keyTag    = "nsk_"

	ScopeScans = "scans"
	ScopeAdmin = "admin"
)

var ErrInvalidScope = errors.New("invalid scope")

// Generate mints a new key for owner. The raw key is returned once and
// never stored.
func Generate(ownerID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeScans}
	}
	for _, s := range scopes {
		if s != ScopeScans && s != ScopeAdmin {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating key: %w", err)
	}
	raw := keyTag + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: Prefix(raw),
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}

// Prefix returns the lookup prefix of a raw key, or "" if it is too short.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return ""
	}
	return raw[:PrefixLen]
}

// Verify reports whether raw matches the stored key.
func Verify(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}

// HasScope reports whether scopes include want.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
