package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Identity is the authenticated billing account behind a request. The wider
// account record (balance, lifetime counters) lives in the ledger; auth only
// carries what request handling needs.
type Identity struct {
	AccountID string
	Name      string
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// AccountLookup is the interface for resolving a key hash to an account.
type AccountLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Identity, error)
}

// Service provides authentication operations backed by an account store.
type Service struct {
	store AccountLookup
}

// NewService creates a new authentication service.
func NewService(store AccountLookup) *Service {
	return &Service{store: store}
}

// GenerateAPIKey creates a new API key with the "obol_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "obol_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
