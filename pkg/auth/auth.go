// Package auth checks bearer API keys against a bcrypt hash from config.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// GenerateAPIKey returns a new random API key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash to put in server.api_key_hash
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// Authenticator verifies API keys. bcrypt is deliberately slow, so keys that
// verified once are remembered by their SHA-256 digest.
type Authenticator struct {
	hash []byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewAuthenticator creates an authenticator for a bcrypt hash
func NewAuthenticator(hash string) (*Authenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid API key hash: %w", err)
	}
	return &Authenticator{
		hash:     []byte(hash),
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Verify checks an API key
func (a *Authenticator) Verify(apiKey string) error {
	if apiKey == "" {
		return ErrMissingAPIKey
	}

	digest := sha256.Sum256([]byte(apiKey))
	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(apiKey)); err != nil {
		return ErrInvalidAPIKey
	}

	a.mu.Lock()
	a.verified[digest] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Middleware rejects requests without a valid key. Paths in public are
// served without authentication.
func (a *Authenticator) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if err := a.Verify(APIKey(r)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="reelmix"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKey extracts the key from "Authorization: Bearer <key>" or X-API-Key
func APIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}
