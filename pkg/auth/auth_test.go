package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, string) {
	t.Helper()
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	// MinCost keeps the suite fast
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	a, err := NewAuthenticator(string(hash))
	require.NoError(t, err)
	return a, key
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	_, err = HashAPIKey("")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewAuthenticatorRejectsBadHash(t *testing.T) {
	_, err := NewAuthenticator("not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	a, key := newTestAuthenticator(t)

	assert.NoError(t, a.Verify(key))
	assert.NoError(t, a.Verify(key), "cached verification")
	assert.ErrorIs(t, a.Verify("wrong"), ErrInvalidAPIKey)
	assert.ErrorIs(t, a.Verify(""), ErrMissingAPIKey)
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"bearer", "Authorization", "Bearer abc", "abc"},
		{"basic scheme ignored", "Authorization", "Basic abc", ""},
		{"x-api-key", "X-API-Key", "xyz", "xyz"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			assert.Equal(t, tt.want, APIKey(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	a, key := newTestAuthenticator(t)
	h := a.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"valid key", "/jobs/1", key, http.StatusNoContent},
		{"wrong key", "/jobs/1", "nope", http.StatusUnauthorized},
		{"missing key", "/jobs/1", "", http.StatusUnauthorized},
		{"public path", "/health", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.path, nil)
			if tt.key != "" {
				r.Header.Set("Authorization", "Bearer "+tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}
