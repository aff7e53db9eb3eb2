package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServer(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	oldURL, oldKey := serverURL, apiKey
	serverURL, apiKey = srv.URL+"/", "secret"
	t.Cleanup(func() { serverURL, apiKey = oldURL, oldKey })
}

func TestDoJSON(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/users/u1/balance", r.URL.Path)
		json.NewEncoder(w).Encode(balanceResponse{UserID: "u1", Balance: 42})
	})

	var res balanceResponse
	require.NoError(t, doJSON("GET", "/users/u1/balance", nil, &res))
	assert.Equal(t, int64(42), res.Balance)
}

func TestDoJSONError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"balance 5 does not cover the 80 required","kind":"insufficient_credits"}`))
	})

	err := doJSON("POST", "/projects/p1/jobs", map[string]int{"output_count": 8}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Equal(t, "insufficient_credits", apiErr.Kind)
	assert.Contains(t, err.Error(), "does not cover")
}

func TestDoJSONPlainError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	err := doJSON("GET", "/health", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "mix_003.mp4", filenameFromDisposition(`attachment; filename="mix_003.mp4"`))
	assert.Equal(t, "", filenameFromDisposition(""))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.n))
	}
}

func TestScrapeMetrics(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(`# HELP reelmix_jobs Stored jobs by status
# TYPE reelmix_jobs gauge
reelmix_jobs{status="pending"} 2
reelmix_jobs{status="processing"} 1
# TYPE go_goroutines gauge
go_goroutines 12
`))
	})

	samples, err := scrapeMetrics(GetServerURL() + "/metrics")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "go_goroutines", samples[0].Name)
	assert.Equal(t, "reelmix_jobs", samples[1].Name)
	assert.Equal(t, `status="pending"`, samples[1].LabelString())
	assert.Equal(t, 2.0, samples[1].Value)
}

func TestScrapeMetricsUnauthorized(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing api key", http.StatusUnauthorized)
	})

	_, err := scrapeMetrics(GetServerURL() + "/metrics")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
