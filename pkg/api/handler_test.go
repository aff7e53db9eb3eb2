package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/reelmix/reelmix/pkg/api"
	"github.com/reelmix/reelmix/pkg/auth"
	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/service"
	"github.com/reelmix/reelmix/pkg/store"
)

const testKey = "test-api-key"

// nopOrchestrator accepts jobs and leaves them pending
type nopOrchestrator struct{}

func (nopOrchestrator) Start(ctx context.Context) error                { return nil }
func (nopOrchestrator) Submit(ctx context.Context, jobID string) error { return nil }
func (nopOrchestrator) Cancel(ctx context.Context, jobID string) error { return nil }
func (nopOrchestrator) Shutdown(ctx context.Context) error             { return nil }

type testServer struct {
	router  http.Handler
	store   *store.MemoryStore
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	ledger := credits.NewLedger(st, 10, nil)

	cat.SetSettings("p1", &models.MixSettings{GroupMixing: true})
	for g, name := range []string{"hook", "body", "cta"} {
		cat.AddGroup(&models.Group{
			ID:           name,
			ProjectID:    "p1",
			Name:         name,
			DisplayOrder: g,
			Clips: []*models.Clip{
				{ID: name + "-a", Duration: 3, Path: "/media/" + name + "-a.mp4", HasAudio: true},
				{ID: name + "-b", Duration: 4, Path: "/media/" + name + "-b.mp4", HasAudio: true},
			},
		})
	}

	_, err := ledger.Purchase(context.Background(), "u1", 50, "")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator(string(hash))
	require.NoError(t, err)

	m := metrics.New()
	svc := service.New(service.Config{}, cat, st, ledger, nopOrchestrator{}, m, nil)
	router := api.NewRouter(api.NewHandler(svc, nil), api.RouterOptions{
		Auth:    authn,
		Metrics: m,
	})
	return &testServer{router: router, store: st, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/users/u1/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartJobAndStatus(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/projects/p1/jobs", `{"user_id":"u1","output_count":4}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res service.StartResult
	decode(t, w, &res)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 4, res.PlannedOutputs)
	assert.Equal(t, int64(40), res.CreditsDeducted)

	w = s.do(t, "GET", "/jobs/"+res.JobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var view models.JobStatusView
	decode(t, w, &view)
	assert.Equal(t, models.JobStatusPending, view.Status)
	assert.Equal(t, 4, view.PlannedOutputs)

	w = s.do(t, "GET", "/jobs?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs  []models.JobStatusView `json:"jobs"`
		Count int                    `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	w = s.do(t, "GET", "/users/u1/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	decode(t, w, &bal)
	assert.Equal(t, int64(10), bal.Balance)
}

func TestStartJobErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		kind    string
		message string
	}{
		{
			name:    "insufficient credits",
			path:    "/projects/p1/jobs",
			body:    `{"user_id":"u1","output_count":20}`,
			status:  http.StatusPaymentRequired,
			kind:    "insufficient_credits",
			message: "does not cover the 80 required",
		},
		{
			name:   "output count above maximum",
			path:   "/projects/p1/jobs",
			body:   `{"user_id":"u1","output_count":100000}`,
			status: http.StatusUnprocessableEntity,
			kind:   "invalid_settings",
		},
		{
			name:   "unknown project",
			path:   "/projects/nope/jobs",
			body:   `{"user_id":"u1"}`,
			status: http.StatusNotFound,
			kind:   "not_found",
		},
		{
			name:   "unknown field",
			path:   "/projects/p1/jobs",
			body:   `{"user_id":"u1","priority":"high"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed body",
			path:   "/projects/p1/jobs",
			body:   `{"user_id":`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(t, "POST", tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			var e api.ErrorResponse
			decode(t, w, &e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.NotEmpty(t, e.Error)
			if tt.message != "" {
				assert.Contains(t, e.Error, tt.message)
			}
		})
	}
}

func TestEstimate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/estimate", `{"project_id":"p1","output_count":20}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var est service.Estimate
	decode(t, w, &est)
	assert.Equal(t, 20, est.RequestedOutputs)
	assert.Equal(t, 8, est.AchievableOutputs)
	assert.Equal(t, int64(80), est.Total)
}

func TestCancelPendingJob(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/projects/p1/jobs", `{"user_id":"u1","output_count":3}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.StartResult
	decode(t, w, &res)

	w = s.do(t, "POST", "/jobs/"+res.JobID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view models.JobStatusView
	decode(t, w, &view)
	assert.Equal(t, models.JobStatusCanceled, view.Status)

	w = s.do(t, "GET", "/users/u1/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var txs struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	decode(t, w, &txs)
	require.Len(t, txs.Transactions, 3)
	assert.Equal(t, models.TransactionRefund, txs.Transactions[2].Type)
	assert.Equal(t, int64(30), txs.Transactions[2].Amount)

	w = s.do(t, "POST", "/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutputsFailuresAndDownload(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	w := s.do(t, "POST", "/projects/p1/jobs", `{"user_id":"u1","output_count":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.StartResult
	decode(t, w, &res)

	path := filepath.Join(t.TempDir(), "mix_000.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video-bytes"), 0o644))
	require.NoError(t, s.store.SaveOutput(ctx, &models.Output{
		ID:          "out-1",
		JobID:       res.JobID,
		PlanIndex:   0,
		Path:        path,
		Filename:    "mix_000.mp4",
		Format:      "mp4",
		ContentType: "video/mp4",
		SizeBytes:   11,
		CreatedAt:   time.Now(),
	}))
	require.NoError(t, s.store.SavePlanFailure(ctx, &models.PlanFailure{
		JobID:       res.JobID,
		PlanIndex:   1,
		Kind:        "input_corrupt",
		Message:     "a source clip could not be read",
		Attempts:    1,
		Diagnostics: "moov atom not found",
	}))

	w = s.do(t, "GET", "/jobs/"+res.JobID+"/outputs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), path, "storage paths stay private")
	var outputs struct {
		Outputs []models.Output `json:"outputs"`
		Count   int             `json:"count"`
	}
	decode(t, w, &outputs)
	require.Equal(t, 1, outputs.Count)
	assert.Equal(t, "out-1", outputs.Outputs[0].ID)

	w = s.do(t, "GET", "/jobs/"+res.JobID+"/failures", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a source clip could not be read")
	assert.NotContains(t, w.Body.String(), "moov")

	w = s.do(t, "GET", "/jobs/"+res.JobID+"/failures?diagnostics=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "moov atom not found")

	w = s.do(t, "GET", "/outputs/out-1/download", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video-bytes", w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="mix_000.mp4"`)

	w = s.do(t, "GET", "/outputs/missing/download", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPurchaseCredits(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/users/u2/credits", `{"amount":250,"description":"starter pack"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tx models.CreditTransaction
	decode(t, w, &tx)
	assert.Equal(t, int64(250), tx.Amount)
	assert.Equal(t, models.TransactionPurchase, tx.Type)

	w = s.do(t, "POST", "/users/u2/credits", `{"amount":-5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/nodes", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestRequestsAreCountedByRoute(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "GET", "/jobs/a", "")
	s.do(t, "GET", "/jobs/b", "")

	w := httptest.NewRecorder()
	s.metrics.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `route="/jobs/{id}"`)
}
