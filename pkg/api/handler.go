package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/service"
	"github.com/reelmix/reelmix/pkg/store"
)

// MixService is the application surface the HTTP API serves
type MixService interface {
	EstimateCredits(ctx context.Context, req service.EstimateRequest) (*service.Estimate, error)
	StartJob(ctx context.Context, projectID string, req models.JobRequest) (*service.StartResult, error)
	GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusView, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	CancelJob(ctx context.Context, jobID string) (*models.Job, error)
	ListOutputs(ctx context.Context, jobID string) ([]*models.Output, error)
	ListFailures(ctx context.Context, jobID string, withDiagnostics bool) ([]*models.PlanFailure, error)
	OpenOutput(ctx context.Context, outputID string) (*service.OutputStream, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
	Purchase(ctx context.Context, userID string, amount int64, description string) (*models.CreditTransaction, error)
	HealthCheck(ctx context.Context) error
}

// Handler handles mix API requests
type Handler struct {
	svc    MixService
	logger *logging.Logger
}

// NewHandler creates a new handler
func NewHandler(svc MixService, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Handler{svc: svc, logger: logger.WithComponent("api")}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/estimate", h.Estimate).Methods("POST")

	// Job routes
	r.HandleFunc("/projects/{id}/jobs", h.StartJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/outputs", h.ListOutputs).Methods("GET")
	r.HandleFunc("/jobs/{id}/failures", h.ListFailures).Methods("GET")
	r.HandleFunc("/outputs/{id}/download", h.DownloadOutput).Methods("GET")

	// Credit routes
	r.HandleFunc("/users/{id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/users/{id}/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/users/{id}/credits", h.PurchaseCredits).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Estimate prices a request without reserving credits
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req service.EstimateRequest
	if !h.decode(w, r, &req) {
		return
	}

	est, err := h.svc.EstimateCredits(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// StartJob creates a job for a project and reserves its credits
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	var req models.JobRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.StartJob(r.Context(), projectID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Job accepted", map[string]interface{}{
		"job_id":          res.JobID,
		"project_id":      projectID,
		"planned_outputs": res.PlannedOutputs,
	})
	writeJSON(w, http.StatusCreated, res)
}

// ListJobs lists jobs, optionally filtered by user_id and status
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: models.JobStatus(r.URL.Query().Get("status")),
	}

	jobs, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]*models.JobStatusView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"count": len(views),
	})
}

// GetJob returns a job's status
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetJobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelJob cancels a pending or processing job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// ListOutputs returns a job's produced outputs
func (h *Handler) ListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := h.svc.ListOutputs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if outputs == nil {
		outputs = []*models.Output{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outputs": outputs,
		"count":   len(outputs),
	})
}

// ListFailures returns a job's plan failures. ?diagnostics=true includes
// the raw tool output.
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	withDiag, _ := strconv.ParseBool(r.URL.Query().Get("diagnostics"))

	failures, err := h.svc.ListFailures(r.Context(), mux.Vars(r)["id"], withDiag)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if failures == nil {
		failures = []*models.PlanFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": failures,
		"count":    len(failures),
	})
}

// DownloadOutput streams an output file
func (h *Handler) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	stream, err := h.svc.OpenOutput(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+stream.Filename+`"`)

	// Files support range requests; other bodies are copied as is
	if rs, ok := stream.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, stream.Filename, modTime(stream.Body), rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream.Body); err != nil {
		h.logger.Warn("Output download interrupted", map[string]interface{}{
			"output_id": mux.Vars(r)["id"],
			"error":     err.Error(),
		})
	}
}

// GetBalance returns a user's credit balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// ListTransactions returns a user's ledger entries
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.Transactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// PurchaseRequest credits a user's balance
type PurchaseRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// PurchaseCredits adds credits to a user's balance
func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.svc.Purchase(r.Context(), mux.Vars(r)["id"], req.Amount, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Health reports whether the store is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.HealthCheck(r.Context()); err != nil {
		h.logger.Error("Health check failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
