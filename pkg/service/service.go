// Package service exposes the mix operations callers use: pricing, job
// admission, status, cancellation and output retrieval.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/pipeline"
	"github.com/reelmix/reelmix/pkg/scheduler"
	"github.com/reelmix/reelmix/pkg/store"
)

// Config holds service limits
type Config struct {
	MaxOutputCount int // platform maximum for output_count; 0 selects the default
}

// Service wires the catalog, ledger, store and orchestrator together
type Service struct {
	cfg          Config
	catalog      catalog.Catalog
	store        store.Store
	ledger       *credits.Ledger
	orchestrator scheduler.Orchestrator
	compiler     *pipeline.Compiler
	metrics      *metrics.Metrics
	logger       *logging.Logger
	now          func() time.Time
}

// New creates a service. Metrics may be nil.
func New(cfg Config, cat catalog.Catalog, st store.Store, ledger *credits.Ledger, orch scheduler.Orchestrator, m *metrics.Metrics, logger *logging.Logger) *Service {
	if cfg.MaxOutputCount <= 0 {
		cfg.MaxOutputCount = models.DefaultMaxOutputCount
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{
		cfg:          cfg,
		catalog:      cat,
		store:        st,
		ledger:       ledger,
		orchestrator: orch,
		compiler:     pipeline.NewCompiler(),
		metrics:      m,
		logger:       logger.WithComponent("service"),
		now:          time.Now,
	}
}

// EstimateRequest prices outputs. With a ProjectID the project's stored
// settings are used and the achievable count is computed from its clips;
// Settings, when set, replaces the stored settings.
type EstimateRequest struct {
	ProjectID   string              `json:"project_id,omitempty"`
	Settings    *models.MixSettings `json:"settings,omitempty"`
	OutputCount int                 `json:"output_count,omitempty"`
}

// Estimate is the price of a request
type Estimate struct {
	RequestedOutputs  int     `json:"requested_outputs"`
	AchievableOutputs int     `json:"achievable_outputs"`
	PerOutput         int64   `json:"credits_per_output"`
	Total             int64   `json:"total_credits"`
	Multiplier        float64 `json:"multiplier"`
}

// StartResult is returned by StartJob
type StartResult struct {
	JobID            string `json:"job_id"`
	CreditsDeducted  int64  `json:"credits_deducted"`
	PlannedOutputs   int    `json:"planned_outputs"`
	RequestedOutputs int    `json:"requested_outputs"`
}

// OutputStream is an opened output file. The caller closes Body.
type OutputStream struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// resolveSettings loads and validates the settings a request runs with
func (s *Service) resolveSettings(ctx context.Context, projectID string, override *models.MixSettings, outputCount int) (*models.MixSettings, error) {
	var settings models.MixSettings
	switch {
	case override != nil:
		settings = override.Clone()
	case projectID != "":
		stored, err := s.catalog.GetSettings(ctx, projectID)
		if err != nil {
			return nil, err
		}
		settings = stored.Clone()
	default:
		return nil, mixerr.Newf(mixerr.KindInvalidSettings, "resolve settings", "project_id or settings is required")
	}

	if outputCount > 0 {
		settings.OutputCount = outputCount
	}
	settings.ApplyDefaults()
	if err := settings.Validate(s.cfg.MaxOutputCount); err != nil {
		return nil, err
	}
	return &settings, nil
}

// generate derives the achievable plans for a project
func (s *Service) generate(ctx context.Context, projectID string, settings *models.MixSettings) ([]*mixplan.MixPlan, error) {
	src, err := catalog.LoadSource(ctx, s.catalog, projectID)
	if err != nil {
		return nil, err
	}
	return mixplan.Generate(src.Groups, src.Ungrouped, settings)
}

// EstimateCredits prices a request without reserving anything
func (s *Service) EstimateCredits(ctx context.Context, req EstimateRequest) (*Estimate, error) {
	settings, err := s.resolveSettings(ctx, req.ProjectID, req.Settings, req.OutputCount)
	if err != nil {
		return nil, err
	}

	achievable := settings.OutputCount
	if req.ProjectID != "" {
		plans, err := s.generate(ctx, req.ProjectID, settings)
		if err != nil {
			return nil, err
		}
		achievable = len(plans)
	}

	quote := s.ledger.Estimate(achievable, settings)
	return &Estimate{
		RequestedOutputs:  settings.OutputCount,
		AchievableOutputs: achievable,
		PerOutput:         quote.PerOutput,
		Total:             quote.Total,
		Multiplier:        quote.Multiplier,
	}, nil
}

// StartJob validates the request, sizes the job to the achievable plan
// count, reserves its credits and hands it to the orchestrator. When the
// balance does not cover the price no job is created.
func (s *Service) StartJob(ctx context.Context, projectID string, req models.JobRequest) (*StartResult, error) {
	if req.UserID == "" {
		return nil, mixerr.Newf(mixerr.KindInvalidSettings, "start job", "user_id is required")
	}

	settings, err := s.resolveSettings(ctx, projectID, nil, req.OutputCount)
	if err != nil {
		return nil, err
	}

	plans, err := s.generate(ctx, projectID, settings)
	if err != nil {
		return nil, err
	}

	// Every plan shares the settings, so compiling one rejects unsupported
	// combinations before any credit moves
	if _, err := s.compiler.Compile(plans[0], settings); err != nil {
		return nil, err
	}

	quote := s.ledger.Estimate(len(plans), settings)
	job := &models.Job{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		ProjectID:        projectID,
		Settings:         *settings,
		Status:           models.JobStatusPending,
		RequestedOutputs: settings.OutputCount,
		PlannedOutputs:   len(plans),
		CreditsPerOutput: quote.PerOutput,
		CreditsReserved:  quote.Total,
		CreatedAt:        s.now().UTC(),
	}

	if _, err := s.ledger.ReserveJob(ctx, job); err != nil {
		return nil, err
	}
	s.metrics.JobStarted(job.CreditsReserved)

	s.logger.Info("Job created", map[string]interface{}{
		"job_id":            job.ID,
		"user_id":           job.UserID,
		"project_id":        projectID,
		"requested_outputs": job.RequestedOutputs,
		"planned_outputs":   job.PlannedOutputs,
		"credits":           job.CreditsReserved,
	})

	if err := s.orchestrator.Submit(ctx, job.ID); err != nil {
		// The job is durable and pending; it is picked up on the next start
		s.logger.Warn("Job not dispatched", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}

	return &StartResult{
		JobID:            job.ID,
		CreditsDeducted:  job.CreditsReserved,
		PlannedOutputs:   job.PlannedOutputs,
		RequestedOutputs: job.RequestedOutputs,
	}, nil
}

// GetJob returns the full job record
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetJobStatus returns the end-user view of a job
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusView, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// ListJobs lists jobs matching filter
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// CancelJob cancels a job. A pending job is canceled and refunded at once;
// a processing job stops dispatching, its in-flight transcodes are killed
// and it is refunded for the plans it did not produce. Canceling a finished
// job changes nothing.
func (s *Service) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalState(job.Status) {
		return job, nil
	}

	if job.Status == models.JobStatusPending {
		_, err := s.store.TransitionJob(ctx, jobID, models.JobStatusCanceled, "user canceled", "")
		switch {
		case err == nil:
			s.metrics.JobFinished(string(models.JobStatusCanceled))
			refund, err := s.ledger.Settle(ctx, jobID)
			if err != nil {
				return nil, err
			}
			s.metrics.CreditsRefunded(refund)
			s.logger.Info("Pending job canceled", map[string]interface{}{"job_id": jobID, "refunded": refund})
			return s.store.GetJob(ctx, jobID)
		case !errors.Is(err, store.ErrInvalidTransition):
			return nil, err
		}
		// A worker picked the job up meanwhile and will see the flag
	}

	if err := s.orchestrator.Cancel(ctx, jobID); err != nil {
		return nil, err
	}
	s.logger.Info("Cancel requested", map[string]interface{}{"job_id": jobID})
	return s.store.GetJob(ctx, jobID)
}

// ListOutputs returns a job's outputs ordered by plan index
func (s *Service) ListOutputs(ctx context.Context, jobID string) ([]*models.Output, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListOutputs(ctx, jobID)
}

// ListFailures returns a job's plan failures. Diagnostics are operator-only
// and stripped unless requested.
func (s *Service) ListFailures(ctx context.Context, jobID string, withDiagnostics bool) ([]*models.PlanFailure, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	failures, err := s.store.ListPlanFailures(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !withDiagnostics {
		for _, f := range failures {
			f.Diagnostics = ""
		}
	}
	return failures, nil
}

// OpenOutput opens an output file for streaming
func (s *Service) OpenOutput(ctx context.Context, outputID string) (*OutputStream, error) {
	output, err := s.store.GetOutput(ctx, outputID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(output.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, mixerr.New(mixerr.KindNotFound, "open output",
			fmt.Errorf("file of output %s: %w", outputID, mixerr.ErrNotFound))
	}
	if err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "open output", err)
	}

	size := output.SizeBytes
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return &OutputStream{
		Body:        f,
		ContentType: output.ContentType,
		Filename:    output.Filename,
		Size:        size,
	}, nil
}

// Balance returns a user's credit balance
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// Transactions returns a user's ledger entries, oldest first
func (s *Service) Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	return s.ledger.Transactions(ctx, userID)
}

// Purchase credits a user's balance
func (s *Service) Purchase(ctx context.Context, userID string, amount int64, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, mixerr.Newf(mixerr.KindInvalidSettings, "purchase", "amount must be positive, got %d", amount)
	}
	return s.ledger.Purchase(ctx, userID, amount, description)
}

// HealthCheck verifies the store is reachable
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
