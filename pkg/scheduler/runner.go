package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/pipeline"
	"github.com/reelmix/reelmix/pkg/retry"
	"github.com/reelmix/reelmix/pkg/store"
	"github.com/reelmix/reelmix/pkg/tracing"
	"github.com/reelmix/reelmix/pkg/transcode"
)

// errJobLost cancels a run whose job was ended by someone else, such as a
// recovery sweep that took this worker for dead
var errJobLost = errors.New("job ended elsewhere")

// Runner executes one job end to end. A single Runner is shared by all
// workers of an orchestrator; its plan semaphore bounds transcodes across
// every job it runs.
type Runner struct {
	store    store.Store
	catalog  catalog.Catalog
	executor *transcode.Executor
	ledger   *credits.Ledger
	compiler *pipeline.Compiler
	plans    *semaphore.Weighted
	cfg      Config
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	logger   *logging.Logger
}

// NewRunner creates a runner. Metrics and tracer may be nil.
func NewRunner(cfg Config, st store.Store, cat catalog.Catalog, executor *transcode.Executor, ledger *credits.Ledger, m *metrics.Metrics, tracer *tracing.Provider, logger *logging.Logger) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Runner{
		store:    st,
		catalog:  cat,
		executor: executor,
		ledger:   ledger,
		compiler: pipeline.NewCompiler(),
		plans:    semaphore.NewWeighted(int64(cfg.MaxConcurrentPlans)),
		cfg:      cfg,
		metrics:  m,
		tracer:   tracer,
		logger:   logger.WithComponent("runner"),
	}
}

// planWork is one plan slot of a job. err is set when the plan can no
// longer be derived from the catalog.
type planWork struct {
	index int
	plan  *mixplan.MixPlan
	err   error
}

// jobRun is the state shared by the plan goroutines of one job
type jobRun struct {
	job       *models.Job
	settings  models.MixSettings
	cancel    context.CancelCauseFunc
	log       *logging.Logger
	startOnce sync.Once
	started   bool
}

// Run executes the job's plans and drives it to a terminal state. A job
// interrupted by ctx (process shutdown) is left as is for the recovery
// sweep; ctx canceled with a cancel request ends it as canceled.
func (r *Runner) Run(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalState(job.Status) {
		return job, nil
	}
	log := r.logger.WithField("job_id", job.ID)

	if job.CancelRequested && job.Status == models.JobStatusPending {
		return r.finish(context.WithoutCancel(ctx), log, job.ID, models.JobStatusCanceled, "canceled before start", "")
	}

	ctx, span := r.tracer.StartJobSpan(ctx, job.ID, job.PlannedOutputs)
	defer span.End()

	work, err := r.derivePlans(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		tracing.SetError(ctx, err)
		log.Error("Failed to derive plans", map[string]interface{}{"error": err.Error()})
		return r.finish(context.WithoutCancel(ctx), log, job.ID, models.JobStatusFailed,
			"plans could not be derived", mixerr.PublicMessage(err))
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	run := &jobRun{
		job:      job,
		settings: job.Settings.Clone(),
		cancel:   cancel,
		log:      log,
	}

	log.Info("Job started", map[string]interface{}{
		"planned_outputs": job.PlannedOutputs,
		"project_id":      job.ProjectID,
	})

	var g errgroup.Group
	g.SetLimit(r.cfg.PerJobConcurrency)
	for _, w := range work {
		if jobCtx.Err() != nil {
			break
		}
		w := w
		g.Go(func() error {
			r.runPlan(jobCtx, run, w)
			return nil
		})
	}
	g.Wait()

	bg := context.WithoutCancel(ctx)
	cause := context.Cause(jobCtx)
	switch {
	case errors.Is(cause, errJobLost):
		current, err := r.store.GetJob(bg, job.ID)
		if err != nil {
			return nil, err
		}
		return current, nil
	case errors.Is(cause, errCancelRequested):
		current, err := r.store.GetJob(bg, job.ID)
		if err != nil {
			return nil, err
		}
		if current.RemainingPlans() > 0 {
			return r.finish(bg, log, job.ID, models.JobStatusCanceled, "user canceled", "")
		}
	case ctx.Err() != nil:
		log.Warn("Job interrupted by shutdown", map[string]interface{}{"cause": fmt.Sprint(cause)})
		current, err := r.store.GetJob(bg, job.ID)
		if err != nil {
			return nil, err
		}
		return current, ctx.Err()
	}

	current, err := r.store.GetJob(bg, job.ID)
	if err != nil {
		return nil, err
	}
	if current.SucceededPlans > 0 {
		return r.finish(bg, log, job.ID, models.JobStatusCompleted, "all plans finished", "")
	}

	failures, err := r.store.ListPlanFailures(bg, job.ID)
	if err != nil {
		log.Warn("Failed to list plan failures", map[string]interface{}{"error": err.Error()})
	}
	msg := summarizeFailures(failures, current.PlannedOutputs)
	tracing.SetError(ctx, errors.New(msg))
	return r.finish(bg, log, job.ID, models.JobStatusFailed, "no plan produced an output", msg)
}

// derivePlans regenerates the job's plans from its settings snapshot. The
// generator is deterministic, so the first PlannedOutputs plans are the ones
// the job was priced for.
func (r *Runner) derivePlans(ctx context.Context, job *models.Job) ([]planWork, error) {
	src, err := catalog.LoadSource(ctx, r.catalog, job.ProjectID)
	if err != nil {
		return nil, err
	}

	settings := job.Settings.Clone()
	plans, err := mixplan.Generate(src.Groups, src.Ungrouped, &settings)
	if err != nil {
		return nil, err
	}

	work := make([]planWork, job.PlannedOutputs)
	for i := range work {
		if i < len(plans) {
			work[i] = planWork{index: plans[i].Index, plan: plans[i]}
			continue
		}
		work[i] = planWork{
			index: i,
			err: mixerr.Newf(mixerr.KindInsufficientSource, "derive",
				"plan %d is no longer achievable from the project's clips", i),
		}
	}
	return work, nil
}

// markStarted moves the job to processing when its first plan starts. It
// reports false when the job may not start: it was canceled or ended by
// another actor in the meantime.
func (r *Runner) markStarted(ctx context.Context, run *jobRun) bool {
	run.startOnce.Do(func() {
		job, err := r.store.TransitionJob(ctx, run.job.ID, models.JobStatusProcessing, "first plan started", "")
		if err != nil {
			run.log.Warn("Job could not start", map[string]interface{}{"error": err.Error()})
			run.cancel(errJobLost)
			return
		}
		if job.CancelRequested {
			run.cancel(errCancelRequested)
			return
		}
		run.started = true
	})
	return run.started
}

func (r *Runner) runPlan(ctx context.Context, run *jobRun, w planWork) {
	if err := r.plans.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.plans.Release(1)

	if ctx.Err() != nil || !r.markStarted(ctx, run) {
		return
	}

	log := run.log.WithField("plan_index", w.index)
	planCtx, span := r.tracer.StartPlanSpan(ctx, run.job.ID, w.index)
	defer span.End()

	output, attempts, err := r.renderPlan(planCtx, run, w, log)
	bg := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		r.metrics.PlanFinished("canceled", string(mixerr.KindCanceled))
		log.Info("Plan canceled", map[string]interface{}{"attempts": attempts})
		return
	}

	if err == nil {
		job, recErr := r.store.RecordPlanResult(bg, run.job.ID, store.PlanResult{Succeeded: true, Output: output})
		if recErr == nil {
			r.metrics.PlanFinished("succeeded", "")
			span.SetAttributes(attribute.String("output.id", output.ID))
			r.afterRecord(run, job)
			return
		}
		os.Remove(output.Path)
		if errors.Is(recErr, store.ErrJobEnded) {
			r.dropResult(run, log)
			return
		}
		err = mixerr.New(mixerr.KindInternal, "register output", recErr)
	}

	tracing.SetError(planCtx, err)
	kind := mixerr.KindOf(err)
	r.metrics.PlanFinished("failed", string(kind))
	log.Warn("Plan failed", map[string]interface{}{
		"kind":     string(kind),
		"attempts": attempts,
		"error":    err.Error(),
	})
	if diag := mixerr.DiagnosticsOf(err); diag != "" {
		log.Debug("Transcoder diagnostics", map[string]interface{}{"stderr": diag})
	}
	failure := &models.PlanFailure{
		JobID:       run.job.ID,
		PlanIndex:   w.index,
		Kind:        string(kind),
		Message:     mixerr.PublicMessage(err),
		Attempts:    attempts,
		Diagnostics: mixerr.DiagnosticsOf(err),
		CreatedAt:   time.Now().UTC(),
	}

	job, recErr := r.store.RecordPlanResult(bg, run.job.ID, store.PlanResult{Failure: failure})
	switch {
	case errors.Is(recErr, store.ErrJobEnded):
		r.dropResult(run, log)
	case recErr != nil:
		log.Error("Failed to record plan result", map[string]interface{}{"error": recErr.Error()})
	default:
		r.afterRecord(run, job)
	}
}

func (r *Runner) afterRecord(run *jobRun, job *models.Job) {
	if job.CancelRequested {
		run.cancel(errCancelRequested)
	}
}

// dropResult stops a run whose job was ended by another actor. Its results
// are discarded: the job was settled as it stood.
func (r *Runner) dropResult(run *jobRun, log *logging.Logger) {
	log.Warn("Job ended elsewhere, plan result discarded")
	run.cancel(errJobLost)
}

// renderPlan compiles and transcodes one plan with retries. It returns the
// number of transcode attempts made.
func (r *Runner) renderPlan(ctx context.Context, run *jobRun, w planWork, log *logging.Logger) (*models.Output, int, error) {
	if w.err != nil {
		return nil, 0, w.err
	}

	spec, err := r.compiler.Compile(w.plan, &run.settings)
	if err != nil {
		return nil, 0, err
	}

	workDir := filepath.Join(r.cfg.WorkDir, run.job.ID, fmt.Sprintf("plan_%03d", w.index))
	defer os.RemoveAll(workDir)

	cfg := r.cfg.retryConfig()
	cfg.RetryIf = newRetryPolicy()
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		kind := string(mixerr.KindOf(err))
		r.metrics.PlanRetried(kind)
		tracing.AddEvent(ctx, "retry",
			attribute.Int("attempt", attempt),
			attribute.String("kind", kind),
		)
		log.Warn("Retrying plan", map[string]interface{}{
			"attempt": attempt,
			"kind":    kind,
			"backoff": backoff.String(),
		})
	}

	var output *models.Output
	attempts, err := retry.DoAttempts(ctx, cfg, func(attempt int) error {
		done := r.metrics.TranscodeStarted()
		out, err := r.executor.Execute(ctx, run.job, w.plan, spec, workDir, planProgress(log, attempt))
		if err != nil {
			done(string(mixerr.KindOf(err)))
			return err
		}
		done("succeeded")
		output = out
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return output, attempts, nil
}

// planProgress logs render progress at debug level in quarter steps
func planProgress(log *logging.Logger, attempt int) transcode.ProgressFunc {
	next := 25.0
	return func(percent float64) {
		if percent < next {
			return
		}
		for next <= percent {
			next += 25
		}
		log.Debug("Plan progress", map[string]interface{}{
			"percent": int(percent),
			"attempt": attempt,
		})
	}
}

// newRetryPolicy retries transcoder failures, retries a timeout only once
// per plan, and never retries corrupt input or cancellation.
func newRetryPolicy() func(attempt int, err error) bool {
	timeouts := 0
	return func(attempt int, err error) bool {
		switch mixerr.KindOf(err) {
		case mixerr.KindTranscodeFailed:
			return true
		case mixerr.KindTranscodeTimeout:
			timeouts++
			return timeouts <= 1
		default:
			return false
		}
	}
}

// finish applies a terminal transition and settles the job's credits. A
// job already ended by another actor is settled as it stands.
func (r *Runner) finish(ctx context.Context, log *logging.Logger, jobID string, to models.JobStatus, reason, errMsg string) (*models.Job, error) {
	job, err := r.store.TransitionJob(ctx, jobID, to, reason, errMsg)
	switch {
	case err == nil:
		r.metrics.JobFinished(string(job.Status))
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("Job already ended", map[string]interface{}{"wanted": string(to), "error": err.Error()})
	default:
		return nil, err
	}

	refund, err := r.ledger.Settle(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotSettleable) {
		log.Error("Failed to settle credits", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	r.metrics.CreditsRefunded(refund)

	job, err = r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log.Info("Job finished", map[string]interface{}{
		"status":    string(job.Status),
		"succeeded": job.SucceededPlans,
		"failed":    job.FailedPlans,
		"refunded":  refund,
	})
	return job, nil
}

// summarizeFailures builds the job error when no plan succeeded
func summarizeFailures(failures []*models.PlanFailure, planned int) string {
	if len(failures) == 0 {
		return fmt.Sprintf("none of the %d planned outputs could be produced", planned)
	}

	counts := make(map[string]int)
	for _, f := range failures {
		counts[f.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	parts := make([]string, len(kinds))
	for i, kind := range kinds {
		parts[i] = fmt.Sprintf("%s x%d", kind, counts[kind])
	}
	return fmt.Sprintf("all %d plans failed: %s", planned, strings.Join(parts, ", "))
}
