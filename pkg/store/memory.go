package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelmix/reelmix/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	mu           sync.RWMutex
	jobs         map[string]*models.Job
	outputs      map[string]*models.Output
	failures     map[string][]*models.PlanFailure
	balances     map[string]int64
	transactions []*models.CreditTransaction
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		outputs:  make(map[string]*models.Output),
		failures: make(map[string][]*models.PlanFailure),
		balances: make(map[string]int64),
	}
}

// Job operations

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJobLocked(job)
}

func (s *MemoryStore) createJobLocked(job *models.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns matching jobs, oldest first
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sortJobs(jobs)
	return jobs, nil
}

// ClaimNextPending claims the oldest pending job without a live claim
func (s *MemoryStore) ClaimNextPending(ctx context.Context, workerID string, staleBefore time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending || job.CancelRequested {
			continue
		}
		if job.ClaimLive("", staleBefore) {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) ||
			(job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, ErrNoPendingJobs
	}
	claim(next, workerID, time.Now().UTC())
	return cloneJob(next), nil
}

// ClaimJob claims a pending job for workerID
func (s *MemoryStore) ClaimJob(ctx context.Context, id, workerID string, staleBefore time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := checkClaimable(job, workerID, staleBefore); err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusPending {
		claim(job, workerID, time.Now().UTC())
	}
	return cloneJob(job), nil
}

// RenewClaims refreshes the claims workerID holds on unfinished jobs
func (s *MemoryStore) RenewClaims(ctx context.Context, workerID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	renewed := 0
	for _, job := range s.jobs {
		if job.ClaimedBy == workerID && !models.IsTerminalState(job.Status) {
			claim(job, workerID, at)
			renewed++
		}
	}
	return renewed, nil
}

// ReleaseClaims clears claims on pending jobs that no live worker holds
func (s *MemoryStore) ReleaseClaims(ctx context.Context, self string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending || job.ClaimedBy == "" || job.ClaimLive(self, staleBefore) {
			continue
		}
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		released++
	}
	return released, nil
}

// FailAbandoned fails processing jobs that no live worker claims
func (s *MemoryStore) FailAbandoned(ctx context.Context, self string, staleBefore time.Time, reason, errMsg string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusProcessing || job.ClaimLive(self, staleBefore) {
			continue
		}
		if err := job.Transition(models.JobStatusFailed, reason, time.Now().UTC()); err != nil {
			continue
		}
		if errMsg != "" {
			job.Error = errMsg
		}
		failed = append(failed, cloneJob(job))
	}
	sortJobs(failed)
	return failed, nil
}

// TransitionJob validates and applies a status change
func (s *MemoryStore) TransitionJob(ctx context.Context, id string, to models.JobStatus, reason, errMsg string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status == to {
		return cloneJob(job), nil
	}
	if err := job.Transition(to, reason, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	return cloneJob(job), nil
}

// RecordPlanResult stores a plan's outcome and counts it
func (s *MemoryStore) RecordPlanResult(ctx context.Context, id string, result PlanResult) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if models.IsTerminalState(job.Status) {
		return nil, ErrJobEnded
	}
	if result.Output != nil {
		s.saveOutputLocked(result.Output)
	}
	if result.Failure != nil {
		s.savePlanFailureLocked(result.Failure)
	}
	applyPlanResult(job, result.Succeeded)
	return cloneJob(job), nil
}

// RequestCancel flags the job for cancellation
func (s *MemoryStore) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !models.IsTerminalState(job.Status) {
		job.CancelRequested = true
	}
	return cloneJob(job), nil
}

// Output operations

// SaveOutput registers a produced output of an unfinished job
func (s *MemoryStore) SaveOutput(ctx context.Context, output *models.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[output.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if models.IsTerminalState(job.Status) {
		return ErrJobEnded
	}
	s.saveOutputLocked(output)
	return nil
}

func (s *MemoryStore) saveOutputLocked(output *models.Output) {
	copied := *output
	s.outputs[output.ID] = &copied
}

// GetOutput retrieves an output by ID
func (s *MemoryStore) GetOutput(ctx context.Context, id string) (*models.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	output, ok := s.outputs[id]
	if !ok {
		return nil, ErrOutputNotFound
	}
	copied := *output
	return &copied, nil
}

// ListOutputs returns the outputs of a job in plan order
func (s *MemoryStore) ListOutputs(ctx context.Context, jobID string) ([]*models.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outputs []*models.Output
	for _, output := range s.outputs {
		if output.JobID == jobID {
			copied := *output
			outputs = append(outputs, &copied)
		}
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].PlanIndex < outputs[j].PlanIndex })
	return outputs, nil
}

// SavePlanFailure records a failed plan
func (s *MemoryStore) SavePlanFailure(ctx context.Context, failure *models.PlanFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.savePlanFailureLocked(failure)
	return nil
}

func (s *MemoryStore) savePlanFailureLocked(failure *models.PlanFailure) {
	copied := *failure
	s.failures[failure.JobID] = append(s.failures[failure.JobID], &copied)
}

// ListPlanFailures returns the failures of a job in plan order
func (s *MemoryStore) ListPlanFailures(ctx context.Context, jobID string) ([]*models.PlanFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failures := make([]*models.PlanFailure, 0, len(s.failures[jobID]))
	for _, f := range s.failures[jobID] {
		copied := *f
		failures = append(failures, &copied)
	}
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].PlanIndex < failures[j].PlanIndex })
	return failures, nil
}

// Ledger operations

// GetBalance returns the user's balance; unknown users have 0
func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

// Reserve debits credits and optionally creates the job in one step
func (s *MemoryStore) Reserve(ctx context.Context, r Reservation) (*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[r.UserID]
	if r.Amount > balance {
		return nil, insufficientCredits(balance, r.Amount)
	}
	if r.Job != nil {
		if err := s.createJobLocked(r.Job); err != nil {
			return nil, err
		}
	}

	s.balances[r.UserID] = balance - r.Amount
	txn := newTransaction(r.UserID, r.JobID, -r.Amount, models.TransactionUsage, r.Description, r.At)
	s.transactions = append(s.transactions, txn)
	copied := *txn
	return &copied, nil
}

// Settle refunds the unproduced plans of a terminal job once
func (s *MemoryStore) Settle(ctx context.Context, jobID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	if job.Settled {
		return 0, nil
	}
	if !models.IsTerminalState(job.Status) {
		return 0, ErrJobNotSettleable
	}

	refund := job.RefundDue()
	job.Settled = true
	job.CreditsRefunded = refund
	if refund > 0 {
		s.balances[job.UserID] += refund
		s.transactions = append(s.transactions, newTransaction(job.UserID, job.ID, refund,
			models.TransactionRefund, refundDescription(job), at))
	}
	return refund, nil
}

// Purchase credits a user's balance
func (s *MemoryStore) Purchase(ctx context.Context, userID string, amount int64, description string, at time.Time) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("purchase amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] += amount
	txn := newTransaction(userID, "", amount, models.TransactionPurchase, description, at)
	s.transactions = append(s.transactions, txn)
	copied := *txn
	return &copied, nil
}

// ListTransactions returns a user's ledger entries, oldest first
func (s *MemoryStore) ListTransactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txns []*models.CreditTransaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			copied := *t
			txns = append(txns, &copied)
		}
	}
	return txns, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Helpers shared with the SQL stores

func applyPlanResult(job *models.Job, succeeded bool) {
	job.CompletedPlans++
	if succeeded {
		job.SucceededPlans++
	} else {
		job.FailedPlans++
	}
	job.Progress = job.ComputeProgress()
}

func claim(job *models.Job, workerID string, at time.Time) {
	at = at.UTC()
	job.ClaimedBy = workerID
	job.ClaimedAt = &at
}

// checkClaimable reports whether workerID may claim job. Terminal jobs are
// claimable in the sense that the caller gets them back untouched.
func checkClaimable(job *models.Job, workerID string, staleBefore time.Time) error {
	switch {
	case models.IsTerminalState(job.Status):
		return nil
	case job.Status != models.JobStatusPending:
		return ErrJobClaimed
	case job.ClaimLive(workerID, staleBefore):
		return ErrJobClaimed
	}
	return nil
}

func newTransaction(userID, jobID string, amount int64, kind models.TransactionType, description string, at time.Time) *models.CreditTransaction {
	if at.IsZero() {
		at = time.Now()
	}
	return &models.CreditTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		JobID:       jobID,
		Amount:      amount,
		Type:        kind,
		Description: description,
		CreatedAt:   at.UTC(),
	}
}

func refundDescription(job *models.Job) string {
	return fmt.Sprintf("refund for %d of %d planned outputs not produced",
		job.PlannedOutputs-job.SucceededPlans, job.PlannedOutputs)
}

func cloneJob(job *models.Job) *models.Job {
	copied := *job
	copied.Settings = job.Settings.Clone()
	if job.StartedAt != nil {
		t := *job.StartedAt
		copied.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		copied.CompletedAt = &t
	}
	if job.ClaimedAt != nil {
		t := *job.ClaimedAt
		copied.ClaimedAt = &t
	}
	copied.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	return &copied
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
