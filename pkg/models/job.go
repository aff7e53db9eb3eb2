package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Credits reserved, waiting for a worker
	JobStatusProcessing JobStatus = "processing" // At least one plan has started
	JobStatusCompleted  JobStatus = "completed"  // At least one output produced
	JobStatusFailed     JobStatus = "failed"     // No output produced, or interrupted
	JobStatusCanceled   JobStatus = "canceled"   // Explicitly canceled by user
)

// Job is one mix-generation request sized to the achievable plan count
type Job struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	ProjectID        string      `json:"project_id"`
	Settings         MixSettings `json:"settings"`
	Status           JobStatus   `json:"status"`
	Progress         int         `json:"progress"` // 0-100%
	RequestedOutputs int         `json:"requested_outputs"`
	PlannedOutputs   int         `json:"planned_outputs"`
	CompletedPlans   int         `json:"completed_plans"`
	SucceededPlans   int         `json:"succeeded_plans"`
	FailedPlans      int         `json:"failed_plans"`
	CreditsPerOutput int64       `json:"credits_per_output"`
	CreditsReserved  int64       `json:"credits_reserved"`
	CreditsRefunded  int64       `json:"credits_refunded"`
	Settled          bool        `json:"settled"`
	CancelRequested  bool        `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Error            string      `json:"error,omitempty"`

	// ClaimedBy is the worker running the job; ClaimedAt is renewed while
	// it runs, so a stale value means the worker is gone
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest represents a request to start a job for a project
type JobRequest struct {
	UserID      string `json:"user_id"`
	OutputCount int    `json:"output_count,omitempty"` // overrides the stored settings when set
}

// JobStatusView is the end-user view returned by status queries
type JobStatusView struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	Progress       int       `json:"progress"`
	PlannedOutputs int       `json:"planned_outputs"`
	SucceededPlans int       `json:"succeeded_plans"`
	FailedPlans    int       `json:"failed_plans"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// RemainingPlans is the number of plans that have not finished
func (j *Job) RemainingPlans() int {
	return j.PlannedOutputs - j.CompletedPlans
}

// RefundDue is the credit amount owed for plans that did not produce an output
func (j *Job) RefundDue() int64 {
	unproduced := j.PlannedOutputs - j.SucceededPlans
	if unproduced < 0 {
		unproduced = 0
	}
	return j.CreditsPerOutput * int64(unproduced)
}

// ComputeProgress returns completed/planned as an integer percentage
func (j *Job) ComputeProgress() int {
	if j.PlannedOutputs <= 0 {
		return 0
	}
	p := j.CompletedPlans * 100 / j.PlannedOutputs
	if p > 100 {
		p = 100
	}
	return p
}

// View returns the status view of the job
func (j *Job) View() *JobStatusView {
	return &JobStatusView{
		JobID:          j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		PlannedOutputs: j.PlannedOutputs,
		SucceededPlans: j.SucceededPlans,
		FailedPlans:    j.FailedPlans,
		ErrorMessage:   j.Error,
	}
}

// ClaimLive reports whether another worker holds a claim renewed at or
// after staleBefore. Claims held by self are never live: a worker that
// checks its own claims has restarted.
func (j *Job) ClaimLive(self string, staleBefore time.Time) bool {
	if j.ClaimedBy == "" || j.ClaimedBy == self || j.ClaimedAt == nil {
		return false
	}
	return !j.ClaimedAt.Before(staleBefore)
}
