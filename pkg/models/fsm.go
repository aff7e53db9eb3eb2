package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true, // Pending → Processing (first plan starts)
		JobStatusCanceled:   true, // Pending → Canceled (user cancels before dispatch)
		JobStatusFailed:     true, // Pending → Failed (plans could not be re-derived)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (at least one output)
		JobStatusFailed:    true, // Processing → Failed (zero outputs, or interrupted by restart)
		JobStatusCanceled:  true, // Processing → Canceled (user cancels)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCanceled
}

// IsActiveState returns true if the job is actively being processed
func IsActiveState(state JobStatus) bool {
	return state == JobStatusProcessing
}

// Transition validates and applies a state change, recording it in the audit trail.
// Timestamps are set on the first entry into processing and on terminal states.
func (j *Job) Transition(to JobStatus, reason string, at time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}

	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: at,
		Reason:    reason,
	})
	j.Status = to

	if to == JobStatusProcessing && j.StartedAt == nil {
		j.StartedAt = &at
	}
	if IsTerminalState(to) {
		j.CompletedAt = &at
		if to == JobStatusCompleted {
			j.Progress = 100
		}
	}
	return nil
}

// PlanTimeout derives the wall-clock limit for a single transcode
type PlanTimeout struct {
	SafetyFactor float64       // Multiplier on the output duration (e.g. 4.0 = 4x realtime)
	Minimum      time.Duration // Floor for short outputs
	Default      time.Duration // Timeout when the duration is unknown
}

// DefaultPlanTimeout returns default timeout configuration
func DefaultPlanTimeout() *PlanTimeout {
	return &PlanTimeout{
		SafetyFactor: 4.0,
		Minimum:      2 * time.Minute,
		Default:      30 * time.Minute,
	}
}

// CalculateTimeout calculates the timeout for rendering an output of the given length
func (pt *PlanTimeout) CalculateTimeout(targetSeconds float64) time.Duration {
	if targetSeconds <= 0 {
		return pt.Default
	}

	timeout := time.Duration(targetSeconds * pt.SafetyFactor * float64(time.Second))
	if timeout < pt.Minimum {
		return pt.Minimum
	}
	return timeout
}
