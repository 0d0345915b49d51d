// SPDX-License-Identifier: MIT

// Package types provides type-safe enumerations shared across clipforge.
//
// This package centralizes typed constants and state types to prevent
// string-based bugs and enable exhaustive switch statements.
package types

import (
	"encoding/json"
	"fmt"
)

// JobState represents the current state of a processing job.
type JobState string

// Job state constants define all possible states of a processing job.
const (
	// JobPending indicates the job is queued but not yet started.
	JobPending JobState = "pending"

	// JobProcessing indicates a worker is currently executing the job.
	JobProcessing JobState = "processing"

	// JobCompleted indicates the job finished successfully.
	JobCompleted JobState = "completed"

	// JobFailed indicates the job encountered an error and terminated.
	JobFailed JobState = "failed"

	// JobCancelled indicates the job was cancelled by the caller.
	JobCancelled JobState = "cancelled"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsValid checks whether the job state is one of the defined constants.
func (s JobState) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the job state represents a final state.
//
// A job in a terminal state will not transition further on its own; the one
// exception is an explicit retry, which moves a Failed job with remaining
// retry budget back to Pending.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this state can transition to the target state.
//
// Valid transitions:
//   - Pending → Processing, Cancelled
//   - Processing → Completed, Failed, Cancelled
//   - Failed → Pending (retry)
func (s JobState) CanTransitionTo(target JobState) bool {
	switch s {
	case JobPending:
		return target == JobProcessing || target == JobCancelled
	case JobProcessing:
		return target == JobCompleted || target == JobFailed || target == JobCancelled
	case JobFailed:
		return target == JobPending
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for JobState.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for JobState.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	state := JobState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid job state: %q", str)
	}

	*s = state
	return nil
}

// ParseJobState parses a string into a JobState, returning an error if invalid.
func ParseJobState(s string) (JobState, error) {
	state := JobState(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid job state: %q (valid: pending, processing, completed, failed, cancelled)", s)
	}
	return state, nil
}

// AllJobStates returns all defined job states.
func AllJobStates() []JobState {
	return []JobState{
		JobPending,
		JobProcessing,
		JobCompleted,
		JobFailed,
		JobCancelled,
	}
}
