// SPDX-License-Identifier: MIT

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateValidity(t *testing.T) {
	for _, s := range AllJobStates() {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, JobState("limbo").IsValid())
	assert.False(t, JobState("").IsValid())
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobProcessing.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestJobStateTransitions(t *testing.T) {
	assert.True(t, JobPending.CanTransitionTo(JobProcessing))
	assert.True(t, JobPending.CanTransitionTo(JobCancelled))
	assert.False(t, JobPending.CanTransitionTo(JobCompleted))

	assert.True(t, JobProcessing.CanTransitionTo(JobCompleted))
	assert.True(t, JobProcessing.CanTransitionTo(JobFailed))
	assert.True(t, JobProcessing.CanTransitionTo(JobCancelled))
	assert.False(t, JobProcessing.CanTransitionTo(JobPending))

	// Retry is the only way out of a terminal state.
	assert.True(t, JobFailed.CanTransitionTo(JobPending))
	assert.False(t, JobFailed.CanTransitionTo(JobProcessing))
	assert.False(t, JobCompleted.CanTransitionTo(JobPending))
	assert.False(t, JobCancelled.CanTransitionTo(JobPending))
}

func TestJobStateJSON(t *testing.T) {
	data, err := json.Marshal(JobProcessing)
	require.NoError(t, err)
	assert.Equal(t, `"processing"`, string(data))

	var s JobState
	require.NoError(t, json.Unmarshal([]byte(`"failed"`), &s))
	assert.Equal(t, JobFailed, s)

	require.Error(t, json.Unmarshal([]byte(`"limbo"`), &s))
}

func TestParseJobState(t *testing.T) {
	s, err := ParseJobState("completed")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, s)

	_, err = ParseJobState("nope")
	require.Error(t, err)
}

func TestTaskClassValidity(t *testing.T) {
	for _, c := range AllTaskClasses() {
		assert.True(t, c.IsValid(), c)
	}
	assert.False(t, TaskClass("sculpting").IsValid())
}

func TestParseTaskClass(t *testing.T) {
	c, err := ParseTaskClass("thumbnail")
	require.NoError(t, err)
	assert.Equal(t, ClassThumbnail, c)

	_, err = ParseTaskClass("")
	require.Error(t, err)
}

func TestTaskClassJSON(t *testing.T) {
	var c TaskClass
	require.NoError(t, json.Unmarshal([]byte(`"metadata"`), &c))
	assert.Equal(t, ClassMetadata, c)
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &c))
}
