// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldUploadID  = "upload_id"
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldObjectKey = "object_key"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTaskClass = "task_class"
	FieldAttempt   = "attempt"
	FieldExitCode  = "exit_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldProgress = "progress"

	// Upload fields
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
)
