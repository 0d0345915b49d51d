// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clipforge/clipforge/internal/jobstore"
	"github.com/clipforge/clipforge/internal/scheduler"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/internal/upload"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, upload.ErrSessionNotFound),
		errors.Is(err, jobstore.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound

	case errors.Is(err, scheduler.ErrQueueFull):
		// Backpressure: the caller should retry later.
		w.Header().Set("Retry-After", "5")
		code = http.StatusTooManyRequests

	case errors.Is(err, upload.ErrAlreadyMerged),
		errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrRetryExhausted):
		code = http.StatusConflict

	case errors.Is(err, upload.ErrChunkTooLarge):
		code = http.StatusRequestEntityTooLarge

	case errors.Is(err, upload.ErrChunkIndexOutOfRange),
		errors.Is(err, upload.ErrTotalChunksMismatch),
		errors.Is(err, upload.ErrInvalidTotalChunks),
		errors.Is(err, upload.ErrIncompleteUpload),
		errors.Is(err, scheduler.ErrUnknownClass),
		errors.Is(err, storage.ErrInvalidKey):
		code = http.StatusBadRequest

	case errors.Is(err, scheduler.ErrClosed):
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}
