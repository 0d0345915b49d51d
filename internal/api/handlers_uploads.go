// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type createUploadRequest struct {
	UploadID    string `json:"upload_id,omitempty"`
	TotalChunks int    `json:"total_chunks"`
	OwnerID     string `json:"owner_id,omitempty"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, err := s.assembler.Create(req.UploadID, req.TotalChunks, req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id":    id,
		"total_chunks": req.TotalChunks,
	})
}

func (s *Server) handleWriteChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeBadRequest(w, "chunk index must be an integer")
		return
	}

	// total is required only on the first chunk of an implicit session.
	total := 0
	if raw := r.URL.Query().Get("total"); raw != "" {
		total, err = strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "total must be an integer")
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, s.maxChunk+1)
	data, err := io.ReadAll(body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "chunk body too large"})
		return
	}

	received, totalChunks, err := s.assembler.WriteChunk(r.Context(), uploadID, index, total, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":     received,
		"total_chunks": totalChunks,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.assembler.Status(chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	ref, err := s.assembler.Merge(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": ref})
}

func (s *Server) handleAbandonUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.assembler.Abandon(r.Context(), chi.URLParam(r, "uploadID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
