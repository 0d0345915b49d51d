// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

type presignRequest struct {
	Key string `json:"key"`
}

type presignResponse struct {
	URL string `json:"url"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Key == "" {
		writeBadRequest(w, "key is required")
		return
	}

	exists, err := s.objects.Exists(r.Context(), req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		writeNotFound(w)
		return
	}

	url, err := s.objects.PresignedURL(req.Key, s.presignTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{URL: url})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		writeBadRequest(w, "object key is required")
		return
	}

	q := r.URL.Query()
	if !s.objects.VerifyPresigned(key, q.Get("exp"), q.Get("sig")) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid or expired signature"})
		return
	}

	rc, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("object download interrupted")
	}
}
