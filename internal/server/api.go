package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/OrlandoBitencourt/fliptengine"
)

// maxBodyBytes caps evaluation request bodies
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady answers 503 until the first snapshot is loaded
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.engine.ListFlags(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (s *Server) handleEvaluateVariant(w http.ResponseWriter, r *http.Request) {
	var req fliptengine.EvaluationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FlagKey == "" {
		writeError(w, http.StatusBadRequest, "flag_key is required")
		return
	}

	resp, err := s.engine.EvaluateVariant(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluateBoolean(w http.ResponseWriter, r *http.Request) {
	var req fliptengine.EvaluationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FlagKey == "" {
		writeError(w, http.StatusBadRequest, "flag_key is required")
		return
	}

	resp, err := s.engine.EvaluateBoolean(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []fliptengine.EvaluationRequest `json:"requests"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Requests) > s.cfg.MaxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(body.Requests), s.cfg.MaxBatchSize))
		return
	}

	resp, err := s.engine.EvaluateBatch(r.Context(), body.Requests)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
