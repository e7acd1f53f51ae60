package server

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleRefresh fetches a new snapshot now. A failed refresh keeps the
// current snapshot serving and is reported as an error response.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.refresh(r.Context(), "admin")
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": stats.Version,
		"flags":   stats.FlagCount,
	})
}

func (s *Server) refresh(ctx context.Context, source string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	start := time.Now()
	err := s.engine.Refresh(ctx)
	s.metrics.RecordRefresh(source, err)

	if err != nil {
		s.logger.WarnContext(ctx, "triggered refresh failed",
			"source", source, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.InfoContext(ctx, "triggered refresh completed",
		"source", source, "duration", time.Since(start))
	return nil
}
