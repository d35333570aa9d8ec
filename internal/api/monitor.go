package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/releaseflow/internal/monitor"
)

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "consistency monitor is disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorRun(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "consistency monitor is disabled")
		return
	}

	report, err := s.monitor.RunOnce(r.Context())
	switch {
	case errors.Is(err, monitor.ErrScanInProgress):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "scan_in_progress"})
	case errors.Is(err, monitor.ErrCircuitOpen):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "monitor_stopped"})
	case err != nil:
		s.logger.Error("manual consistency scan", "error", err)
		s.writeError(w, http.StatusInternalServerError, "consistency scan failed")
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleMonitorRestart(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "consistency monitor is disabled")
		return
	}
	s.monitor.Restart()
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}
