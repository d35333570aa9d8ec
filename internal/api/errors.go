package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/releaseflow/internal/engine"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body for failed requests. Violations lists every
// failing precondition.
type errorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// errorCodes names the machine-readable code for each precondition sentinel.
var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrWrongStatus, "wrong_status"},
	{engine.ErrSelfVerification, "self_verification"},
	{engine.ErrPartialStaging, "partial_staging"},
	{engine.ErrMissingReason, "missing_reason"},
	{engine.ErrMissingLocation, "missing_location"},
	{engine.ErrMissingTruck, "missing_truck"},
	{engine.ErrMissingReleaseNumber, "missing_release_number"},
	{engine.ErrNoLineItems, "no_line_items"},
	{engine.ErrDuplicateReleaseNumber, "duplicate_release_number"},
	{engine.ErrLocked, "locked"},
	{engine.ErrNotLockHolder, "not_lock_holder"},
}

// preconditionCode returns the code of the single matching sentinel, or
// "precondition_failed" when several conditions failed.
func preconditionCode(err error) string {
	code := ""
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			if code != "" {
				return "precondition_failed"
			}
			code = c.code
		}
	}
	if code == "" {
		return "precondition_failed"
	}
	return code
}

// writeEngineError maps an engine error onto an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "release not found")
	case errors.Is(err, engine.ErrMissingOperator):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrInvalidStatus), errors.Is(err, engine.ErrUnsupportedBatchAction):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case engine.IsPrecondition(err):
		s.writeJSON(w, http.StatusConflict, errorResponse{
			Error:      err.Error(),
			Code:       preconditionCode(err),
			Violations: engine.PreconditionViolations(err),
		})
	case errors.Is(err, engine.ErrTransient):
		s.logger.Warn(op+" failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "release store unavailable, retry later")
	default:
		s.logger.Error(op+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// decodeBody reads a JSON request body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
