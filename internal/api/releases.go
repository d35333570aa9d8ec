package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/releaseflow/internal/dedupe"
	"github.com/seantiz/releaseflow/internal/engine"
	"github.com/seantiz/releaseflow/internal/model"
)

// createReleaseRequest is the JSON body for POST /v1/releases. Force skips
// the semantic duplicate check.
type createReleaseRequest struct {
	engine.NewRelease
	Force bool `json:"force"`
}

// createReleaseResponse carries the created release plus advisory findings.
type createReleaseResponse struct {
	Release       *model.Release          `json:"release"`
	Integrity     dedupe.IntegrityReport  `json:"integrity"`
	RapidCreation *dedupe.RapidCreation   `json:"rapidCreation,omitempty"`
	Duplicate     *dedupe.DuplicateResult `json:"duplicate,omitempty"`
}

// checkDuplicateResponse is the JSON response for POST /v1/releases/check-duplicate.
type checkDuplicateResponse struct {
	Duplicate *dedupe.DuplicateResult `json:"duplicate"`
	Similar   []dedupe.SimilarRelease `json:"similar"`
	Integrity dedupe.IntegrityReport  `json:"integrity"`
	Hash      string                  `json:"hash"`
}

type duplicateConflict struct {
	errorResponse
	Duplicate *dedupe.DuplicateResult `json:"duplicate"`
}

type stageRequest struct {
	Location         string      `json:"location"`
	StagedQuantities map[int]int `json:"stagedQuantities"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type loadRequest struct {
	TruckNumber string `json:"truckNumber"`
}

type listReleasesResponse struct {
	Status   string           `json:"status"`
	Releases []*model.Release `json:"releases"`
}

type auditTrailResponse struct {
	ReleaseID string              `json:"releaseId"`
	Entries   []*model.AuditEntry `json:"entries"`
}

type actionsResponse struct {
	ReleaseID string   `json:"releaseId"`
	Status    string   `json:"status"`
	Actions   []string `json:"actions"`
}

func candidateFrom(in engine.NewRelease, id string) *model.Release {
	return &model.Release{
		ID:            id,
		ReleaseNumber: in.ReleaseNumber,
		SupplierID:    in.SupplierID,
		CustomerID:    in.CustomerID,
		CustomerName:  in.CustomerName,
		LineItems:     in.LineItems,
	}
}

func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	op := operatorFrom(r)
	candidate := candidateFrom(req.NewRelease, "")

	resp := createReleaseResponse{Integrity: dedupe.ValidateDataIntegrity(candidate)}

	if !req.Force {
		dup, err := s.guard.CheckForDuplicate(r.Context(), candidate)
		if err != nil {
			s.logger.Error("check for duplicate", "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "duplicate check failed, retry later")
			return
		}
		if dup.IsDuplicate {
			s.writeJSON(w, http.StatusConflict, duplicateConflict{
				errorResponse: errorResponse{
					Error: dup.Reason,
					Code:  "duplicate_release",
				},
				Duplicate: dup,
			})
			return
		}
	}

	rapid, err := s.guard.CheckRapidCreation(r.Context(), op.ID)
	if err != nil {
		s.logger.Warn("rapid creation check", "operator_id", op.ID, "error", err)
	} else if rapid.Warning {
		resp.RapidCreation = rapid
	}

	rel, err := s.engine.Create(r.Context(), op, req.NewRelease)
	if err != nil {
		s.writeEngineError(w, "create release", err)
		return
	}
	resp.Release = rel
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.NewRelease
		ID string `json:"id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	candidate := candidateFrom(req.NewRelease, req.ID)

	dup, err := s.guard.CheckForDuplicate(r.Context(), candidate)
	if err != nil {
		s.logger.Error("check for duplicate", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "duplicate check failed, retry later")
		return
	}
	similar, err := s.guard.FindSimilarReleases(r.Context(), candidate)
	if err != nil {
		s.logger.Error("find similar releases", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "duplicate check failed, retry later")
		return
	}
	if similar == nil {
		similar = []dedupe.SimilarRelease{}
	}

	s.writeJSON(w, http.StatusOK, checkDuplicateResponse{
		Duplicate: dup,
		Similar:   similar,
		Integrity: dedupe.ValidateDataIntegrity(candidate),
		Hash:      dedupe.ReleaseHash(candidate),
	})
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		s.writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}

	releases, err := s.engine.ListByStatus(r.Context(), status)
	if err != nil {
		s.writeEngineError(w, "list releases", err)
		return
	}
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && limit < len(releases) {
		releases = releases[:limit]
	}
	if releases == nil {
		releases = []*model.Release{}
	}
	s.writeJSON(w, http.StatusOK, listReleasesResponse{Status: status, Releases: releases})
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "get release", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleLoadingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.LoadingStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "loading stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.engine.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "audit trail", err)
		return
	}
	if entries == nil {
		entries = []*model.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, auditTrailResponse{ReleaseID: id, Entries: entries})
}

func (s *Server) handleAvailableActions(w http.ResponseWriter, r *http.Request) {
	rel, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "available actions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, actionsResponse{
		ReleaseID: rel.ID,
		Status:    rel.Status,
		Actions:   engine.AvailableActions(rel, operatorFrom(r)),
	})
}

// respondWithRelease writes the release as it stands after a transition.
func (s *Server) respondWithRelease(w http.ResponseWriter, r *http.Request, id string) {
	rel, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get release", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.Stage(r.Context(), id, operatorFrom(r), req.Location, req.StagedQuantities); err != nil {
		s.writeEngineError(w, "stage release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Approve(r.Context(), id, operatorFrom(r)); err != nil {
		s.writeEngineError(w, "approve release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.Reject(r.Context(), id, operatorFrom(r), req.Reason); err != nil {
		s.writeEngineError(w, "reject release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	summary, err := s.engine.MarkLoaded(r.Context(), chi.URLParam(r, "id"), operatorFrom(r), req.TruckNumber)
	if err != nil {
		s.writeEngineError(w, "load release", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.MarkShipped(r.Context(), id, operatorFrom(r)); err != nil {
		s.writeEngineError(w, "ship release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.Cancel(r.Context(), id, operatorFrom(r), req.Reason); err != nil {
		s.writeEngineError(w, "cancel release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.AcquireLock(r.Context(), id, operatorFrom(r)); err != nil {
		s.writeEngineError(w, "lock release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.ReleaseLock(r.Context(), id, operatorFrom(r)); err != nil {
		s.writeEngineError(w, "unlock release", err)
		return
	}
	s.respondWithRelease(w, r, id)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req engine.BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ReleaseIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "releaseIds is required")
		return
	}
	req.Operator = operatorFrom(r)

	summary, err := s.engine.Batch(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}
