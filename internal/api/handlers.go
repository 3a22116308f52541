package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/FairForge/recoverd/internal/auth"
	"github.com/FairForge/recoverd/internal/recovery"
)

// statusForError maps the recovery error taxonomy onto HTTP statuses.
// Unrecognized errors are server faults.
func statusForError(err error) int {
	switch {
	case errors.Is(err, recovery.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrUnknownScenario),
		errors.Is(err, recovery.ErrInvalidBackup),
		errors.Is(err, recovery.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrScopeLocked),
		errors.Is(err, recovery.ErrEscalated),
		errors.Is(err, recovery.ErrNotCancellable),
		errors.Is(err, recovery.ErrConfirmationRequired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// operatorName returns the authenticated operator behind a request. Routes
// using this sit behind RequireRole, so the claims are always present.
func operatorName(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Name
	}
	return "unknown"
}

type tokenRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	op, err := s.auth.Authenticate(req.Name, req.Key)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}

	token, err := s.auth.IssueToken(op)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"role":       op.Role,
		"expires_in": int(s.auth.TokenTTL().Seconds()),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req recovery.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	// The token identity is authoritative for attribution; the payload's
	// triggered_by is ignored.
	req.TriggeredBy = operatorName(r)

	run, err := s.controller.Submit(r.Context(), req)
	if err != nil {
		// An escalated submission still created an auditable record;
		// return it alongside the error.
		if errors.Is(err, recovery.ErrEscalated) && run != nil {
			s.respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
				"run":   run,
			})
			return
		}
		s.respondError(w, statusForError(err), err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, run)
}

// runView is a run record plus its compliance result when the run has been
// evaluated.
type runView struct {
	*recovery.RecoveryRun
	Compliance *recovery.ComplianceResult `json:"compliance,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.controller.Get(r.Context(), runID)
	if err != nil {
		s.respondError(w, statusForError(err), err)
		return
	}

	view := runView{RecoveryRun: run}
	if result, ok := s.objectives.ResultFor(r.Context(), runID); ok {
		view.Compliance = &result
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.controller.ActiveRuns(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.controller.Confirm(r.Context(), runID, operatorName(r))
	if err != nil {
		s.respondError(w, statusForError(err), err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.controller.Cancel(r.Context(), runID, operatorName(r)); err != nil {
		s.respondError(w, statusForError(err), err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancellation requested",
	})
}

type validateRequest struct {
	BackupID string `json:"backup_id"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("validation is not configured"))
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.BackupID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("backup_id is required"))
		return
	}

	report, err := s.validator.Validate(r.Context(), req.BackupID)
	if err != nil && report == nil {
		s.respondError(w, statusForError(err), err)
		return
	}

	// A failed validation still produced a report; the report is the
	// outcome either way.
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleValidationReports(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("validation is not configured"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	reports, err := s.validator.Reports(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups := s.catalog.List()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backups":   backups,
		"count":     len(backups),
		"last_sync": s.catalog.LastSync(),
	})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if tierRaw := query.Get("tier"); tierRaw != "" {
		tier := recovery.Tier(tierRaw)
		if !tier.Valid() {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", tierRaw))
			return
		}

		window := 30 * 24 * time.Hour
		if raw := query.Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, fmt.Errorf("parse window: %w", err))
				return
			}
			window = parsed
		}

		end := time.Now()
		s.respondJSON(w, http.StatusOK, s.objectives.Report(r.Context(), tier, end.Add(-window), end))
		return
	}

	s.respondJSON(w, http.StatusOK, s.objectives.Metrics(r.Context()))
}

// handleStatus is the one-call operational summary: what can we restore
// from, did the last validation pass, and what is running right now.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := s.controller.ActiveRuns(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	var lastValidation *recovery.ValidationReport
	if s.validator != nil {
		lastValidation, err = s.validator.LatestReport(r.Context())
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"uptime_seconds":    time.Since(s.startTime).Seconds(),
		"latest_backups":    s.catalog.LatestPerTier(),
		"catalog_last_sync": s.catalog.LastSync(),
		"last_validation":   lastValidation,
		"active_runs":       runs,
		"active_run_count":  len(runs),
		"leases":            s.controller.Leases(),
	})
}
