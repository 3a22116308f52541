package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/recovery"
	"github.com/FairForge/recoverd/internal/store"
)

// Emergency backups outlive the request that started them: the handler
// returns 202 with a job record and a background goroutine drives the
// engine backup to a terminal status.
const (
	backupJobTimeout = 30 * time.Minute
	backupPollBase   = 2 * time.Second
	backupPollCap    = 30 * time.Second
)

type emergencyBackupRequest struct {
	Scope  string `json:"scope"`
	Tier   string `json:"tier"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleEmergencyBackup(w http.ResponseWriter, r *http.Request) {
	var req emergencyBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Scope == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("scope is required"))
		return
	}
	tier := recovery.Tier(req.Tier)
	if !tier.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", req.Tier))
		return
	}
	if s.engine == nil || s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("emergency backups are not configured"))
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator-requested emergency backup"
	}

	job := &recovery.BackupJob{
		ID:        uuid.New().String(),
		Scope:     req.Scope,
		Tier:      tier,
		Status:    recovery.BackupJobRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("emergency backup requested",
		zap.String("job_id", job.ID),
		zap.String("scope", job.Scope),
		zap.String("tier", string(job.Tier)),
		zap.String("requested_by", operatorName(r)))

	// The goroutine owns the job record from here; respond from a copy.
	accepted := *job

	s.jobWG.Add(1)
	go s.runBackupJob(job, recovery.BackupOptions{
		Scope:  req.Scope,
		Tier:   tier,
		Reason: fmt.Sprintf("%s (by %s)", reason, operatorName(r)),
	})

	s.respondJSON(w, http.StatusAccepted, accepted)
}

// runBackupJob drives one engine backup to completion. It runs detached
// from the originating request and carries its own deadline.
func (s *Server) runBackupJob(job *recovery.BackupJob, opts recovery.BackupOptions) {
	defer s.jobWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), backupJobTimeout)
	defer cancel()

	backupID, err := s.engine.CreateBackup(ctx, opts)
	if err != nil {
		s.finishJob(job, fmt.Errorf("create backup: %w", err))
		return
	}
	job.BackupID = backupID
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Warn("failed to record backup id on job",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	s.finishJob(job, s.pollBackup(ctx, backupID))
}

// pollBackup watches the engine listing until the backup is terminal.
func (s *Server) pollBackup(ctx context.Context, backupID string) error {
	interval := backupPollBase

	for {
		records, err := s.engine.ListBackups(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("backup job poll failed, retrying",
				zap.String("backup_id", backupID), zap.Error(err))
		} else {
			for _, rec := range records {
				if rec.ID != backupID {
					continue
				}
				switch rec.CompletionStatus {
				case recovery.BackupCompleted:
					return nil
				case recovery.BackupPartial, recovery.BackupFailed:
					return fmt.Errorf("backup %s finished %s", backupID, rec.CompletionStatus)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > backupPollCap {
			interval = backupPollCap
		}
	}
}

// finishJob records the terminal state. The job's own context may already
// be dead, so the final write gets a fresh deadline.
func (s *Server) finishJob(job *recovery.BackupJob, err error) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err != nil {
		job.Status = recovery.BackupJobFailed
		job.Error = err.Error()
		s.logger.Error("emergency backup failed",
			zap.String("job_id", job.ID), zap.Error(err))
	} else {
		job.Status = recovery.BackupJobCompleted
		s.logger.Info("emergency backup completed",
			zap.String("job_id", job.ID), zap.String("backup_id", job.BackupID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if uerr := s.jobs.UpdateJob(ctx, job); uerr != nil {
		s.logger.Error("failed to record backup job result",
			zap.String("job_id", job.ID), zap.Error(uerr))
	}
}

func (s *Server) handleListBackupJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("emergency backups are not configured"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetBackupJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("emergency backups are not configured"))
		return
	}

	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, status, err)
		return
	}

	s.respondJSON(w, http.StatusOK, job)
}
