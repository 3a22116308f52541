// internal/store/jobs.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/FairForge/recoverd/internal/recovery"
)

// ErrJobNotFound is returned when a backup job id does not exist.
var ErrJobNotFound = errors.New("backup job not found")

// JobStore persists emergency backup jobs in PostgreSQL.
type JobStore struct {
	db *Postgres
}

// NewJobStore creates a job store on the shared pool.
func NewJobStore(db *Postgres) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a new backup job.
func (s *JobStore) CreateJob(ctx context.Context, job *recovery.BackupJob) error {
	query := `
		INSERT INTO backup_jobs (id, scope, tier, backup_id, status, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Scope, string(job.Tier), nullString(job.BackupID),
		string(job.Status), nullString(job.Error), job.StartedAt, nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert backup job: %w", err)
	}
	return nil
}

// UpdateJob rewrites a job's mutable columns.
func (s *JobStore) UpdateJob(ctx context.Context, job *recovery.BackupJob) error {
	query := `
		UPDATE backup_jobs SET backup_id = $2, status = $3, error = $4, completed_at = $5
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		job.ID, nullString(job.BackupID), string(job.Status),
		nullString(job.Error), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update backup job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update backup job: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJob loads one backup job.
func (s *JobStore) GetJob(ctx context.Context, id string) (*recovery.BackupJob, error) {
	query := `
		SELECT id, scope, tier, backup_id, status, error, started_at, completed_at
		FROM backup_jobs
		WHERE id = $1
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get backup job: %w", err)
	}
	return job, nil
}

// ListJobs returns backup jobs newest first. A non-positive limit returns
// everything.
func (s *JobStore) ListJobs(ctx context.Context, limit int) ([]*recovery.BackupJob, error) {
	query := `
		SELECT id, scope, tier, backup_id, status, error, started_at, completed_at
		FROM backup_jobs
		ORDER BY started_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*recovery.BackupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list backup jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backup jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*recovery.BackupJob, error) {
	var (
		job       recovery.BackupJob
		tier      string
		status    string
		backupID  sql.NullString
		errText   sql.NullString
		completed sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Scope, &tier, &backupID, &status, &errText,
		&job.StartedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	job.Tier = recovery.Tier(tier)
	job.Status = recovery.BackupJobStatus(status)
	job.BackupID = backupID.String
	job.Error = errText.String
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
