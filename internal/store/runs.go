// internal/store/runs.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FairForge/recoverd/internal/recovery"
)

// RunStore persists recovery runs in PostgreSQL. Step results go to a
// separate append-only table; UpdateRun never touches them.
type RunStore struct {
	db *Postgres
}

// NewRunStore creates a run store on the shared pool.
func NewRunStore(db *Postgres) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a new run. The step log is expected to be empty at
// creation time and is not written here.
func (s *RunStore) CreateRun(ctx context.Context, run *recovery.RecoveryRun) error {
	namespaces, err := marshalNamespaces(run.UnhealthyNamespaces)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO recovery_runs (
			run_id, scenario, backup_id, target_scope, tier, status,
			confirmed, cancel_requested, detected_at, started_at, completed_at,
			rto_ms, rpo_ms, emergency_backup_id, failure_reason, unhealthy_namespaces
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.RunID, string(run.Scenario), run.BackupID, run.TargetScope,
		string(run.Tier), string(run.Status), run.Confirmed, run.CancelRequested,
		run.DetectedAt, run.StartedAt, nullTime(run.CompletedAt),
		run.Objective.RTO.Milliseconds(), run.Objective.RPO.Milliseconds(),
		nullString(run.EmergencyBackupID), nullString(run.FailureReason), namespaces,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun rewrites a run's mutable columns. Step rows are append-only
// and are deliberately left alone.
func (s *RunStore) UpdateRun(ctx context.Context, run *recovery.RecoveryRun) error {
	namespaces, err := marshalNamespaces(run.UnhealthyNamespaces)
	if err != nil {
		return err
	}

	query := `
		UPDATE recovery_runs SET
			status = $2, confirmed = $3, cancel_requested = $4, completed_at = $5,
			emergency_backup_id = $6, failure_reason = $7, unhealthy_namespaces = $8
		WHERE run_id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		run.RunID, string(run.Status), run.Confirmed, run.CancelRequested,
		nullTime(run.CompletedAt), nullString(run.EmergencyBackupID),
		nullString(run.FailureReason), namespaces,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if rows == 0 {
		return recovery.ErrRunNotFound
	}
	return nil
}

// AppendStep adds one entry to a run's step log.
func (s *RunStore) AppendStep(ctx context.Context, runID string, result recovery.StepResult) error {
	query := `
		INSERT INTO recovery_steps (run_id, step, outcome, occurred_at, detail, rollback)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		runID, result.Step, string(result.Outcome), result.Timestamp,
		nullString(result.Detail), result.Rollback,
	)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// GetRun loads one run with its step log in append order.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*recovery.RecoveryRun, error) {
	query := `
		SELECT run_id, scenario, backup_id, target_scope, tier, status,
			confirmed, cancel_requested, detected_at, started_at, completed_at,
			rto_ms, rpo_ms, emergency_backup_id, failure_reason, unhealthy_namespaces
		FROM recovery_runs
		WHERE run_id = $1
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, recovery.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	if run.StepLog, err = s.loadSteps(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListActiveRuns returns all runs that have not reached a terminal status,
// oldest first, with their step logs loaded. Startup resume walks this list.
func (s *RunStore) ListActiveRuns(ctx context.Context) ([]*recovery.RecoveryRun, error) {
	query := `
		SELECT run_id, scenario, backup_id, target_scope, tier, status,
			confirmed, cancel_requested, detected_at, started_at, completed_at,
			rto_ms, rpo_ms, emergency_backup_id, failure_reason, unhealthy_namespaces
		FROM recovery_runs
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY started_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(recovery.StatusSucceeded), string(recovery.StatusFailed),
		string(recovery.StatusRolledBack), string(recovery.StatusEscalated),
	)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*recovery.RecoveryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list active runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}

	for _, run := range runs {
		if run.StepLog, err = s.loadSteps(ctx, run.RunID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *RunStore) loadSteps(ctx context.Context, runID string) ([]recovery.StepResult, error) {
	query := `
		SELECT step, outcome, occurred_at, detail, rollback
		FROM recovery_steps
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []recovery.StepResult
	for rows.Next() {
		var (
			sr      recovery.StepResult
			outcome string
			detail  sql.NullString
		)
		if err := rows.Scan(&sr.Step, &outcome, &sr.Timestamp, &detail, &sr.Rollback); err != nil {
			return nil, fmt.Errorf("load steps: %w", err)
		}
		sr.Outcome = recovery.StepOutcome(outcome)
		sr.Detail = detail.String
		steps = append(steps, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	return steps, nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*recovery.RecoveryRun, error) {
	var (
		run        recovery.RecoveryRun
		scenario   string
		tier       string
		status     string
		completed  sql.NullTime
		rtoMs      int64
		rpoMs      int64
		emergency  sql.NullString
		failure    sql.NullString
		namespaces sql.NullString
	)
	err := row.Scan(
		&run.RunID, &scenario, &run.BackupID, &run.TargetScope, &tier, &status,
		&run.Confirmed, &run.CancelRequested, &run.DetectedAt, &run.StartedAt,
		&completed, &rtoMs, &rpoMs, &emergency, &failure, &namespaces,
	)
	if err != nil {
		return nil, err
	}

	run.Scenario = recovery.Scenario(scenario)
	run.Tier = recovery.Tier(tier)
	run.Status = recovery.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	run.Objective = recovery.Objective{
		RTO: time.Duration(rtoMs) * time.Millisecond,
		RPO: time.Duration(rpoMs) * time.Millisecond,
	}
	run.EmergencyBackupID = emergency.String
	run.FailureReason = failure.String
	if namespaces.Valid && namespaces.String != "" {
		if err := json.Unmarshal([]byte(namespaces.String), &run.UnhealthyNamespaces); err != nil {
			return nil, fmt.Errorf("decode unhealthy namespaces: %w", err)
		}
	}
	return &run, nil
}

func marshalNamespaces(namespaces []string) (interface{}, error) {
	if len(namespaces) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(namespaces)
	if err != nil {
		return nil, fmt.Errorf("encode unhealthy namespaces: %w", err)
	}
	return string(data), nil
}
