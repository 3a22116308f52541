// internal/store/compliance.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FairForge/recoverd/internal/recovery"
)

// ComplianceStore persists objective evaluations in PostgreSQL.
type ComplianceStore struct {
	db *Postgres
}

// NewComplianceStore creates a compliance store on the shared pool.
func NewComplianceStore(db *Postgres) *ComplianceStore {
	return &ComplianceStore{db: db}
}

// SaveResult upserts the evaluation for one run. A run re-finished after a
// restart replaces its earlier row.
func (s *ComplianceStore) SaveResult(ctx context.Context, result *recovery.ComplianceResult) error {
	query := `
		INSERT INTO compliance_results (
			run_id, tier, rto_met, rpo_met, recovery_time_ms, data_loss_ms,
			rto_margin_ms, rpo_margin_ms, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			rto_met = EXCLUDED.rto_met,
			rpo_met = EXCLUDED.rpo_met,
			recovery_time_ms = EXCLUDED.recovery_time_ms,
			data_loss_ms = EXCLUDED.data_loss_ms,
			rto_margin_ms = EXCLUDED.rto_margin_ms,
			rpo_margin_ms = EXCLUDED.rpo_margin_ms,
			evaluated_at = EXCLUDED.evaluated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		result.RunID, result.Tier, result.RTOMet, result.RPOMet,
		result.ActualRecoveryTime.Milliseconds(), result.DataLossWindow.Milliseconds(),
		result.RTOMargin.Milliseconds(), result.RPOMargin.Milliseconds(),
		result.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compliance result: %w", err)
	}
	return nil
}

// ResultForRun returns the evaluation for one run, or nil when none exists.
func (s *ComplianceStore) ResultForRun(ctx context.Context, runID string) (*recovery.ComplianceResult, error) {
	query := `
		SELECT run_id, tier, rto_met, rpo_met, recovery_time_ms, data_loss_ms,
			rto_margin_ms, rpo_margin_ms, evaluated_at
		FROM compliance_results
		WHERE run_id = $1
	`
	result, err := scanComplianceResult(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("compliance result for run: %w", err)
	}
	return result, nil
}

// ListResults returns evaluations in the order they happened. An empty tier
// or zero time bound is unbounded.
func (s *ComplianceStore) ListResults(ctx context.Context, tier recovery.Tier, since, until time.Time) ([]*recovery.ComplianceResult, error) {
	query := `
		SELECT run_id, tier, rto_met, rpo_met, recovery_time_ms, data_loss_ms,
			rto_margin_ms, rpo_margin_ms, evaluated_at
		FROM compliance_results
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if tier != "" {
		query += fmt.Sprintf(" AND tier = $%d", argIdx)
		args = append(args, tier)
		argIdx++
	}
	if !since.IsZero() {
		query += fmt.Sprintf(" AND evaluated_at >= $%d", argIdx)
		args = append(args, since)
		argIdx++
	}
	if !until.IsZero() {
		query += fmt.Sprintf(" AND evaluated_at <= $%d", argIdx)
		args = append(args, until)
		argIdx++
	}
	query += " ORDER BY evaluated_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compliance results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*recovery.ComplianceResult
	for rows.Next() {
		result, err := scanComplianceResult(rows)
		if err != nil {
			return nil, fmt.Errorf("list compliance results: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list compliance results: %w", err)
	}
	return results, nil
}

func scanComplianceResult(row rowScanner) (*recovery.ComplianceResult, error) {
	var (
		result                           recovery.ComplianceResult
		recoveryMs, lossMs, rtoMs, rpoMs int64
	)
	err := row.Scan(
		&result.RunID, &result.Tier, &result.RTOMet, &result.RPOMet,
		&recoveryMs, &lossMs, &rtoMs, &rpoMs, &result.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	result.ActualRecoveryTime = time.Duration(recoveryMs) * time.Millisecond
	result.DataLossWindow = time.Duration(lossMs) * time.Millisecond
	result.RTOMargin = time.Duration(rtoMs) * time.Millisecond
	result.RPOMargin = time.Duration(rpoMs) * time.Millisecond
	return &result, nil
}
