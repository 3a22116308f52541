// internal/store/validation.go
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FairForge/recoverd/internal/recovery"
)

// ValidationStore persists validation reports in PostgreSQL.
type ValidationStore struct {
	db *Postgres
}

// NewValidationStore creates a validation store on the shared pool.
func NewValidationStore(db *Postgres) *ValidationStore {
	return &ValidationStore{db: db}
}

// SaveReport inserts one validation report.
func (s *ValidationStore) SaveReport(ctx context.Context, report *recovery.ValidationReport) error {
	query := `
		INSERT INTO validation_reports (
			id, backup_id, scope, restore_succeeded, resource_count,
			duration_seconds, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		report.ID, report.BackupID, report.Scope, report.RestoreSucceeded,
		report.ResourceCount, report.DurationSeconds, nullString(report.Error),
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert validation report: %w", err)
	}
	return nil
}

// LatestReport returns the most recent report, or nil when none exist.
func (s *ValidationStore) LatestReport(ctx context.Context) (*recovery.ValidationReport, error) {
	query := `
		SELECT id, backup_id, scope, restore_succeeded, resource_count,
			duration_seconds, error, created_at
		FROM validation_reports
		ORDER BY created_at DESC
		LIMIT 1
	`
	report, err := scanReport(s.db.QueryRowContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest validation report: %w", err)
	}
	return report, nil
}

// ListReports returns reports newest first. A non-positive limit returns
// everything.
func (s *ValidationStore) ListReports(ctx context.Context, limit int) ([]*recovery.ValidationReport, error) {
	query := `
		SELECT id, backup_id, scope, restore_succeeded, resource_count,
			duration_seconds, error, created_at
		FROM validation_reports
		ORDER BY created_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list validation reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []*recovery.ValidationReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("list validation reports: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list validation reports: %w", err)
	}
	return reports, nil
}

func scanReport(row rowScanner) (*recovery.ValidationReport, error) {
	var (
		report  recovery.ValidationReport
		errText sql.NullString
	)
	err := row.Scan(
		&report.ID, &report.BackupID, &report.Scope, &report.RestoreSucceeded,
		&report.ResourceCount, &report.DurationSeconds, &errText, &report.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	report.Error = errText.String
	return &report, nil
}
