package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/recovery"
	"github.com/FairForge/recoverd/internal/store"
)

// Service writes the audit trail and answers queries over it. The Notify
// methods hand events to background writers so run execution never waits
// on the database.
type Service struct {
	db     *store.Postgres
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewService creates a new audit service
func NewService(db *store.Postgres, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Flush waits for all in-flight writes to land. Called on shutdown.
func (s *Service) Flush() {
	s.wg.Wait()
}

// LogEvent writes an audit event to the database
func (s *Service) LogEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			id, occurred_at, event_type, run_id, severity, detail, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.OccurredAt,
		event.Type,
		nullString(event.RunID),
		event.Severity,
		nullString(event.Detail),
		nullBytes(metadataJSON),
	)
	return err
}

// logAsync writes an event in the background. The caller's context is
// deliberately not used: a cancelled run must still leave a trail.
func (s *Service) logAsync(event *Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.LogEvent(ctx, event); err != nil {
			s.logger.Error("failed to write audit event",
				zap.Error(err),
				zap.String("type", string(event.Type)),
				zap.String("run_id", event.RunID),
			)
		}
	}()
}

// NotifyTransition records a run status change.
func (s *Service) NotifyTransition(_ context.Context, run *recovery.RecoveryRun, from, to recovery.RunStatus) {
	s.logAsync(transitionEvent(run, from, to))
}

// NotifyStep records one step log entry.
func (s *Service) NotifyStep(_ context.Context, run *recovery.RecoveryRun, result recovery.StepResult) {
	s.logAsync(stepEvent(run, result))
}

// NotifyValidation records a finished validation cycle.
func (s *Service) NotifyValidation(_ context.Context, report *recovery.ValidationReport) {
	s.logAsync(validationEvent(report))
}

// NotifyCompliance records an RTO/RPO evaluation.
func (s *Service) NotifyCompliance(_ context.Context, result *recovery.ComplianceResult) {
	s.logAsync(complianceEvent(result))
}

// NotifyNote records a free-form annotation on a run.
func (s *Service) NotifyNote(_ context.Context, runID, note string) {
	s.logAsync(noteEvent(runID, note))
}

func transitionEvent(run *recovery.RecoveryRun, from, to recovery.RunStatus) *Event {
	severity := SeverityInfo
	switch to {
	case recovery.StatusFailed, recovery.StatusRolledBack:
		severity = SeverityWarning
	case recovery.StatusEscalated:
		severity = SeverityCritical
	}
	return &Event{
		Type:     EventTypeRunTransition,
		RunID:    run.RunID,
		Severity: severity,
		Detail:   fmt.Sprintf("%s -> %s", from, to),
		Metadata: map[string]interface{}{
			"scenario": string(run.Scenario),
			"tier":     string(run.Tier),
			"from":     string(from),
			"to":       string(to),
		},
	}
}

func stepEvent(run *recovery.RecoveryRun, result recovery.StepResult) *Event {
	severity := SeverityInfo
	if result.Outcome != recovery.StepSucceeded {
		severity = SeverityWarning
	}
	metadata := map[string]interface{}{
		"step":     result.Step,
		"outcome":  string(result.Outcome),
		"rollback": result.Rollback,
	}
	if result.Detail != "" {
		metadata["detail"] = result.Detail
	}
	return &Event{
		Type:     EventTypeStepRecorded,
		RunID:    run.RunID,
		Severity: severity,
		Detail:   fmt.Sprintf("%s: %s", result.Step, result.Outcome),
		Metadata: metadata,
	}
}

func validationEvent(report *recovery.ValidationReport) *Event {
	severity := SeverityInfo
	detail := fmt.Sprintf("backup %s validated", report.BackupID)
	if !report.RestoreSucceeded {
		severity = SeverityWarning
		detail = fmt.Sprintf("backup %s validation failed: %s", report.BackupID, report.Error)
	}
	return &Event{
		Type:     EventTypeValidationCompleted,
		Severity: severity,
		Detail:   detail,
		Metadata: map[string]interface{}{
			"report_id":         report.ID,
			"backup_id":         report.BackupID,
			"scope":             report.Scope,
			"restore_succeeded": report.RestoreSucceeded,
			"resource_count":    report.ResourceCount,
			"duration_seconds":  report.DurationSeconds,
		},
	}
}

func complianceEvent(result *recovery.ComplianceResult) *Event {
	severity := SeverityInfo
	if !result.RTOMet || !result.RPOMet {
		severity = SeverityWarning
		if result.Tier == recovery.TierCritical {
			severity = SeverityCritical
		}
	}
	return &Event{
		Type:     EventTypeComplianceEvaluated,
		RunID:    result.RunID,
		Severity: severity,
		Detail:   fmt.Sprintf("rto_met=%t rpo_met=%t", result.RTOMet, result.RPOMet),
		Metadata: map[string]interface{}{
			"tier":             string(result.Tier),
			"rto_met":          result.RTOMet,
			"rpo_met":          result.RPOMet,
			"recovery_time_ms": result.ActualRecoveryTime.Milliseconds(),
			"data_loss_ms":     result.DataLossWindow.Milliseconds(),
			"rto_margin_ms":    result.RTOMargin.Milliseconds(),
			"rpo_margin_ms":    result.RPOMargin.Milliseconds(),
		},
	}
}

func noteEvent(runID, note string) *Event {
	return &Event{
		Type:     EventTypeRunNote,
		RunID:    runID,
		Severity: SeverityInfo,
		Detail:   note,
	}
}

// Search retrieves audit events matching the filter, newest first.
func (s *Service) Search(ctx context.Context, filter *Filter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, occurred_at, event_type, run_id, severity, detail, metadata
		FROM audit_events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.RunID != "" {
		query += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, filter.Severity)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, filter.Until)
		argIdx++
	}

	query += " ORDER BY occurred_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// RunTimeline returns every event for one run in the order it happened.
func (s *Service) RunTimeline(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, occurred_at, event_type, run_id, severity, detail, metadata
		FROM audit_events
		WHERE run_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("run timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetEventByID retrieves a single event by ID
func (s *Service) GetEventByID(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT id, occurred_at, event_type, run_id, severity, detail, metadata
		FROM audit_events
		WHERE id = $1
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get event by id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event not found")
	}
	return events[0], nil
}

// Overview summarizes the trail since the given time.
func (s *Service) Overview(ctx context.Context, since time.Time) (*Stats, error) {
	stats := &Stats{
		Since:      since,
		BySeverity: make(map[Severity]int64),
		ByType:     make(map[EventType]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*)
		FROM audit_events
		WHERE occurred_at >= $1
		GROUP BY severity
	`, since)
	if err != nil {
		return nil, fmt.Errorf("overview by severity: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		stats.BySeverity[Severity(severity)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM audit_events
		WHERE occurred_at >= $1
		GROUP BY event_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("overview by type: %w", err)
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var eventType string
		var count int64
		if err := typeRows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[EventType(eventType)] = count
	}
	return stats, typeRows.Err()
}

// scanEvents is a helper that scans rows into Event structs
func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		event := &Event{}
		var runID, detail sql.NullString
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.OccurredAt,
			&event.Type,
			&runID,
			&event.Severity,
			&detail,
			&metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		event.RunID = runID.String
		event.Detail = detail.String
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				// metadata is optional, keep the event
				event.Metadata = nil
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Helper functions for NULL handling
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
