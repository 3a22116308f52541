package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetentionPolicy defines how long to keep audit events
type RetentionPolicy struct {
	EventType EventType
	Severity  Severity
	MaxAge    time.Duration
}

// DefaultRetentionPolicies returns the default retention policies.
// Compliance evaluations outlive everything else; they are the record
// reviewed after a real incident.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			EventType: EventTypeComplianceEvaluated,
			MaxAge:    365 * 24 * time.Hour,
		},
		{
			Severity: SeverityCritical,
			MaxAge:   180 * 24 * time.Hour,
		},
		{
			MaxAge: 90 * 24 * time.Hour,
		},
	}
}

// CleanupOldEvents removes events older than the specified retention period
func (s *Service) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	return result.RowsAffected()
}

// CleanupOldEventsByType removes events of a specific type older than the
// retention period
func (s *Service) CleanupOldEventsByType(ctx context.Context, eventType EventType, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE occurred_at < $1 AND event_type = $2`,
		cutoff, eventType)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events by type: %w", err)
	}
	return result.RowsAffected()
}

// CleanupOldEventsBySeverity removes events of a specific severity older
// than the retention period
func (s *Service) CleanupOldEventsBySeverity(ctx context.Context, severity Severity, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE occurred_at < $1 AND severity = $2`,
		cutoff, severity)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events by severity: %w", err)
	}
	return result.RowsAffected()
}

// ApplyRetentionPolicies applies retention policies from most specific to
// least specific and returns the total number of deleted events. Each pass
// excludes the event classes earlier policies select, so a broad pass never
// removes events a narrower policy keeps for longer.
func (s *Service) ApplyRetentionPolicies(ctx context.Context, policies []RetentionPolicy) (int64, error) {
	var totalDeleted int64
	var keptTypes []EventType
	var keptSeverities []Severity

	for _, policy := range policies {
		query := `DELETE FROM audit_events WHERE occurred_at < $1`
		args := []interface{}{time.Now().Add(-policy.MaxAge)}
		argIdx := 2

		if policy.EventType != "" {
			query += fmt.Sprintf(" AND event_type = $%d", argIdx)
			args = append(args, policy.EventType)
			argIdx++
		}
		if policy.Severity != "" {
			query += fmt.Sprintf(" AND severity = $%d", argIdx)
			args = append(args, policy.Severity)
			argIdx++
		}
		for _, et := range keptTypes {
			query += fmt.Sprintf(" AND event_type <> $%d", argIdx)
			args = append(args, et)
			argIdx++
		}
		for _, sev := range keptSeverities {
			query += fmt.Sprintf(" AND severity <> $%d", argIdx)
			args = append(args, sev)
			argIdx++
		}

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return totalDeleted, fmt.Errorf("apply policy: %w", err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("apply policy: %w", err)
		}
		totalDeleted += deleted

		if policy.EventType != "" {
			keptTypes = append(keptTypes, policy.EventType)
		}
		if policy.Severity != "" {
			keptSeverities = append(keptSeverities, policy.Severity)
		}
	}
	return totalDeleted, nil
}

// Sweeper periodically applies retention policies to the audit trail.
type Sweeper struct {
	service  *Service
	policies []RetentionPolicy
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a retention sweeper. A non-positive interval defaults
// to daily sweeps.
func NewSweeper(service *Service, policies []RetentionPolicy, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if len(policies) == 0 {
		policies = DefaultRetentionPolicies()
	}
	return &Sweeper{
		service:  service,
		policies: policies,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Sweeper) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Sweeper) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := w.service.ApplyRetentionPolicies(ctx, w.policies)
			if err != nil {
				w.logger.Error("audit retention sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				w.logger.Info("audit retention sweep removed events",
					zap.Int64("deleted", deleted))
			}
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
