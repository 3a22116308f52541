package audit

import (
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Run lifecycle events
	EventTypeRunTransition EventType = "run.transition"
	EventTypeRunNote       EventType = "run.note"
	EventTypeStepRecorded  EventType = "run.step"

	// Validation events
	EventTypeValidationCompleted EventType = "validation.completed"

	// Objective events
	EventTypeComplianceEvaluated EventType = "compliance.evaluated"

	// API access events
	EventTypeAPIRequest EventType = "api.request"
)

// Severity represents the severity of an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event represents a single audit event. Events are immutable once written.
type Event struct {
	ID         string                 `json:"id" db:"id"`
	OccurredAt time.Time              `json:"occurred_at" db:"occurred_at"`
	Type       EventType              `json:"type" db:"event_type"`
	RunID      string                 `json:"run_id,omitempty" db:"run_id"`
	Severity   Severity               `json:"severity" db:"severity"`
	Detail     string                 `json:"detail,omitempty" db:"detail"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// Filter defines parameters for querying the audit trail. Zero-valued
// fields match everything.
type Filter struct {
	Type     EventType
	RunID    string
	Severity Severity
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Stats summarizes audit activity over a window.
type Stats struct {
	Since      time.Time           `json:"since"`
	Total      int64               `json:"total"`
	BySeverity map[Severity]int64  `json:"by_severity"`
	ByType     map[EventType]int64 `json:"by_type"`
}
