package recovery

import (
	"time"
)

// Tier classifies services by how quickly they must come back.
type Tier string

const (
	TierCritical    Tier = "critical"
	TierStandard    Tier = "standard"
	TierNonCritical Tier = "non_critical"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierStandard, TierNonCritical:
		return true
	}
	return false
}

// CompletionStatus is the terminal state of a backup as reported by the engine.
type CompletionStatus string

const (
	BackupCompleted CompletionStatus = "completed"
	BackupPartial   CompletionStatus = "partial"
	BackupFailed    CompletionStatus = "failed"
)

// StorageLocation points at the object-store placement of a backup.
type StorageLocation struct {
	Region string `json:"region"`
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// BackupRecord is the catalog's read-only view of one backup.
// Records are immutable; the engine owns their lifecycle.
type BackupRecord struct {
	ID               string           `json:"id"`
	Tier             Tier             `json:"tier"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletionStatus CompletionStatus `json:"completion_status"`
	StorageLocation  StorageLocation  `json:"storage_location"`
	SizeBytes        int64            `json:"size_bytes"`
}

// Scenario names a recovery scenario variant.
type Scenario string

const (
	ScenarioNamespaceCorruption Scenario = "namespace_corruption"
	ScenarioClusterFailure      Scenario = "cluster_failure"
	ScenarioDatacenterOutage    Scenario = "datacenter_outage"
)

// Valid reports whether the scenario is one of the known variants.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioNamespaceCorruption, ScenarioClusterFailure, ScenarioDatacenterOutage:
		return true
	}
	return false
}

// ScenarioDefinition describes how one scenario is detected and recovered.
type ScenarioDefinition struct {
	Scenario                   Scenario      `json:"scenario" yaml:"scenario"`
	DetectionSignals           []string      `json:"detection_signals" yaml:"detection_signals"`
	ManualInterventionTriggers []string      `json:"manual_intervention_triggers" yaml:"manual_intervention_triggers"`
	AutomatedSteps             []string      `json:"automated_steps" yaml:"automated_steps"`
	RollbackSteps              []string      `json:"rollback_steps,omitempty" yaml:"rollback_steps"`
	RequiresConfirmation       bool          `json:"requires_confirmation" yaml:"requires_confirmation"`
	Tier                       Tier          `json:"tier" yaml:"tier"`
	ValidationWindow           time.Duration `json:"validation_window" yaml:"validation_window"`
}

// RunStatus is the lifecycle state of a recovery run.
type RunStatus string

const (
	StatusPending              RunStatus = "pending"
	StatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	StatusExecuting            RunStatus = "executing"
	StatusValidating           RunStatus = "validating"
	StatusSucceeded            RunStatus = "succeeded"
	StatusFailed               RunStatus = "failed"
	StatusRolledBack           RunStatus = "rolled_back"
	StatusEscalated            RunStatus = "escalated"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusEscalated:
		return true
	}
	return false
}

// allowedTransitions encodes the monotonic status machine. RolledBack is
// reachable both from Executing (rollback ran) and from Failed (the one
// permitted exit from a terminal-looking state).
var allowedTransitions = map[RunStatus][]RunStatus{
	StatusPending:              {StatusAwaitingConfirmation, StatusExecuting, StatusFailed, StatusEscalated},
	StatusAwaitingConfirmation: {StatusExecuting, StatusFailed, StatusEscalated},
	StatusExecuting:            {StatusValidating, StatusFailed, StatusRolledBack},
	StatusValidating:           {StatusSucceeded, StatusFailed},
	StatusFailed:               {StatusRolledBack},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepOutcome records how one step ended.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "succeeded"
	StepFailed    StepOutcome = "failed"
	StepTimedOut  StepOutcome = "timed_out"
)

// StepResult is one append-only entry in a run's step log.
type StepResult struct {
	Step      string      `json:"step"`
	Outcome   StepOutcome `json:"outcome"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    string      `json:"detail,omitempty"`
	Rollback  bool        `json:"rollback,omitempty"`
}

// Objective is the RTO/RPO pair snapshotted onto a run at submission.
type Objective struct {
	RTO time.Duration `json:"rto"`
	RPO time.Duration `json:"rpo"`
}

// RecoveryRun is the mutable aggregate for one invocation of a scenario.
// It is exclusively owned by the controller that created it.
type RecoveryRun struct {
	RunID               string       `json:"run_id"`
	Scenario            Scenario     `json:"scenario"`
	BackupID            string       `json:"backup_id"`
	TargetScope         string       `json:"target_scope"`
	Tier                Tier         `json:"tier"`
	Status              RunStatus    `json:"status"`
	Confirmed           bool         `json:"confirmed"`
	CancelRequested     bool         `json:"cancel_requested,omitempty"`
	DetectedAt          time.Time    `json:"detected_at"`
	StartedAt           time.Time    `json:"started_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	StepLog             []StepResult `json:"step_log"`
	Objective           Objective    `json:"objective"`
	EmergencyBackupID   string       `json:"emergency_backup_id,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
	UnhealthyNamespaces []string     `json:"unhealthy_namespaces,omitempty"`
}

// Clone deep-copies a run. Callers that hand a run across a goroutine
// boundary must hand a clone; the original stays owned by its controller.
func (r *RecoveryRun) Clone() *RecoveryRun {
	c := *r
	c.StepLog = append([]StepResult(nil), r.StepLog...)
	c.UnhealthyNamespaces = append([]string(nil), r.UnhealthyNamespaces...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CompletedSteps returns the ids of forward steps that already succeeded,
// in log order. Rollback entries are excluded: they never count toward the
// resumable prefix.
func (r *RecoveryRun) CompletedSteps() []string {
	var done []string
	for _, sr := range r.StepLog {
		if sr.Rollback || sr.Outcome != StepSucceeded {
			continue
		}
		done = append(done, sr.Step)
	}
	return done
}

// ServiceHealthSnapshot is one critical namespace's health at validation time.
// Snapshots live only as long as the run they were taken for.
type ServiceHealthSnapshot struct {
	Namespace    string `json:"namespace"`
	ExpectedPods int    `json:"expected_pods"`
	ReadyPods    int    `json:"ready_pods"`
	Healthy      bool   `json:"healthy"`
}

// ValidationReport is the outcome of one restore-and-verify cycle.
type ValidationReport struct {
	ID               string    `json:"id"`
	BackupID         string    `json:"backup_id"`
	Scope            string    `json:"scope"`
	RestoreSucceeded bool      `json:"restore_succeeded"`
	ResourceCount    int       `json:"resource_count"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ComplianceResult reports RTO/RPO attainment for one terminal run.
// Positive margins mean the objective was met with room to spare.
type ComplianceResult struct {
	RunID              string        `json:"run_id"`
	Tier               Tier          `json:"tier"`
	RTOMet             bool          `json:"rto_met"`
	RPOMet             bool          `json:"rpo_met"`
	ActualRecoveryTime time.Duration `json:"actual_recovery_time"`
	DataLossWindow     time.Duration `json:"data_loss_window"`
	RTOMargin          time.Duration `json:"rto_margin"`
	RPOMargin          time.Duration `json:"rpo_margin"`
	EvaluatedAt        time.Time     `json:"evaluated_at"`
}

// BackupJobStatus tracks an emergency backup request through the engine.
type BackupJobStatus string

const (
	BackupJobPending   BackupJobStatus = "pending"
	BackupJobRunning   BackupJobStatus = "running"
	BackupJobCompleted BackupJobStatus = "completed"
	BackupJobFailed    BackupJobStatus = "failed"
)

// BackupJob is one operator-requested emergency backup.
type BackupJob struct {
	ID          string          `json:"id"`
	Scope       string          `json:"scope"`
	Tier        Tier            `json:"tier"`
	BackupID    string          `json:"backup_id,omitempty"`
	Status      BackupJobStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
