package recovery

import (
	"context"
	"time"
)

// RestorePhase is the engine's terminal-or-not status for a restore.
type RestorePhase string

const (
	RestoreInProgress RestorePhase = "in_progress"
	RestoreCompleted  RestorePhase = "completed"
	RestoreFailed     RestorePhase = "failed"
)

// Terminal reports whether the engine will not change this phase again.
func (p RestorePhase) Terminal() bool {
	return p == RestoreCompleted || p == RestoreFailed
}

// RestoreStatus is one poll of an in-flight restore.
type RestoreStatus struct {
	RestoreID string       `json:"restore_id"`
	Phase     RestorePhase `json:"phase"`
	Logs      []string     `json:"logs,omitempty"`
}

// ScopeMapping tells the engine where a restore lands. Filter narrows a
// restore to one resource class so cluster recoveries can be staged
// (cluster state, then volumes, then applications).
type ScopeMapping struct {
	Type   string `json:"type"` // namespace | cluster | region
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// BackupOptions parametrize an engine backup request.
type BackupOptions struct {
	Scope  string `json:"scope"`
	Tier   Tier   `json:"tier"`
	Reason string `json:"reason,omitempty"`
}

// EngineClient is the backup/restore engine as the controller consumes it.
// Engine failures surface as wrapped errors, never raw transport detail.
type EngineClient interface {
	ListBackups(ctx context.Context, tier Tier) ([]BackupRecord, error)
	CreateRestore(ctx context.Context, backupID string, mapping ScopeMapping) (string, error)
	GetRestoreStatus(ctx context.Context, restoreID string) (*RestoreStatus, error)
	CreateBackup(ctx context.Context, opts BackupOptions) (string, error)
}

// InfraRunner drives the infrastructure-automation jobs behind the
// provision and DNS steps of cross-region recovery.
type InfraRunner interface {
	ProvisionInfrastructure(ctx context.Context, region string) error
	UpdateDNS(ctx context.Context, fromRegion, toRegion string) error
}

// PodStatus is the orchestration layer's view of one pod.
type PodStatus struct {
	Name  string
	Ready bool
}

// Orchestrator is the container-orchestration surface the controller needs:
// pod health plus disposable-namespace lifecycle.
type Orchestrator interface {
	ListPods(ctx context.Context, namespace string) ([]PodStatus, error)
	CreateNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error
	NamespaceExists(ctx context.Context, name string) (bool, error)
	CountResources(ctx context.Context, namespace string) (int, error)
}

// ManifestReader fetches backup manifests from object storage for the
// pre-restore integrity check.
type ManifestReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// RunStore persists recovery runs and their append-only step logs.
type RunStore interface {
	CreateRun(ctx context.Context, run *RecoveryRun) error
	UpdateRun(ctx context.Context, run *RecoveryRun) error
	AppendStep(ctx context.Context, runID string, result StepResult) error
	GetRun(ctx context.Context, runID string) (*RecoveryRun, error)
	ListActiveRuns(ctx context.Context) ([]*RecoveryRun, error)
}

// ValidationStore persists validation reports.
type ValidationStore interface {
	SaveReport(ctx context.Context, report *ValidationReport) error
	LatestReport(ctx context.Context) (*ValidationReport, error)
	ListReports(ctx context.Context, limit int) ([]*ValidationReport, error)
}

// ComplianceStore persists objective evaluations so compliance reporting
// survives restarts. ResultForRun returns nil without error when the run has
// no evaluation. A zero tier or zero time bound in ListResults means
// unbounded.
type ComplianceStore interface {
	SaveResult(ctx context.Context, result *ComplianceResult) error
	ResultForRun(ctx context.Context, runID string) (*ComplianceResult, error)
	ListResults(ctx context.Context, tier Tier, since, until time.Time) ([]*ComplianceResult, error)
}

// AuditNotifier receives structured events for every externally visible
// state change. Implementations must not block run execution.
type AuditNotifier interface {
	NotifyTransition(ctx context.Context, run *RecoveryRun, from, to RunStatus)
	NotifyStep(ctx context.Context, run *RecoveryRun, result StepResult)
	NotifyValidation(ctx context.Context, report *ValidationReport)
	NotifyCompliance(ctx context.Context, result *ComplianceResult)
	NotifyNote(ctx context.Context, runID, note string)
}

// NopAuditNotifier discards all events. Used when auditing is disabled.
type NopAuditNotifier struct{}

func (NopAuditNotifier) NotifyTransition(context.Context, *RecoveryRun, RunStatus, RunStatus) {}
func (NopAuditNotifier) NotifyStep(context.Context, *RecoveryRun, StepResult)                {}
func (NopAuditNotifier) NotifyValidation(context.Context, *ValidationReport)                 {}
func (NopAuditNotifier) NotifyCompliance(context.Context, *ComplianceResult)                 {}
func (NopAuditNotifier) NotifyNote(context.Context, string, string)                          {}

// Archiver bundles a terminal run's record for long term retention.
type Archiver interface {
	ArchiveRun(ctx context.Context, run *RecoveryRun) error
}
