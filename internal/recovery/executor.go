package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

// ExecutorConfig bounds step execution. Timeouts are per step, never per
// run: a DNS flip and a cross-region volume restore differ by orders of
// magnitude.
type ExecutorConfig struct {
	BackoffBase        time.Duration            `json:"backoff_base"`
	BackoffCap         time.Duration            `json:"backoff_cap"`
	DefaultStepTimeout time.Duration            `json:"default_step_timeout"`
	StepTimeouts       map[string]time.Duration `json:"step_timeouts"`
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		BackoffBase:        2 * time.Second,
		BackoffCap:         30 * time.Second,
		DefaultStepTimeout: 10 * time.Minute,
		StepTimeouts: map[string]time.Duration{
			StepProvisionInfrastructure:  30 * time.Minute,
			StepRestoreClusterState:      20 * time.Minute,
			StepRestorePersistentVolumes: 20 * time.Minute,
			StepRestoreApplications:      15 * time.Minute,
			StepRestoreNamespace:         10 * time.Minute,
			StepEmergencyBackup:          10 * time.Minute,
			StepRestoreEmergencyBackup:   10 * time.Minute,
			StepUpdateDNS:                5 * time.Minute,
		},
	}
}

// StepHandler performs one idempotent external action and returns a
// human-readable detail line for the step log.
type StepHandler func(ctx context.Context, run *RecoveryRun) (string, error)

// RecordFunc persists one step outcome. The executor never advances past a
// step whose outcome could not be recorded.
type RecordFunc func(ctx context.Context, result StepResult) error

// RunRequest is one executor invocation: the forward steps of a scenario or
// its rollback sequence. Cancelled is checked between steps only; the step
// in flight always reaches a terminal engine status first. A nil Cancelled
// means the run is not cancellable.
type RunRequest struct {
	Run       *RecoveryRun
	Steps     []string
	Rollback  bool
	Record    RecordFunc
	Cancelled func() bool
}

// RecoveryExecutor runs scenario steps strictly in order against the backup
// engine and the infrastructure runner.
type RecoveryExecutor struct {
	engine   EngineClient
	infra    InfraRunner
	config   *ExecutorConfig
	handlers map[string]StepHandler
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewRecoveryExecutor creates an executor with the default step registry.
func NewRecoveryExecutor(engine EngineClient, infra InfraRunner, config *ExecutorConfig, collector *metrics.Collector, logger *zap.Logger) *RecoveryExecutor {
	if config == nil {
		config = DefaultExecutorConfig()
	}

	e := &RecoveryExecutor{
		engine:  engine,
		infra:   infra,
		config:  config,
		metrics: collector,
		logger:  logger,
	}
	e.handlers = map[string]StepHandler{
		StepEmergencyBackup:          e.runEmergencyBackup,
		StepRestoreNamespace:         e.runRestoreNamespace,
		StepRestoreClusterState:      e.runRestoreClusterState,
		StepRestorePersistentVolumes: e.runRestorePersistentVolumes,
		StepRestoreApplications:      e.runRestoreApplications,
		StepProvisionInfrastructure:  e.runProvisionInfrastructure,
		StepUpdateDNS:                e.runUpdateDNS,
		StepRestoreEmergencyBackup:   e.runRestoreEmergencyBackup,
	}
	return e
}

// Run executes req.Steps sequentially. Steps already recorded as succeeded
// in the run's log are skipped, which is what makes crash resume and
// repeated invocations safe. The first failing step stops the sequence and
// its typed error is returned after the outcome has been recorded.
func (e *RecoveryExecutor) Run(ctx context.Context, req RunRequest) error {
	done := completedSet(req.Run, req.Rollback)

	for _, stepID := range req.Steps {
		if done[stepID] {
			e.logger.Debug("step already recorded, skipping",
				zap.String("run_id", req.Run.RunID),
				zap.String("step", stepID))
			continue
		}

		if req.Cancelled != nil && req.Cancelled() {
			return ErrCancelled
		}

		result, stepErr := e.executeStep(ctx, req.Run, stepID, req.Rollback)

		// A shutdown mid-step is treated like a crash: leave the step
		// unrecorded so resume re-runs it.
		if ctx.Err() != nil {
			return fmt.Errorf("step %q interrupted: %w", stepID, ctx.Err())
		}

		if err := req.Record(ctx, result); err != nil {
			return fmt.Errorf("record step %q: %w", stepID, err)
		}
		if stepErr != nil {
			return stepErr
		}
	}
	return nil
}

func (e *RecoveryExecutor) executeStep(ctx context.Context, run *RecoveryRun, stepID string, rollback bool) (StepResult, error) {
	result := StepResult{Step: stepID, Rollback: rollback}

	handler, ok := e.handlers[stepID]
	if !ok {
		err := &StepExecutionError{Step: stepID, Cause: fmt.Errorf("no handler registered")}
		result.Outcome = StepFailed
		result.Detail = "no handler registered"
		result.Timestamp = time.Now()
		return result, err
	}

	timeout := e.stepTimeout(stepID)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("executing step",
		zap.String("run_id", run.RunID),
		zap.String("step", stepID),
		zap.Bool("rollback", rollback),
		zap.Duration("timeout", timeout))

	start := time.Now()
	detail, err := handler(stepCtx, run)
	duration := time.Since(start)

	result.Timestamp = time.Now()

	var stepErr error
	switch {
	case err == nil:
		result.Outcome = StepSucceeded
		result.Detail = detail
	case stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Outcome = StepTimedOut
		result.Detail = fmt.Sprintf("timed out after %s", timeout)
		stepErr = &StepTimeoutError{Step: stepID, Timeout: timeout}
	default:
		result.Outcome = StepFailed
		result.Detail = err.Error()
		stepErr = &StepExecutionError{Step: stepID, Cause: err}
	}

	if e.metrics != nil {
		e.metrics.RecordStep(stepID, string(result.Outcome), duration)
	}

	if stepErr != nil {
		e.logger.Error("step failed",
			zap.String("run_id", run.RunID),
			zap.String("step", stepID),
			zap.String("outcome", string(result.Outcome)),
			zap.Duration("duration", duration),
			zap.Error(stepErr))
	} else {
		e.logger.Info("step completed",
			zap.String("run_id", run.RunID),
			zap.String("step", stepID),
			zap.Duration("duration", duration))
	}

	return result, stepErr
}

func (e *RecoveryExecutor) stepTimeout(stepID string) time.Duration {
	if t, ok := e.config.StepTimeouts[stepID]; ok && t > 0 {
		return t
	}
	return e.config.DefaultStepTimeout
}

func completedSet(run *RecoveryRun, rollback bool) map[string]bool {
	done := make(map[string]bool)
	for _, sr := range run.StepLog {
		if sr.Rollback == rollback && sr.Outcome == StepSucceeded {
			done[sr.Step] = true
		}
	}
	return done
}

// splitRegionScope parses a "from->to" region-pair scope.
func splitRegionScope(scope string) (string, string, bool) {
	from, to, ok := strings.Cut(scope, "->")
	if !ok || from == "" || to == "" {
		return "", "", false
	}
	return from, to, true
}

// mappingForScope builds the engine scope mapping for a run's target scope.
func mappingForScope(scope, filter string) ScopeMapping {
	if from, to, ok := splitRegionScope(scope); ok {
		return ScopeMapping{Type: "region", Source: from, Target: to, Filter: filter}
	}
	if scope == ScopeCluster {
		return ScopeMapping{Type: "cluster", Target: ScopeCluster, Filter: filter}
	}
	return ScopeMapping{Type: "namespace", Source: scope, Target: scope, Filter: filter}
}

func (e *RecoveryExecutor) runEmergencyBackup(ctx context.Context, run *RecoveryRun) (string, error) {
	backupID, err := e.engine.CreateBackup(ctx, BackupOptions{
		Scope:  run.TargetScope,
		Tier:   run.Tier,
		Reason: fmt.Sprintf("pre-recovery snapshot for run %s", run.RunID),
	})
	if err != nil {
		return "", fmt.Errorf("create emergency backup: %w", err)
	}

	if err := e.waitBackup(ctx, backupID); err != nil {
		return "", err
	}

	run.EmergencyBackupID = backupID
	return fmt.Sprintf("emergency backup %s completed", backupID), nil
}

func (e *RecoveryExecutor) runRestoreNamespace(ctx context.Context, run *RecoveryRun) (string, error) {
	return e.restore(ctx, run.BackupID, mappingForScope(run.TargetScope, ""))
}

func (e *RecoveryExecutor) runRestoreClusterState(ctx context.Context, run *RecoveryRun) (string, error) {
	return e.restore(ctx, run.BackupID, mappingForScope(run.TargetScope, "cluster-state"))
}

func (e *RecoveryExecutor) runRestorePersistentVolumes(ctx context.Context, run *RecoveryRun) (string, error) {
	return e.restore(ctx, run.BackupID, mappingForScope(run.TargetScope, "persistent-volumes"))
}

func (e *RecoveryExecutor) runRestoreApplications(ctx context.Context, run *RecoveryRun) (string, error) {
	return e.restore(ctx, run.BackupID, mappingForScope(run.TargetScope, "applications"))
}

func (e *RecoveryExecutor) runProvisionInfrastructure(ctx context.Context, run *RecoveryRun) (string, error) {
	if e.infra == nil {
		return "", errors.New("infrastructure automation is not configured")
	}
	_, to, ok := splitRegionScope(run.TargetScope)
	if !ok {
		return "", fmt.Errorf("step requires a region-pair scope, got %q", run.TargetScope)
	}
	if err := e.infra.ProvisionInfrastructure(ctx, to); err != nil {
		return "", fmt.Errorf("provision infrastructure in %s: %w", to, err)
	}
	return fmt.Sprintf("infrastructure provisioned in %s", to), nil
}

func (e *RecoveryExecutor) runUpdateDNS(ctx context.Context, run *RecoveryRun) (string, error) {
	if e.infra == nil {
		return "", errors.New("infrastructure automation is not configured")
	}
	from, to, ok := splitRegionScope(run.TargetScope)
	if !ok {
		return "", fmt.Errorf("step requires a region-pair scope, got %q", run.TargetScope)
	}
	if err := e.infra.UpdateDNS(ctx, from, to); err != nil {
		return "", fmt.Errorf("update dns %s->%s: %w", from, to, err)
	}
	return fmt.Sprintf("dns updated %s->%s", from, to), nil
}

func (e *RecoveryExecutor) runRestoreEmergencyBackup(ctx context.Context, run *RecoveryRun) (string, error) {
	if run.EmergencyBackupID == "" {
		return "", fmt.Errorf("no emergency backup recorded for run %s", run.RunID)
	}
	return e.restore(ctx, run.EmergencyBackupID, mappingForScope(run.TargetScope, ""))
}

// restore starts one engine restore and polls it to a terminal phase.
func (e *RecoveryExecutor) restore(ctx context.Context, backupID string, mapping ScopeMapping) (string, error) {
	restoreID, err := e.engine.CreateRestore(ctx, backupID, mapping)
	if err != nil {
		return "", fmt.Errorf("create restore for backup %s: %w", backupID, err)
	}

	if err := e.waitRestore(ctx, restoreID); err != nil {
		return "", err
	}
	return fmt.Sprintf("restore %s completed", restoreID), nil
}

// waitRestore polls with exponential backoff until the restore is terminal.
// Transient status errors are retried; the per-step deadline is the bound.
func (e *RecoveryExecutor) waitRestore(ctx context.Context, restoreID string) error {
	interval := e.config.BackoffBase

	for {
		status, err := e.engine.GetRestoreStatus(ctx, restoreID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("restore status poll failed, retrying",
				zap.String("restore_id", restoreID),
				zap.Error(err))
		} else {
			switch status.Phase {
			case RestoreCompleted:
				return nil
			case RestoreFailed:
				return fmt.Errorf("restore %s failed: %s", restoreID, lastLog(status.Logs))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > e.config.BackoffCap {
			interval = e.config.BackoffCap
		}
	}
}

// waitBackup polls the engine listing until the backup reaches a terminal
// completion status.
func (e *RecoveryExecutor) waitBackup(ctx context.Context, backupID string) error {
	interval := e.config.BackoffBase

	for {
		records, err := e.engine.ListBackups(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("backup status poll failed, retrying",
				zap.String("backup_id", backupID),
				zap.Error(err))
		} else {
			for _, r := range records {
				if r.ID != backupID {
					continue
				}
				switch r.CompletionStatus {
				case BackupCompleted:
					return nil
				case BackupPartial, BackupFailed:
					return fmt.Errorf("backup %s finished %s", backupID, r.CompletionStatus)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > e.config.BackoffCap {
			interval = e.config.BackoffCap
		}
	}
}

func lastLog(logs []string) string {
	if len(logs) == 0 {
		return "no engine logs"
	}
	return logs[len(logs)-1]
}
