// internal/recovery/validation.go
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

// ValidationConfig bounds restore validation runs.
type ValidationConfig struct {
	Window          time.Duration `json:"window"`
	PollBase        time.Duration `json:"poll_base"`
	PollCap         time.Duration `json:"poll_cap"`
	NamespacePrefix string        `json:"namespace_prefix"`
	CleanupTimeout  time.Duration `json:"cleanup_timeout"`
	Interval        time.Duration `json:"interval"`
	Tiers           []Tier        `json:"tiers"`
}

// DefaultValidationConfig returns sensible defaults
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		Window:          10 * time.Minute,
		PollBase:        2 * time.Second,
		PollCap:         30 * time.Second,
		NamespacePrefix: "validate",
		CleanupTimeout:  2 * time.Minute,
		Interval:        6 * time.Hour,
		Tiers:           []Tier{TierCritical, TierStandard},
	}
}

// ValidationRunner proves backups restorable by restoring them into
// disposable namespaces. The namespace is deleted no matter how the
// validation ends; an orphaned one is a bug, not a policy.
type ValidationRunner struct {
	engine    EngineClient
	orch      Orchestrator
	manifests ManifestReader
	catalog   *BackupCatalog
	leases    *LeaseTable
	store     ValidationStore
	audit     AuditNotifier
	metrics   *metrics.Collector
	config    *ValidationConfig
	logger    *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewValidationRunner creates a runner with the given collaborators.
func NewValidationRunner(engine EngineClient, orch Orchestrator, manifests ManifestReader, catalog *BackupCatalog, leases *LeaseTable, store ValidationStore, audit AuditNotifier, collector *metrics.Collector, config *ValidationConfig, logger *zap.Logger) *ValidationRunner {
	if config == nil {
		config = DefaultValidationConfig()
	}
	if audit == nil {
		audit = NopAuditNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ValidationRunner{
		engine:    engine,
		orch:      orch,
		manifests: manifests,
		catalog:   catalog,
		leases:    leases,
		store:     store,
		audit:     audit,
		metrics:   collector,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Validate restores one backup into a fresh namespace, counts what arrived
// and records the report. A non-nil report is always persisted, even for
// failed validations; the error mirrors the report's Error field so callers
// can branch without parsing it.
func (v *ValidationRunner) Validate(ctx context.Context, backupID string) (*ValidationReport, error) {
	backup, err := v.catalog.VerifyUsable(ctx, backupID)
	if err != nil {
		return nil, err
	}

	reportID := uuid.New().String()
	namespace := fmt.Sprintf("%s-%s", v.config.NamespacePrefix, reportID[:8])

	if err := v.leases.Acquire(namespace, reportID); err != nil {
		return nil, err
	}
	defer v.leases.Release(namespace, reportID)

	v.logger.Info("validation started",
		zap.String("report_id", reportID),
		zap.String("backup_id", backupID),
		zap.String("namespace", namespace))

	start := time.Now()
	report := &ValidationReport{
		ID:       reportID,
		BackupID: backupID,
		Scope:    namespace,
	}

	valErr := v.run(ctx, backup, namespace, report)
	if valErr != nil {
		report.Error = valErr.Error()
	}
	report.DurationSeconds = time.Since(start).Seconds()
	report.CreatedAt = time.Now()

	if err := v.store.SaveReport(ctx, report); err != nil {
		return report, fmt.Errorf("persist validation report: %w", err)
	}
	v.audit.NotifyValidation(ctx, report)
	if v.metrics != nil {
		passed := report.RestoreSucceeded && report.Error == ""
		v.metrics.RecordValidation(passed, time.Since(start))
	}

	v.logger.Info("validation finished",
		zap.String("report_id", reportID),
		zap.Bool("restore_succeeded", report.RestoreSucceeded),
		zap.Int("resource_count", report.ResourceCount),
		zap.String("error", report.Error))

	return report, valErr
}

// run performs the restore into the disposable namespace. The namespace is
// created here and deleted in a deferred cleanup that uses its own
// deadline, so a cancelled caller cannot leak it.
func (v *ValidationRunner) run(ctx context.Context, backup BackupRecord, namespace string, report *ValidationReport) error {
	if err := v.checkManifest(ctx, backup); err != nil {
		return err
	}

	if err := v.orch.CreateNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("create validation namespace %s: %w", namespace, err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), v.config.CleanupTimeout)
		defer cancel()
		if err := v.orch.DeleteNamespace(cleanupCtx, namespace); err != nil {
			v.logger.Error("validation namespace not cleaned up",
				zap.String("namespace", namespace),
				zap.Error(err))
			v.audit.NotifyNote(cleanupCtx, report.ID, "validation namespace "+namespace+" orphaned")
		}
	}()

	restoreID, err := v.engine.CreateRestore(ctx, backup.ID, ScopeMapping{
		Type:   "namespace",
		Target: namespace,
	})
	if err != nil {
		return fmt.Errorf("create validation restore: %w", err)
	}

	if err := v.waitRestore(ctx, restoreID); err != nil {
		return err
	}
	report.RestoreSucceeded = true

	count, err := v.orch.CountResources(ctx, namespace)
	if err != nil {
		return fmt.Errorf("count restored resources: %w", err)
	}
	report.ResourceCount = count
	return nil
}

// backupManifest is the declared shape of a backup's stored manifest. Only
// the fields the integrity check compares are decoded.
type backupManifest struct {
	BackupID  string `json:"backup_id"`
	SizeBytes int64  `json:"size_bytes"`
}

// checkManifest reads the backup manifest from object storage before any
// restore is attempted. An unreadable manifest, or one that disagrees with
// the catalog about identity or size, fails fast before a restore cycle is
// spent.
func (v *ValidationRunner) checkManifest(ctx context.Context, backup BackupRecord) error {
	if v.manifests == nil {
		return nil
	}

	key := path.Join(backup.StorageLocation.Prefix, "manifest.json")
	data, err := v.manifests.Get(ctx, backup.StorageLocation.Bucket, key)
	if err != nil {
		return fmt.Errorf("backup %s manifest unreadable: %w", backup.ID, err)
	}

	var m backupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("backup %s manifest corrupt: %w", backup.ID, err)
	}
	if m.BackupID != "" && m.BackupID != backup.ID {
		return fmt.Errorf("backup %s manifest names backup %s", backup.ID, m.BackupID)
	}
	if m.SizeBytes > 0 && backup.SizeBytes > 0 && m.SizeBytes != backup.SizeBytes {
		return fmt.Errorf("backup %s manifest declares %d bytes, catalog has %d",
			backup.ID, m.SizeBytes, backup.SizeBytes)
	}
	return nil
}

// waitRestore polls the restore inside the validation window. Running out
// of window is a validation timeout, not a generic failure.
func (v *ValidationRunner) waitRestore(ctx context.Context, restoreID string) error {
	wctx, cancel := context.WithTimeout(ctx, v.config.Window)
	defer cancel()

	interval := v.config.PollBase
	for {
		status, err := v.engine.GetRestoreStatus(wctx, restoreID)
		if err != nil {
			if wctx.Err() != nil {
				return v.windowError(ctx, wctx)
			}
			v.logger.Warn("validation restore poll failed, retrying",
				zap.String("restore_id", restoreID),
				zap.Error(err))
		} else {
			switch status.Phase {
			case RestoreCompleted:
				return nil
			case RestoreFailed:
				return fmt.Errorf("validation restore %s failed: %s", restoreID, lastLog(status.Logs))
			}
		}

		select {
		case <-wctx.Done():
			return v.windowError(ctx, wctx)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > v.config.PollCap {
			interval = v.config.PollCap
		}
	}
}

func (v *ValidationRunner) windowError(ctx, wctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("validation interrupted: %w", ctx.Err())
	}
	if wctx.Err() == context.DeadlineExceeded {
		return &ValidationTimeoutError{Window: v.config.Window}
	}
	return wctx.Err()
}

// Start launches the periodic validation loop. A non-positive interval
// disables scheduling.
func (v *ValidationRunner) Start(ctx context.Context) {
	if v.config.Interval <= 0 {
		return
	}
	v.wg.Add(1)
	go v.scheduleLoop(ctx)
}

// Stop halts the periodic loop and waits for an in-flight cycle.
func (v *ValidationRunner) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

func (v *ValidationRunner) scheduleLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.runScheduled(ctx)
		}
	}
}

// runScheduled validates the newest completed backup of each configured
// tier. Failures are logged and do not stop the loop.
func (v *ValidationRunner) runScheduled(ctx context.Context) {
	for _, tier := range v.config.Tiers {
		backup, ok := v.catalog.LatestCompleted(tier)
		if !ok {
			v.logger.Warn("no completed backup to validate", zap.String("tier", string(tier)))
			continue
		}

		if _, err := v.Validate(ctx, backup.ID); err != nil {
			v.logger.Warn("scheduled validation failed",
				zap.String("tier", string(tier)),
				zap.String("backup_id", backup.ID),
				zap.Error(err))
		}
	}
}

// LatestReport returns the most recent validation report.
func (v *ValidationRunner) LatestReport(ctx context.Context) (*ValidationReport, error) {
	return v.store.LatestReport(ctx)
}

// Reports lists recent validation reports, newest first.
func (v *ValidationRunner) Reports(ctx context.Context, limit int) ([]*ValidationReport, error) {
	return v.store.ListReports(ctx, limit)
}
