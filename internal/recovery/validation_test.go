package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

type validationRig struct {
	engine    *fakeEngine
	orch      *fakeOrchestrator
	manifests *fakeManifests
	leases    *LeaseTable
	store     *memoryValidationStore
	audit     *recordingAudit
	config    *ValidationConfig
	runner    *ValidationRunner
}

func newValidationRig(t *testing.T, backups ...BackupRecord) *validationRig {
	t.Helper()
	logger := zap.NewNop()

	rig := &validationRig{
		engine: newFakeEngine(backups...),
		orch:   newFakeOrchestrator(),
		manifests: &fakeManifests{objects: map[string][]byte{
			"backups/daily/b1/manifest.json": []byte(`{"backup_id":"b1","size_bytes":4096,"checksum":"sha256:ab12"}`),
		}},
		leases: NewLeaseTable(),
		store:  &memoryValidationStore{},
		audit:  &recordingAudit{},
		config: &ValidationConfig{
			Window:          200 * time.Millisecond,
			PollBase:        time.Millisecond,
			PollCap:         5 * time.Millisecond,
			NamespacePrefix: "validate",
			CleanupTimeout:  time.Second,
			Interval:        0,
			Tiers:           []Tier{TierStandard},
		},
	}

	catalog := NewBackupCatalog(rig.engine, time.Hour, nil, logger)
	require.NoError(t, catalog.Refresh(context.Background()))

	rig.runner = NewValidationRunner(rig.engine, rig.orch, rig.manifests, catalog,
		rig.leases, rig.store, rig.audit, metrics.NewCollector(), rig.config, logger)
	return rig
}

func TestValidationRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("restores into a disposable namespace and cleans it up", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.orch.resourceDefault = 12

		report, err := rig.runner.Validate(ctx, "b1")
		require.NoError(t, err)
		require.NotNil(t, report)

		assert.True(t, report.RestoreSucceeded)
		assert.Equal(t, 12, report.ResourceCount)
		assert.Empty(t, report.Error)
		assert.Equal(t, "b1", report.BackupID)
		assert.Contains(t, report.Scope, "validate-")
		assert.False(t, report.CreatedAt.IsZero())

		created := rig.orch.createdNamespaces()
		require.Len(t, created, 1)
		assert.Equal(t, report.Scope, created[0])
		assert.Equal(t, created, rig.orch.deletedNamespaces())

		assert.Empty(t, rig.leases.Active())

		latest, err := rig.store.LatestReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, report.ID, latest.ID)
	})

	t.Run("failed restore is reported and the namespace still goes away", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.engine.failRestores = true

		report, err := rig.runner.Validate(ctx, "b1")
		require.Error(t, err)
		require.NotNil(t, report)

		assert.False(t, report.RestoreSucceeded)
		assert.Contains(t, report.Error, "failed")
		assert.Equal(t, rig.orch.createdNamespaces(), rig.orch.deletedNamespaces())

		latest, err := rig.store.LatestReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, report.ID, latest.ID)
	})

	t.Run("window expiry is a validation timeout", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.engine.pollsToFinish = 1 << 20
		rig.config.Window = 40 * time.Millisecond

		report, err := rig.runner.Validate(ctx, "b1")
		require.Error(t, err)

		var vt *ValidationTimeoutError
		require.ErrorAs(t, err, &vt)
		assert.Equal(t, 40*time.Millisecond, vt.Window)
		assert.False(t, report.RestoreSucceeded)
		assert.Equal(t, rig.orch.createdNamespaces(), rig.orch.deletedNamespaces())
	})

	t.Run("unreadable manifest fails before any namespace exists", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.manifests.err = errors.New("s3 unavailable")

		report, err := rig.runner.Validate(ctx, "b1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manifest")
		assert.False(t, report.RestoreSucceeded)
		assert.Empty(t, rig.orch.createdNamespaces())
		assert.Empty(t, rig.engine.restores())
	})

	t.Run("manifest size disagreement fails before a restore is spent", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.manifests.objects["backups/daily/b1/manifest.json"] =
			[]byte(`{"backup_id":"b1","size_bytes":999}`)

		report, err := rig.runner.Validate(ctx, "b1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "declares 999 bytes")
		assert.False(t, report.RestoreSucceeded)
		assert.Empty(t, rig.engine.restores())
	})

	t.Run("manifest naming another backup is rejected", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
		rig.manifests.objects["backups/daily/b1/manifest.json"] =
			[]byte(`{"backup_id":"b7","size_bytes":4096}`)

		report, err := rig.runner.Validate(ctx, "b1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "names backup b7")
		assert.False(t, report.RestoreSucceeded)
		assert.Empty(t, rig.engine.restores())
	})

	t.Run("unknown backup is rejected without a report", func(t *testing.T) {
		rig := newValidationRig(t)

		report, err := rig.runner.Validate(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidBackup)
		assert.Nil(t, report)

		latest, err := rig.store.LatestReport(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("latest report tracks the newest validation", func(t *testing.T) {
		rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))

		first, err := rig.runner.Validate(ctx, "b1")
		require.NoError(t, err)
		second, err := rig.runner.Validate(ctx, "b1")
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)

		latest, err := rig.runner.LatestReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)

		reports, err := rig.runner.Reports(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.Equal(t, second.ID, reports[0].ID)
	})
}

func TestValidationScheduler(t *testing.T) {
	rig := newValidationRig(t, testBackup("b1", TierStandard, time.Hour))
	rig.config.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig.runner.Start(ctx)
	defer rig.runner.Stop()

	require.Eventually(t, func() bool {
		reports, err := rig.store.ListReports(ctx, 5)
		return err == nil && len(reports) >= 1
	}, 5*time.Second, 5*time.Millisecond, "scheduler never produced a report")

	reports, err := rig.store.ListReports(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "b1", reports[0].BackupID)
	assert.True(t, reports[0].RestoreSucceeded)
}
