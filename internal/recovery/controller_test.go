package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioControllerClassify(t *testing.T) {
	rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

	t.Run("classifies namespace corruption from its signal", func(t *testing.T) {
		class, err := rig.controller.Classify([]string{"health_check_failure"})
		require.NoError(t, err)
		assert.Equal(t, ScenarioNamespaceCorruption, class.Scenario)
		assert.False(t, class.Escalate)
	})

	t.Run("prefers widest blast radius on overlapping signals", func(t *testing.T) {
		class, err := rig.controller.Classify([]string{"health_check_failure", "region_connectivity_loss"})
		require.NoError(t, err)
		assert.Equal(t, ScenarioDatacenterOutage, class.Scenario)
	})

	t.Run("identical signal sets classify identically", func(t *testing.T) {
		signals := []string{"api_server_unreachable", "health_check_failure"}
		first, err := rig.controller.Classify(signals)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			again, err := rig.controller.Classify(signals)
			require.NoError(t, err)
			assert.Equal(t, first.Scenario, again.Scenario)
			assert.Equal(t, first.Escalate, again.Escalate)
		}
		assert.Equal(t, ScenarioClusterFailure, first.Scenario)
	})

	t.Run("manual intervention trigger forces escalation", func(t *testing.T) {
		class, err := rig.controller.Classify([]string{"health_check_failure", "data_integrity_unknown"})
		require.NoError(t, err)
		assert.True(t, class.Escalate)
		assert.Equal(t, "data_integrity_unknown", class.Trigger)
		assert.Equal(t, ScenarioNamespaceCorruption, class.Scenario)
	})

	t.Run("trigger of an unselected scenario does not escalate", func(t *testing.T) {
		// intermittent_api_errors is cluster failure's trigger, but these
		// signals select namespace corruption, whose trigger is absent.
		class, err := rig.controller.Classify([]string{"health_check_failure", "intermittent_api_errors"})
		require.NoError(t, err)
		assert.Equal(t, ScenarioNamespaceCorruption, class.Scenario)
		assert.False(t, class.Escalate)
		assert.Empty(t, class.Trigger)
	})

	t.Run("unmatched signals classify as an escalation", func(t *testing.T) {
		class, err := rig.controller.Classify([]string{"disk_pressure"})
		require.NoError(t, err)
		assert.True(t, class.Escalate)
		assert.Empty(t, class.Scenario)
		assert.Empty(t, class.Trigger)
	})

	t.Run("empty signal set is rejected", func(t *testing.T) {
		_, err := rig.controller.Classify(nil)
		assert.ErrorIs(t, err, ErrUnknownScenario)
	})
}

func TestScenarioControllerSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("namespace corruption runs to success", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
			TriggeredBy: "oncall",
			Reason:      "corrupted configmaps",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusExecuting, run.Status)
		assert.Equal(t, TierStandard, run.Tier)
		assert.Equal(t, 30*time.Minute, run.Objective.RPO)

		final := waitStatus(t, rig.store, run.RunID, StatusSucceeded)

		require.Len(t, final.StepLog, 2)
		assert.Equal(t, StepEmergencyBackup, final.StepLog[0].Step)
		assert.Equal(t, StepSucceeded, final.StepLog[0].Outcome)
		assert.Equal(t, StepRestoreNamespace, final.StepLog[1].Step)
		assert.Equal(t, StepSucceeded, final.StepLog[1].Outcome)
		assert.NotEmpty(t, final.EmergencyBackupID)
		require.NotNil(t, final.CompletedAt)

		backups := rig.engine.backupRequests()
		require.Len(t, backups, 1)
		assert.Equal(t, "payments", backups[0].Scope)

		restores := rig.engine.restores()
		require.Len(t, restores, 1)
		assert.Equal(t, "b1", restores[0].BackupID)
		assert.Equal(t, "namespace", restores[0].Mapping.Type)
		assert.Equal(t, "payments", restores[0].Mapping.Target)

		_, held := rig.leases.Holder("payments")
		assert.False(t, held, "lease must be released after the run")

		assert.Contains(t, rig.audit.allTransitions(), "pending->executing")
		assert.Contains(t, rig.audit.allTransitions(), "executing->validating")
		assert.Contains(t, rig.audit.allTransitions(), "validating->succeeded")

		require.Eventually(t, func() bool {
			return len(rig.audit.complianceResults()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		result := rig.audit.complianceResults()[0]
		assert.True(t, result.RTOMet)
		assert.True(t, result.RPOMet)
	})

	t.Run("unknown backup is rejected without creating a run", func(t *testing.T) {
		rig := newTestRig(t)

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "nope",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrInvalidBackup)

		runs, err := rig.store.ListActiveRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, runs)
		assert.Empty(t, rig.leases.Active())
	})

	t.Run("partial backup is rejected", func(t *testing.T) {
		partial := testBackup("b-partial", TierStandard, time.Hour)
		partial.CompletionStatus = BackupPartial
		rig := newTestRig(t, partial)

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b-partial",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrInvalidBackup)
	})

	t.Run("unknown scenario is rejected", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    Scenario("volcano_eruption"),
			BackupID:    "b1",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrUnknownScenario)
	})

	t.Run("neither scenario nor signals is rejected", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			BackupID:    "b1",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrUnknownScenario)
	})

	t.Run("empty scope is rejected", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario: ScenarioNamespaceCorruption,
			BackupID: "b1",
		})
		require.ErrorIs(t, err, ErrInvalidScope)
		assert.Contains(t, err.Error(), "target scope")
	})

	t.Run("datacenter outage needs a region pair scope", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioDatacenterOutage,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.ErrorIs(t, err, ErrInvalidScope)
		assert.Contains(t, err.Error(), "region-pair")
	})
}

func TestScenarioControllerConfirmationGate(t *testing.T) {
	ctx := context.Background()

	t.Run("no step executes before confirmation", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
			Confirmed:   true,
			TriggeredBy: "oncall",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingConfirmation, run.Status)

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, rig.engine.restores(), "no restore may start before confirmation")

		stored, err := rig.store.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingConfirmation, stored.Status)
		assert.Empty(t, stored.StepLog)

		holder, held := rig.leases.Holder(ScopeCluster)
		assert.True(t, held)
		assert.Equal(t, run.RunID, holder)

		assert.Contains(t, rig.audit.allNotes(),
			"confirmed flag on submission ignored, explicit confirmation required")
	})

	t.Run("confirm starts execution in definition order", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
		})
		require.NoError(t, err)

		confirmed, err := rig.controller.Confirm(ctx, run.RunID, "approver@example.com")
		require.NoError(t, err)
		assert.Equal(t, StatusExecuting, confirmed.Status)
		assert.True(t, confirmed.Confirmed)

		final := waitStatus(t, rig.store, run.RunID, StatusSucceeded)
		require.Len(t, final.StepLog, 3)

		restores := rig.engine.restores()
		require.Len(t, restores, 3)
		assert.Equal(t, "cluster-state", restores[0].Mapping.Filter)
		assert.Equal(t, "persistent-volumes", restores[1].Mapping.Filter)
		assert.Equal(t, "applications", restores[2].Mapping.Filter)
	})

	t.Run("confirm rejects runs not awaiting confirmation", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)
		waitStatus(t, rig.store, run.RunID, StatusSucceeded)

		_, err = rig.controller.Confirm(ctx, run.RunID, "approver")
		require.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Contains(t, err.Error(), "not awaiting confirmation")
	})

	t.Run("confirm of unknown run fails", func(t *testing.T) {
		rig := newTestRig(t)
		_, err := rig.controller.Confirm(ctx, "missing", "approver")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestScenarioControllerEscalation(t *testing.T) {
	ctx := context.Background()

	t.Run("trigger signal escalates instead of executing", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Signals:     []string{"health_check_failure", "data_integrity_unknown"},
			BackupID:    "b1",
			TargetScope: "payments",
			TriggeredBy: "detector",
		})
		require.ErrorIs(t, err, ErrEscalated)
		require.NotNil(t, run)
		assert.Equal(t, StatusEscalated, run.Status)
		require.NotNil(t, run.CompletedAt)

		stored, err := rig.store.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, StatusEscalated, stored.Status)
		assert.Contains(t, stored.FailureReason, "data_integrity_unknown")

		assert.Empty(t, rig.engine.restores())
		assert.Empty(t, rig.engine.backupRequests())
		assert.Empty(t, rig.leases.Active())
		assert.Contains(t, rig.audit.allTransitions(), "pending->escalated")
	})

	t.Run("explicit scenario does not bypass triggers", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			Signals:     []string{"data_integrity_unknown"},
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.ErrorIs(t, err, ErrEscalated)
		assert.Equal(t, StatusEscalated, run.Status)
		assert.Empty(t, rig.engine.restores())
	})

	t.Run("unmatched signals escalate instead of rejecting", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Signals:     []string{"disk_pressure"},
			BackupID:    "b1",
			TargetScope: "payments",
			TriggeredBy: "detector",
		})
		require.ErrorIs(t, err, ErrEscalated)
		require.NotNil(t, run)
		assert.Equal(t, StatusEscalated, run.Status)
		assert.Empty(t, run.Scenario)
		assert.Contains(t, run.FailureReason, "match no scenario")

		stored, err := rig.store.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, StatusEscalated, stored.Status)

		assert.Empty(t, rig.engine.restores())
		assert.Empty(t, rig.leases.Active())
		assert.Contains(t, rig.audit.allTransitions(), "pending->escalated")
	})
}

func TestScenarioControllerScopeLeases(t *testing.T) {
	ctx := context.Background()

	t.Run("cluster lease blocks namespace submissions", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		_, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
		})
		require.NoError(t, err)

		_, err = rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrScopeLocked)
	})

	t.Run("same scope is rejected while a run is live", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		gate := make(chan struct{})
		rig.engine.restoreGate = gate

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)
		waitSteps(t, rig.store, run.RunID, 1)

		_, err = rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		assert.ErrorIs(t, err, ErrScopeLocked)

		close(gate)
		waitStatus(t, rig.store, run.RunID, StatusSucceeded)
	})

	t.Run("distinct namespaces run concurrently", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		first, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)
		second, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "billing",
		})
		require.NoError(t, err)

		waitStatus(t, rig.store, first.RunID, StatusSucceeded)
		waitStatus(t, rig.store, second.RunID, StatusSucceeded)
		assert.Empty(t, rig.leases.Active())
	})
}

func TestScenarioControllerCancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel takes effect at the next step boundary", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		rig.applyScenario(t, ScenarioDefinition{
			Scenario:                   ScenarioNamespaceCorruption,
			DetectionSignals:           []string{"health_check_failure"},
			ManualInterventionTriggers: []string{"data_integrity_unknown"},
			AutomatedSteps:             []string{StepEmergencyBackup, StepRestoreNamespace, StepRestoreApplications},
			RollbackSteps:              []string{StepRestoreEmergencyBackup},
			Tier:                       TierStandard,
			ValidationWindow:           2 * time.Minute,
		})

		gate := make(chan struct{})
		rig.engine.restoreGate = gate

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)

		// The second step is past its cancellation check and blocked in the
		// engine before the cancel lands.
		require.Eventually(t, func() bool {
			return rig.engine.arrivedAtGate() == 1
		}, 5*time.Second, 2*time.Millisecond)

		require.NoError(t, rig.controller.Cancel(ctx, run.RunID, "oncall"))
		close(gate)

		final := waitStatus(t, rig.store, run.RunID, StatusFailed)
		assert.True(t, final.CancelRequested)
		assert.Contains(t, final.FailureReason, "cancelled")

		// The step in flight finished, the third step never started, and no
		// rollback ran: a cancelled run stops where it is.
		require.Len(t, final.StepLog, 2)
		assert.Equal(t, StepEmergencyBackup, final.StepLog[0].Step)
		assert.Equal(t, StepRestoreNamespace, final.StepLog[1].Step)
		for _, step := range final.StepLog {
			assert.False(t, step.Rollback)
		}

		restores := rig.engine.restores()
		require.Len(t, restores, 1)
		assert.Equal(t, "b1", restores[0].BackupID)

		assert.Contains(t, rig.audit.allTransitions(), "executing->failed")
		assert.NotContains(t, rig.audit.allTransitions(), "executing->rolled_back")
		_, held := rig.leases.Holder("payments")
		assert.False(t, held, "lease must be released after cancellation")
	})

	t.Run("datacenter outage is never cancellable", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))
		gate := make(chan struct{})
		rig.engine.restoreGate = gate

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioDatacenterOutage,
			BackupID:    "b1",
			TargetScope: "us-east->us-west",
		})
		require.NoError(t, err)
		assert.ErrorIs(t, rig.controller.Cancel(ctx, run.RunID, "oncall"), ErrNotCancellable)

		_, err = rig.controller.Confirm(ctx, run.RunID, "approver")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(rig.infra.provisionedRegions()) == 1
		}, 5*time.Second, 2*time.Millisecond)

		assert.ErrorIs(t, rig.controller.Cancel(ctx, run.RunID, "oncall"), ErrNotCancellable)
		close(gate)

		final := waitStatus(t, rig.store, run.RunID, StatusSucceeded)
		require.Len(t, final.StepLog, 5)
		assert.Equal(t, StepProvisionInfrastructure, final.StepLog[0].Step)
		assert.Equal(t, StepRestoreClusterState, final.StepLog[1].Step)
		assert.Equal(t, StepRestorePersistentVolumes, final.StepLog[2].Step)
		assert.Equal(t, StepRestoreApplications, final.StepLog[3].Step)
		assert.Equal(t, StepUpdateDNS, final.StepLog[4].Step)
		assert.Equal(t, []string{"us-west"}, rig.infra.provisionedRegions())
		assert.Equal(t, []string{"us-east->us-west"}, rig.infra.dnsChanges())
	})

	t.Run("runs awaiting confirmation cannot be cancelled", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
		})
		require.NoError(t, err)
		assert.ErrorIs(t, rig.controller.Cancel(ctx, run.RunID, "oncall"), ErrNotCancellable)
	})

	t.Run("terminal runs cannot be cancelled", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)
		waitStatus(t, rig.store, run.RunID, StatusSucceeded)

		assert.ErrorIs(t, rig.controller.Cancel(ctx, run.RunID, "oncall"), ErrNotCancellable)
	})
}

func TestScenarioControllerRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("step failure triggers rollback", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		rig.engine.failNextRestores = 1

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)

		final := waitStatus(t, rig.store, run.RunID, StatusRolledBack)
		require.Len(t, final.StepLog, 3)
		assert.Equal(t, StepFailed, final.StepLog[1].Outcome)
		assert.True(t, final.StepLog[2].Rollback)
		assert.Equal(t, StepSucceeded, final.StepLog[2].Outcome)
		assert.Contains(t, final.FailureReason, "restore-namespace")

		_, held := rig.leases.Holder("payments")
		assert.False(t, held)
	})

	t.Run("step timeout triggers rollback", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		rig.execConfig.StepTimeouts[StepRestoreNamespace] = 40 * time.Millisecond
		rig.engine.stallNextRestores = 1

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)

		final := waitStatus(t, rig.store, run.RunID, StatusRolledBack)
		require.Len(t, final.StepLog, 3)
		assert.Equal(t, StepTimedOut, final.StepLog[1].Outcome)
		assert.Contains(t, final.FailureReason, "timed out")
	})

	t.Run("failure without rollback steps fails the run", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))
		rig.engine.failNextRestores = 1

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
		})
		require.NoError(t, err)
		_, err = rig.controller.Confirm(ctx, run.RunID, "approver")
		require.NoError(t, err)

		final := waitStatus(t, rig.store, run.RunID, StatusFailed)
		require.Len(t, final.StepLog, 1)
		assert.Equal(t, StepFailed, final.StepLog[0].Outcome)
		assert.Len(t, rig.engine.restores(), 1, "later steps must not run after a failure")
	})

	t.Run("rollback failure preserves the original cause", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		rig.engine.failNextRestores = 2

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)

		final := waitStatus(t, rig.store, run.RunID, StatusFailed)
		assert.Contains(t, final.FailureReason, "restore-namespace")
		assert.Contains(t, final.FailureReason, "rollback failed")
	})

	t.Run("failed validation fails the run with unhealthy namespaces", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))
		rig.applyScenario(t, ScenarioDefinition{
			Scenario:                   ScenarioNamespaceCorruption,
			DetectionSignals:           []string{"health_check_failure"},
			ManualInterventionTriggers: []string{"data_integrity_unknown"},
			AutomatedSteps:             []string{StepEmergencyBackup, StepRestoreNamespace},
			Tier:                       TierStandard,
			ValidationWindow:           40 * time.Millisecond,
		})
		rig.orch.setPods("payments", PodStatus{Name: "payments-0", Ready: false})

		run, err := rig.controller.Submit(ctx, SubmitRequest{
			Scenario:    ScenarioNamespaceCorruption,
			BackupID:    "b1",
			TargetScope: "payments",
		})
		require.NoError(t, err)

		final := waitStatus(t, rig.store, run.RunID, StatusFailed)
		assert.Equal(t, []string{"payments"}, final.UnhealthyNamespaces)
		assert.Contains(t, final.FailureReason, "did not converge")
	})
}

func TestScenarioControllerResume(t *testing.T) {
	ctx := context.Background()

	t.Run("executing run resumes past recorded steps", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		started := time.Now().Add(-time.Minute)
		run := &RecoveryRun{
			RunID:             "run-resume-1",
			Scenario:          ScenarioNamespaceCorruption,
			BackupID:          "b1",
			TargetScope:       "payments",
			Tier:              TierStandard,
			Status:            StatusExecuting,
			DetectedAt:        started,
			StartedAt:         started,
			EmergencyBackupID: "backup-em-pre",
			StepLog: []StepResult{
				{Step: StepEmergencyBackup, Outcome: StepSucceeded, Timestamp: started},
			},
		}
		require.NoError(t, rig.store.CreateRun(ctx, run))

		require.NoError(t, rig.controller.Resume(ctx))

		final := waitStatus(t, rig.store, run.RunID, StatusSucceeded)
		require.Len(t, final.StepLog, 2)
		assert.Equal(t, StepRestoreNamespace, final.StepLog[1].Step)

		assert.Empty(t, rig.engine.backupRequests(), "recorded emergency backup must not repeat")
		assert.Len(t, rig.engine.restores(), 1)
		assert.Empty(t, rig.leases.Active())
	})

	t.Run("awaiting confirmation run holds its lease until confirmed", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		run := &RecoveryRun{
			RunID:       "run-resume-2",
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
			Tier:        TierCritical,
			Status:      StatusAwaitingConfirmation,
			DetectedAt:  time.Now(),
			StartedAt:   time.Now(),
		}
		require.NoError(t, rig.store.CreateRun(ctx, run))

		require.NoError(t, rig.controller.Resume(ctx))

		holder, held := rig.leases.Holder(ScopeCluster)
		require.True(t, held)
		assert.Equal(t, run.RunID, holder)
		assert.Empty(t, rig.engine.restores())

		_, err := rig.controller.Confirm(ctx, run.RunID, "approver")
		require.NoError(t, err)
		waitStatus(t, rig.store, run.RunID, StatusSucceeded)
	})

	t.Run("pending run with confirmation gate parks", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierCritical, 10*time.Minute))

		run := &RecoveryRun{
			RunID:       "run-resume-3",
			Scenario:    ScenarioClusterFailure,
			BackupID:    "b1",
			TargetScope: ScopeCluster,
			Tier:        TierCritical,
			Status:      StatusPending,
			DetectedAt:  time.Now(),
			StartedAt:   time.Now(),
		}
		require.NoError(t, rig.store.CreateRun(ctx, run))

		require.NoError(t, rig.controller.Resume(ctx))

		stored, err := rig.store.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingConfirmation, stored.Status)
	})

	t.Run("validating run revalidates without re-running steps", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		started := time.Now().Add(-time.Minute)
		run := &RecoveryRun{
			RunID:             "run-resume-4",
			Scenario:          ScenarioNamespaceCorruption,
			BackupID:          "b1",
			TargetScope:       "payments",
			Tier:              TierStandard,
			Status:            StatusValidating,
			DetectedAt:        started,
			StartedAt:         started,
			EmergencyBackupID: "backup-em-pre",
			StepLog: []StepResult{
				{Step: StepEmergencyBackup, Outcome: StepSucceeded, Timestamp: started},
				{Step: StepRestoreNamespace, Outcome: StepSucceeded, Timestamp: started},
			},
		}
		require.NoError(t, rig.store.CreateRun(ctx, run))

		require.NoError(t, rig.controller.Resume(ctx))

		waitStatus(t, rig.store, run.RunID, StatusSucceeded)
		assert.Empty(t, rig.engine.restores())
		assert.Empty(t, rig.engine.backupRequests())
	})

	t.Run("conflicting scope leaves exactly one run live", func(t *testing.T) {
		rig := newTestRig(t, testBackup("b1", TierStandard, 10*time.Minute))

		for _, id := range []string{"run-a", "run-b"} {
			run := &RecoveryRun{
				RunID:       id,
				Scenario:    ScenarioNamespaceCorruption,
				BackupID:    "b1",
				TargetScope: "payments",
				Tier:        TierStandard,
				Status:      StatusExecuting,
				DetectedAt:  time.Now(),
				StartedAt:   time.Now(),
			}
			require.NoError(t, rig.store.CreateRun(ctx, run))
		}

		require.NoError(t, rig.controller.Resume(ctx))

		require.Eventually(t, func() bool {
			a, err := rig.store.GetRun(ctx, "run-a")
			if err != nil {
				return false
			}
			b, err := rig.store.GetRun(ctx, "run-b")
			if err != nil {
				return false
			}
			return a.Status.Terminal() && b.Status.Terminal()
		}, 5*time.Second, 5*time.Millisecond)

		a, _ := rig.store.GetRun(ctx, "run-a")
		b, _ := rig.store.GetRun(ctx, "run-b")
		statuses := []RunStatus{a.Status, b.Status}
		assert.Contains(t, statuses, StatusSucceeded)
		assert.Contains(t, statuses, StatusFailed)
	})
}
