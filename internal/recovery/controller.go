// internal/recovery/controller.go
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

// SubmitRequest is one recovery submission. Scenario may be left empty, in
// which case the controller classifies from Signals. The Confirmed flag is
// recorded but never honored for scenarios that require confirmation; those
// only proceed through Confirm.
type SubmitRequest struct {
	Scenario    Scenario  `json:"scenario,omitempty"`
	Signals     []string  `json:"signals,omitempty"`
	BackupID    string    `json:"backup_id"`
	TargetScope string    `json:"target_scope"`
	Confirmed   bool      `json:"confirmed,omitempty"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
	DetectedAt  time.Time `json:"detected_at,omitempty"`
}

// Classification is the outcome of matching signals against known scenarios.
type Classification struct {
	Scenario   Scenario           `json:"scenario"`
	Definition ScenarioDefinition `json:"-"`
	Escalate   bool               `json:"escalate"`
	Trigger    string             `json:"trigger,omitempty"`
}

// ControllerConfig wires the controller's collaborators. Registry, Catalog,
// Executor, Health, Objectives, Leases and Store are required; Audit and
// Archive are optional.
type ControllerConfig struct {
	Registry   *ScenarioRegistry
	Catalog    *BackupCatalog
	Executor   *RecoveryExecutor
	Health     *ServiceHealthChecker
	Objectives *ObjectiveTracker
	Leases     *LeaseTable
	Store      RunStore
	Audit      AuditNotifier
	Archive    Archiver
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// runHandle is the cross-goroutine surface of one live run. Cancellation is
// a one-way flag observed by the executor between steps; the owning
// goroutine is the only writer of the run record itself.
type runHandle struct {
	cancelled   atomic.Bool
	requestedBy string
}

// ScenarioController owns the run state machine: classification, submission,
// confirmation gates, execution, validation and terminal bookkeeping. One
// run fails without affecting any other run.
type ScenarioController struct {
	registry   *ScenarioRegistry
	catalog    *BackupCatalog
	executor   *RecoveryExecutor
	health     *ServiceHealthChecker
	objectives *ObjectiveTracker
	leases     *LeaseTable
	store      RunStore
	audit      AuditNotifier
	archive    Archiver
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu      sync.Mutex
	handles map[string]*runHandle
	stopped bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewScenarioController validates the wiring and returns a controller ready
// for Resume and Submit.
func NewScenarioController(cfg ControllerConfig) (*ScenarioController, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("recovery: controller requires a scenario registry")
	case cfg.Catalog == nil:
		return nil, errors.New("recovery: controller requires a backup catalog")
	case cfg.Executor == nil:
		return nil, errors.New("recovery: controller requires an executor")
	case cfg.Health == nil:
		return nil, errors.New("recovery: controller requires a health checker")
	case cfg.Objectives == nil:
		return nil, errors.New("recovery: controller requires an objective tracker")
	case cfg.Leases == nil:
		return nil, errors.New("recovery: controller requires a lease table")
	case cfg.Store == nil:
		return nil, errors.New("recovery: controller requires a run store")
	}
	if cfg.Audit == nil {
		cfg.Audit = NopAuditNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ScenarioController{
		registry:   cfg.Registry,
		catalog:    cfg.Catalog,
		executor:   cfg.Executor,
		health:     cfg.Health,
		objectives: cfg.Objectives,
		leases:     cfg.Leases,
		store:      cfg.Store,
		audit:      cfg.Audit,
		archive:    cfg.Archive,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		handles:    make(map[string]*runHandle),
		runCtx:     ctx,
		runCancel:  cancel,
	}, nil
}

// Classify matches signals against scenario definitions in fixed priority
// order, widest blast radius first. Manual intervention triggers are
// consulted only on the selected definition: a trigger belonging to a
// scenario that did not match never vetoes the one that did. Signal sets
// matching no definition classify as an escalation with no scenario.
// Identical signal sets always classify identically.
func (c *ScenarioController) Classify(signals []string) (*Classification, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("no signals provided: %w", ErrUnknownScenario)
	}

	present := make(map[string]bool, len(signals))
	for _, s := range signals {
		present[s] = true
	}

	for _, scenario := range scenarioPriority {
		def, ok := c.registry.Get(scenario)
		if !ok {
			continue
		}
		if !containsAll(present, def.DetectionSignals) {
			continue
		}
		matched := &Classification{Scenario: scenario, Definition: def}
		for _, trigger := range def.ManualInterventionTriggers {
			if present[trigger] {
				matched.Escalate = true
				matched.Trigger = trigger
				break
			}
		}
		return matched, nil
	}

	return &Classification{Escalate: true}, nil
}

func containsAll(present map[string]bool, want []string) bool {
	if len(want) == 0 {
		return false
	}
	for _, w := range want {
		if !present[w] {
			return false
		}
	}
	return true
}

// Submit validates a request, acquires the scope lease and either starts
// execution or parks the run behind its confirmation gate. Runs that trip a
// manual intervention trigger are recorded as escalated and never execute.
func (c *ScenarioController) Submit(ctx context.Context, req SubmitRequest) (*RecoveryRun, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, errors.New("recovery: controller is shut down")
	}

	class, def, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	detected := req.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}

	run := &RecoveryRun{
		RunID:       uuid.New().String(),
		Scenario:    def.Scenario,
		BackupID:    req.BackupID,
		TargetScope: req.TargetScope,
		Tier:        def.Tier,
		Status:      StatusPending,
		DetectedAt:  detected,
		StartedAt:   time.Now(),
		StepLog:     make([]StepResult, 0),
		Objective:   c.objectives.Objectives().ObjectiveFor(def.Tier),
	}

	if class != nil && class.Escalate {
		return c.escalate(ctx, run, class, req)
	}

	if req.TargetScope == "" {
		return nil, fmt.Errorf("target scope is required: %w", ErrInvalidScope)
	}
	if err := c.checkScope(def, req.TargetScope); err != nil {
		return nil, err
	}
	if _, err := c.catalog.VerifyUsable(ctx, req.BackupID); err != nil {
		return nil, err
	}

	if err := c.leases.Acquire(req.TargetScope, run.RunID); err != nil {
		return nil, err
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		c.leases.Release(req.TargetScope, run.RunID)
		return nil, fmt.Errorf("persist run: %w", err)
	}

	c.logger.Info("run submitted",
		zap.String("run_id", run.RunID),
		zap.String("scenario", string(run.Scenario)),
		zap.String("scope", run.TargetScope),
		zap.String("backup_id", run.BackupID),
		zap.String("triggered_by", req.TriggeredBy))
	c.audit.NotifyNote(ctx, run.RunID, fmt.Sprintf("submitted by %s: %s", req.TriggeredBy, req.Reason))

	if def.RequiresConfirmation {
		if req.Confirmed {
			c.audit.NotifyNote(ctx, run.RunID, "confirmed flag on submission ignored, explicit confirmation required")
		}
		if err := c.transition(ctx, run, StatusAwaitingConfirmation, "confirmation gate"); err != nil {
			c.leases.Release(run.TargetScope, run.RunID)
			return nil, err
		}
		return run, nil
	}

	if err := c.transition(ctx, run, StatusExecuting, "auto start"); err != nil {
		c.leases.Release(run.TargetScope, run.RunID)
		return nil, err
	}

	// Snapshot before spawn; the goroutine owns the live record from here.
	snap := run.Clone()
	c.spawn(run, def)
	return snap, nil
}

// resolve picks the scenario definition for a request, classifying from
// signals when no explicit scenario was given. A request naming a scenario
// is checked against that definition's own manual intervention triggers;
// classification of other scenarios never vetoes the operator's choice.
func (c *ScenarioController) resolve(req SubmitRequest) (*Classification, ScenarioDefinition, error) {
	if req.Scenario == "" {
		if len(req.Signals) == 0 {
			return nil, ScenarioDefinition{}, fmt.Errorf("scenario or signals required: %w", ErrUnknownScenario)
		}
		class, err := c.Classify(req.Signals)
		if err != nil {
			return nil, ScenarioDefinition{}, err
		}
		return class, class.Definition, nil
	}

	def, ok := c.registry.Get(req.Scenario)
	if !ok {
		return nil, ScenarioDefinition{}, fmt.Errorf("scenario %q: %w", req.Scenario, ErrUnknownScenario)
	}

	// An explicit scenario does not bypass its own triggers.
	class := &Classification{Scenario: def.Scenario, Definition: def}
	for _, trigger := range def.ManualInterventionTriggers {
		for _, s := range req.Signals {
			if s == trigger {
				class.Escalate = true
				class.Trigger = trigger
				return class, def, nil
			}
		}
	}
	return class, def, nil
}

func (c *ScenarioController) checkScope(def ScenarioDefinition, scope string) error {
	for _, step := range def.AutomatedSteps {
		if step == StepProvisionInfrastructure || step == StepUpdateDNS {
			if _, _, ok := splitRegionScope(scope); !ok {
				return fmt.Errorf("scenario %s requires a region-pair scope, got %q: %w", def.Scenario, scope, ErrInvalidScope)
			}
		}
	}
	return nil
}

// escalate records a run that requires manual intervention, either because a
// trigger signal was present or because no scenario matched the signals. No
// lease is taken and no step ever executes; the record exists so the
// decision is auditable.
func (c *ScenarioController) escalate(ctx context.Context, run *RecoveryRun, class *Classification, req SubmitRequest) (*RecoveryRun, error) {
	reason := fmt.Sprintf("manual intervention trigger %q", class.Trigger)
	if class.Trigger == "" {
		reason = fmt.Sprintf("signals %v match no scenario", req.Signals)
	}

	now := time.Now()
	run.Status = StatusEscalated
	run.CompletedAt = &now
	run.FailureReason = reason

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist escalated run: %w", err)
	}

	c.audit.NotifyTransition(ctx, run, StatusPending, StatusEscalated)
	c.audit.NotifyNote(ctx, run.RunID, fmt.Sprintf("escalated, submitted by %s: %s", req.TriggeredBy, reason))
	if c.metrics != nil {
		c.metrics.RecordRun(string(run.Scenario), string(StatusEscalated), 0)
	}
	c.logger.Warn("run escalated for manual intervention",
		zap.String("run_id", run.RunID),
		zap.String("scenario", string(run.Scenario)),
		zap.String("reason", reason))

	return run, fmt.Errorf("%s: %w", reason, ErrEscalated)
}

// Confirm releases a run from its confirmation gate and begins execution.
// Authorization for this call is enforced at the API boundary; the
// controller only checks run state.
func (c *ScenarioController) Confirm(ctx context.Context, runID, approvedBy string) (*RecoveryRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, errors.New("recovery: controller is shut down")
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusAwaitingConfirmation {
		return nil, fmt.Errorf("run %s is %s, not awaiting confirmation: %w", runID, run.Status, ErrConfirmationRequired)
	}

	def, ok := c.registry.Get(run.Scenario)
	if !ok {
		return nil, fmt.Errorf("scenario %q: %w", run.Scenario, ErrUnknownScenario)
	}

	run.Confirmed = true
	if err := c.transition(ctx, run, StatusExecuting, "confirmed by "+approvedBy); err != nil {
		return nil, err
	}
	c.audit.NotifyNote(ctx, run.RunID, "confirmed by "+approvedBy)
	c.logger.Info("run confirmed",
		zap.String("run_id", run.RunID),
		zap.String("approved_by", approvedBy))

	snap := run.Clone()
	c.spawnLocked(run, def)
	return snap, nil
}

// Cancel requests cooperative cancellation of an executing run. The step in
// flight always finishes; the request takes effect at the next step
// boundary, after which the run ends Failed without rolling back. Datacenter
// outage runs are never cancellable once confirmed.
func (c *ScenarioController) Cancel(ctx context.Context, runID, requestedBy string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Scenario == ScenarioDatacenterOutage && run.Status != StatusAwaitingConfirmation {
		return fmt.Errorf("datacenter outage run %s: %w", runID, ErrNotCancellable)
	}
	if run.Status != StatusExecuting {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrNotCancellable)
	}

	c.mu.Lock()
	handle, ok := c.handles[runID]
	if ok {
		handle.requestedBy = requestedBy
		handle.cancelled.Store(true)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s has no live executor: %w", runID, ErrNotCancellable)
	}

	c.audit.NotifyNote(ctx, runID, "cancellation requested by "+requestedBy)
	c.logger.Info("cancellation requested",
		zap.String("run_id", runID),
		zap.String("requested_by", requestedBy))
	return nil
}

// Get returns the persisted record of one run.
func (c *ScenarioController) Get(ctx context.Context, runID string) (*RecoveryRun, error) {
	return c.store.GetRun(ctx, runID)
}

// ActiveRuns lists runs that have not reached a terminal status.
func (c *ScenarioController) ActiveRuns(ctx context.Context) ([]*RecoveryRun, error) {
	return c.store.ListActiveRuns(ctx)
}

// Leases returns a snapshot of held scope leases.
func (c *ScenarioController) Leases() map[string]string {
	return c.leases.Active()
}

// Resume readopts every non-terminal run after a restart. Steps already in
// the log are skipped by the executor, so re-entering an executing run
// repeats at most the one step that was in flight when the process died.
func (c *ScenarioController) Resume(ctx context.Context) error {
	runs, err := c.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}

	for _, run := range runs {
		def, ok := c.registry.Get(run.Scenario)
		if !ok {
			c.logger.Error("cannot resume run, scenario unknown",
				zap.String("run_id", run.RunID),
				zap.String("scenario", string(run.Scenario)))
			c.finish(ctx, run, StatusFailed, fmt.Sprintf("resume: scenario %q no longer defined", run.Scenario))
			continue
		}

		if err := c.leases.Acquire(run.TargetScope, run.RunID); err != nil {
			c.logger.Error("cannot resume run, scope lease held",
				zap.String("run_id", run.RunID),
				zap.String("scope", run.TargetScope),
				zap.Error(err))
			c.finish(ctx, run, StatusFailed, "resume: scope lease unavailable")
			continue
		}

		switch run.Status {
		case StatusPending:
			// Died between create and first transition.
			next := StatusExecuting
			note := "resumed"
			if def.RequiresConfirmation {
				next = StatusAwaitingConfirmation
				note = "resumed into confirmation gate"
			}
			if err := c.transition(ctx, run, next, note); err != nil {
				c.leases.Release(run.TargetScope, run.RunID)
				continue
			}
			if next == StatusExecuting {
				c.spawn(run, def)
			}
		case StatusAwaitingConfirmation:
			// Lease held, nothing to run until Confirm.
		case StatusExecuting, StatusValidating:
			c.spawn(run, def)
		default:
			c.leases.Release(run.TargetScope, run.RunID)
			continue
		}

		c.audit.NotifyNote(ctx, run.RunID, "readopted after restart in status "+string(run.Status))
		c.logger.Info("run readopted",
			zap.String("run_id", run.RunID),
			zap.String("status", string(run.Status)),
			zap.Int("steps_recorded", len(run.StepLog)))
	}
	return nil
}

// Stop cancels all live run contexts and waits for their goroutines. Runs
// interrupted mid-step stay in their persisted status and are picked up by
// Resume on the next start.
func (c *ScenarioController) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.runCancel()
	c.wg.Wait()
}

func (c *ScenarioController) spawn(run *RecoveryRun, def ScenarioDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawnLocked(run, def)
}

func (c *ScenarioController) spawnLocked(run *RecoveryRun, def ScenarioDefinition) {
	handle := &runHandle{}
	if run.CancelRequested {
		handle.cancelled.Store(true)
	}
	c.handles[run.RunID] = handle

	c.wg.Add(1)
	go c.execute(run, def, handle)
}

// execute drives one run from executing to a terminal status. It is the
// only goroutine that mutates the run record.
func (c *ScenarioController) execute(run *RecoveryRun, def ScenarioDefinition, handle *runHandle) {
	defer c.wg.Done()
	defer func() {
		c.leases.Release(run.TargetScope, run.RunID)
		c.mu.Lock()
		delete(c.handles, run.RunID)
		c.mu.Unlock()
	}()

	ctx := c.runCtx
	if c.metrics != nil {
		c.metrics.RunStarted()
		defer c.metrics.RunFinished()
	}

	if run.Status == StatusExecuting {
		stepErr := c.executor.Run(ctx, RunRequest{
			Run:       run,
			Steps:     def.AutomatedSteps,
			Record:    c.recorder(run),
			Cancelled: handle.cancelled.Load,
		})
		if ctx.Err() != nil {
			c.logger.Info("run interrupted by shutdown, will resume",
				zap.String("run_id", run.RunID),
				zap.String("status", string(run.Status)))
			return
		}
		if stepErr != nil {
			// A cancelled run stops at the step boundary and fails in
			// place. Rollback is reserved for step failures; cancellation
			// must not mutate the target further.
			if errors.Is(stepErr, ErrCancelled) {
				run.CancelRequested = true
				c.audit.NotifyNote(ctx, run.RunID, "cancellation observed, requested by "+handle.requestedBy)
				c.finish(ctx, run, StatusFailed, stepErr.Error())
				return
			}
			c.rollbackOrFail(ctx, run, def, stepErr)
			return
		}
		if err := c.transition(ctx, run, StatusValidating, "all steps completed"); err != nil {
			c.finish(ctx, run, StatusFailed, err.Error())
			return
		}
	}

	c.validate(ctx, run, def)
}

// validate waits for critical namespaces to report healthy within the
// scenario's validation window, then finalizes the run.
func (c *ScenarioController) validate(ctx context.Context, run *RecoveryRun, def ScenarioDefinition) {
	snaps, err := c.health.WaitHealthy(ctx, def.ValidationWindow)
	if ctx.Err() != nil {
		c.logger.Info("validation interrupted by shutdown, will resume",
			zap.String("run_id", run.RunID))
		return
	}

	if err != nil {
		run.UnhealthyNamespaces = Unhealthy(snaps)
		c.finish(ctx, run, StatusFailed, err.Error())
		return
	}
	c.finish(ctx, run, StatusSucceeded, "")
}

// rollbackOrFail applies the scenario's rollback sequence after a step
// failure. Without a rollback sequence, or when rollback itself fails, the
// run ends failed with the original cause preserved.
func (c *ScenarioController) rollbackOrFail(ctx context.Context, run *RecoveryRun, def ScenarioDefinition, stepErr error) {
	run.FailureReason = stepErr.Error()

	if len(def.RollbackSteps) == 0 {
		c.finish(ctx, run, StatusFailed, stepErr.Error())
		return
	}

	c.logger.Warn("starting rollback",
		zap.String("run_id", run.RunID),
		zap.Strings("rollback_steps", def.RollbackSteps),
		zap.Error(stepErr))
	c.audit.NotifyNote(ctx, run.RunID, "rollback started: "+stepErr.Error())

	// Rollback is never cancelled once it starts.
	rbErr := c.executor.Run(ctx, RunRequest{
		Run:      run,
		Steps:    def.RollbackSteps,
		Rollback: true,
		Record:   c.recorder(run),
	})
	if ctx.Err() != nil {
		c.logger.Info("rollback interrupted by shutdown, will resume",
			zap.String("run_id", run.RunID))
		return
	}
	if rbErr != nil {
		c.finish(ctx, run, StatusFailed,
			fmt.Sprintf("%s; rollback failed: %s", stepErr.Error(), rbErr.Error()))
		return
	}
	c.finish(ctx, run, StatusRolledBack, stepErr.Error())
}

// finish moves a run to a terminal status, records metrics, evaluates
// objectives and hands the record to the archiver.
func (c *ScenarioController) finish(ctx context.Context, run *RecoveryRun, status RunStatus, reason string) {
	now := time.Now()
	run.CompletedAt = &now
	if reason != "" {
		run.FailureReason = reason
	}

	if err := c.transition(ctx, run, status, reason); err != nil {
		c.logger.Error("terminal transition failed",
			zap.String("run_id", run.RunID),
			zap.String("to", string(status)),
			zap.Error(err))
	}

	if c.metrics != nil {
		c.metrics.RecordRun(string(run.Scenario), string(status), now.Sub(run.StartedAt))
	}

	if status == StatusSucceeded || status == StatusFailed || status == StatusRolledBack {
		c.evaluateObjectives(ctx, run)
	}

	if c.archive != nil {
		if err := c.archive.ArchiveRun(ctx, run); err != nil {
			c.logger.Warn("run archive failed",
				zap.String("run_id", run.RunID),
				zap.Error(err))
		}
	}
}

func (c *ScenarioController) evaluateObjectives(ctx context.Context, run *RecoveryRun) {
	backup, err := c.catalog.Get(ctx, run.BackupID)
	if err != nil {
		c.logger.Warn("objective evaluation skipped, backup unknown",
			zap.String("run_id", run.RunID),
			zap.String("backup_id", run.BackupID),
			zap.Error(err))
		return
	}

	result, err := c.objectives.Evaluate(ctx, run, backup)
	if err != nil {
		c.logger.Error("objective evaluation failed",
			zap.String("run_id", run.RunID),
			zap.Error(err))
		return
	}
	c.audit.NotifyCompliance(ctx, result)
}

// transition moves a run to the next status, persists it and emits the
// audit event. Persistence happens before any notification.
func (c *ScenarioController) transition(ctx context.Context, run *RecoveryRun, to RunStatus, note string) error {
	from := run.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("recovery: invalid transition %s -> %s for run %s", from, to, run.RunID)
	}

	run.Status = to
	if err := c.store.UpdateRun(ctx, run); err != nil {
		run.Status = from
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}

	c.audit.NotifyTransition(ctx, run, from, to)
	c.logger.Info("run transition",
		zap.String("run_id", run.RunID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("note", note))
	return nil
}

// recorder persists step outcomes for one run. The run row is updated in
// the same call so fields written by handlers, like the emergency backup
// id, survive a crash.
func (c *ScenarioController) recorder(run *RecoveryRun) RecordFunc {
	return func(ctx context.Context, result StepResult) error {
		if err := c.store.AppendStep(ctx, run.RunID, result); err != nil {
			return err
		}
		run.StepLog = append(run.StepLog, result)
		if err := c.store.UpdateRun(ctx, run); err != nil {
			return err
		}
		c.audit.NotifyStep(ctx, run, result)
		return nil
	}
}
