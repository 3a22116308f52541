package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

type restoreCall struct {
	BackupID string
	Mapping  ScopeMapping
}

// fakeEngine simulates the backup engine. Restores finish after
// pollsToFinish status polls; a non-nil restoreGate blocks CreateRestore
// until the gate is closed, which lets tests cancel between steps
// deterministically. failNextRestores and stallNextRestores mark the next
// created restores as failing or never finishing.
type fakeEngine struct {
	mu                sync.Mutex
	backups           []BackupRecord
	listErr           error
	restoreErr        error
	backupErr         error
	failRestores      bool
	failNextRestores  int
	stallNextRestores int
	pollsToFinish     int
	statusErrs        int
	restoreGate       chan struct{}
	gateArrivals      int
	restoreCalls      []restoreCall
	backupCalls       []BackupOptions
	restorePolls      map[string]int
	restoreFailed     map[string]bool
	restoreStalled    map[string]bool
	nextID            int
}

func newFakeEngine(backups ...BackupRecord) *fakeEngine {
	return &fakeEngine{
		backups:        backups,
		restorePolls:   make(map[string]int),
		restoreFailed:  make(map[string]bool),
		restoreStalled: make(map[string]bool),
	}
}

func (f *fakeEngine) ListBackups(ctx context.Context, tier Tier) ([]BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]BackupRecord, 0, len(f.backups))
	for _, b := range f.backups {
		if tier == "" || b.Tier == tier {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeEngine) CreateRestore(ctx context.Context, backupID string, mapping ScopeMapping) (string, error) {
	f.mu.Lock()
	gate := f.restoreGate
	if gate != nil {
		f.gateArrivals++
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return "", f.restoreErr
	}
	f.nextID++
	id := fmt.Sprintf("restore-%d", f.nextID)
	if f.failNextRestores > 0 {
		f.failNextRestores--
		f.restoreFailed[id] = true
	}
	if f.stallNextRestores > 0 {
		f.stallNextRestores--
		f.restoreStalled[id] = true
	}
	f.restoreCalls = append(f.restoreCalls, restoreCall{BackupID: backupID, Mapping: mapping})
	return id, nil
}

func (f *fakeEngine) GetRestoreStatus(ctx context.Context, restoreID string) (*RestoreStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErrs > 0 {
		f.statusErrs--
		return nil, fmt.Errorf("transient status error")
	}

	f.restorePolls[restoreID]++
	if f.restoreStalled[restoreID] || f.restorePolls[restoreID] <= f.pollsToFinish {
		return &RestoreStatus{RestoreID: restoreID, Phase: RestoreInProgress}, nil
	}
	if f.failRestores || f.restoreFailed[restoreID] {
		return &RestoreStatus{
			RestoreID: restoreID,
			Phase:     RestoreFailed,
			Logs:      []string{"simulated engine failure"},
		}, nil
	}
	return &RestoreStatus{RestoreID: restoreID, Phase: RestoreCompleted}, nil
}

func (f *fakeEngine) CreateBackup(ctx context.Context, opts BackupOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backupErr != nil {
		return "", f.backupErr
	}
	f.nextID++
	id := fmt.Sprintf("backup-em-%d", f.nextID)
	f.backupCalls = append(f.backupCalls, opts)
	f.backups = append(f.backups, BackupRecord{
		ID:               id,
		Tier:             opts.Tier,
		CreatedAt:        time.Now(),
		CompletionStatus: BackupCompleted,
	})
	return id, nil
}

func (f *fakeEngine) setBackups(backups ...BackupRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = backups
}

func (f *fakeEngine) restores() []restoreCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]restoreCall(nil), f.restoreCalls...)
}

func (f *fakeEngine) arrivedAtGate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateArrivals
}

func (f *fakeEngine) backupRequests() []BackupOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BackupOptions(nil), f.backupCalls...)
}

type fakeInfra struct {
	mu          sync.Mutex
	err         error
	provisioned []string
	dnsUpdates  []string
}

func (f *fakeInfra) ProvisionInfrastructure(ctx context.Context, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.provisioned = append(f.provisioned, region)
	return nil
}

func (f *fakeInfra) UpdateDNS(ctx context.Context, fromRegion, toRegion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dnsUpdates = append(f.dnsUpdates, fromRegion+"->"+toRegion)
	return nil
}

func (f *fakeInfra) provisionedRegions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.provisioned...)
}

func (f *fakeInfra) dnsChanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dnsUpdates...)
}

// fakeOrchestrator simulates the cluster. Namespaces listed in pods are
// considered present with those pods.
type fakeOrchestrator struct {
	mu              sync.Mutex
	pods            map[string][]PodStatus
	resources       map[string]int
	resourceDefault int
	namespaces      map[string]bool
	listErr         error
	createErr       error
	deleteErr       error
	countErr        error
	created         []string
	deleted         []string
}

func newFakeOrchestrator(healthyNamespaces ...string) *fakeOrchestrator {
	f := &fakeOrchestrator{
		pods:       make(map[string][]PodStatus),
		resources:  make(map[string]int),
		namespaces: make(map[string]bool),
	}
	for _, ns := range healthyNamespaces {
		f.namespaces[ns] = true
		f.pods[ns] = []PodStatus{
			{Name: ns + "-0", Ready: true},
			{Name: ns + "-1", Ready: true},
		}
	}
	return f
}

func (f *fakeOrchestrator) ListPods(ctx context.Context, namespace string) ([]PodStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]PodStatus(nil), f.pods[namespace]...), nil
}

func (f *fakeOrchestrator) CreateNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.namespaces[name] = true
	f.created = append(f.created, name)
	return nil
}

func (f *fakeOrchestrator) DeleteNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.namespaces, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeOrchestrator) NamespaceExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[name], nil
}

func (f *fakeOrchestrator) CountResources(ctx context.Context, namespace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	if n, ok := f.resources[namespace]; ok {
		return n, nil
	}
	return f.resourceDefault, nil
}

func (f *fakeOrchestrator) setPods(namespace string, pods ...PodStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods[namespace] = pods
}

func (f *fakeOrchestrator) createdNamespaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeOrchestrator) deletedNamespaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// memoryRunStore mirrors the persistence contract: step results live in
// their own log and UpdateRun never writes them.
type memoryRunStore struct {
	mu        sync.Mutex
	runs      map[string]*RecoveryRun
	steps     map[string][]StepResult
	createErr error
	updateErr error
	appendErr error
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{
		runs:  make(map[string]*RecoveryRun),
		steps: make(map[string][]StepResult),
	}
}

func (s *memoryRunStore) CreateRun(ctx context.Context, run *RecoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	c := run.Clone()
	s.steps[run.RunID] = append([]StepResult(nil), run.StepLog...)
	c.StepLog = nil
	s.runs[run.RunID] = c
	return nil
}

func (s *memoryRunStore) UpdateRun(ctx context.Context, run *RecoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.runs[run.RunID]; !ok {
		return ErrRunNotFound
	}
	c := run.Clone()
	c.StepLog = nil
	s.runs[run.RunID] = c
	return nil
}

func (s *memoryRunStore) AppendStep(ctx context.Context, runID string, result StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.steps[runID] = append(s.steps[runID], result)
	return nil
}

func (s *memoryRunStore) GetRun(ctx context.Context, runID string) (*RecoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	c := r.Clone()
	c.StepLog = append([]StepResult(nil), s.steps[runID]...)
	return c, nil
}

func (s *memoryRunStore) ListActiveRuns(ctx context.Context) ([]*RecoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RecoveryRun
	for id, r := range s.runs {
		if r.Status.Terminal() {
			continue
		}
		c := r.Clone()
		c.StepLog = append([]StepResult(nil), s.steps[id]...)
		out = append(out, c)
	}
	return out, nil
}

type memoryValidationStore struct {
	mu      sync.Mutex
	reports []*ValidationReport
	saveErr error
}

func (s *memoryValidationStore) SaveReport(ctx context.Context, report *ValidationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	c := *report
	s.reports = append(s.reports, &c)
	return nil
}

func (s *memoryValidationStore) LatestReport(ctx context.Context) (*ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil, nil
	}
	c := *s.reports[len(s.reports)-1]
	return &c, nil
}

func (s *memoryValidationStore) ListReports(ctx context.Context, limit int) ([]*ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ValidationReport
	for i := len(s.reports) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := *s.reports[i]
		out = append(out, &c)
	}
	return out, nil
}

type memoryComplianceStore struct {
	mu      sync.Mutex
	results []*ComplianceResult
	saveErr error
	listErr error
}

func (s *memoryComplianceStore) SaveResult(ctx context.Context, result *ComplianceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	for i, r := range s.results {
		if r.RunID == result.RunID {
			c := *result
			s.results[i] = &c
			return nil
		}
	}
	c := *result
	s.results = append(s.results, &c)
	return nil
}

func (s *memoryComplianceStore) ResultForRun(ctx context.Context, runID string) (*ComplianceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.RunID == runID {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryComplianceStore) ListResults(ctx context.Context, tier Tier, since, until time.Time) ([]*ComplianceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []*ComplianceResult
	for _, r := range s.results {
		if tier != "" && r.Tier != tier {
			continue
		}
		if !since.IsZero() && r.EvaluatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && r.EvaluatedAt.After(until) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// recordingAudit captures every notification for assertions.
type recordingAudit struct {
	mu          sync.Mutex
	transitions []string
	steps       []StepResult
	notes       []string
	validations []*ValidationReport
	compliance  []*ComplianceResult
}

func (a *recordingAudit) NotifyTransition(ctx context.Context, run *RecoveryRun, from, to RunStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions = append(a.transitions, string(from)+"->"+string(to))
}

func (a *recordingAudit) NotifyStep(ctx context.Context, run *RecoveryRun, result StepResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, result)
}

func (a *recordingAudit) NotifyValidation(ctx context.Context, report *ValidationReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validations = append(a.validations, report)
}

func (a *recordingAudit) NotifyCompliance(ctx context.Context, result *ComplianceResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compliance = append(a.compliance, result)
}

func (a *recordingAudit) NotifyNote(ctx context.Context, runID, note string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, note)
}

func (a *recordingAudit) allTransitions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.transitions...)
}

func (a *recordingAudit) allNotes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notes...)
}

func (a *recordingAudit) complianceResults() []*ComplianceResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*ComplianceResult(nil), a.compliance...)
}

type fakeManifests struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeManifests) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return data, nil
}

func testBackup(id string, tier Tier, age time.Duration) BackupRecord {
	return BackupRecord{
		ID:               id,
		Tier:             tier,
		CreatedAt:        time.Now().Add(-age),
		CompletionStatus: BackupCompleted,
		StorageLocation: StorageLocation{
			Region: "us-east-1",
			Bucket: "backups",
			Prefix: "daily/" + id,
		},
		SizeBytes: 4096,
	}
}

func fastExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		BackoffBase:        time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
		DefaultStepTimeout: 500 * time.Millisecond,
		StepTimeouts:       map[string]time.Duration{},
	}
}

// testRig wires a controller over fakes with fast timeouts.
type testRig struct {
	engine     *fakeEngine
	infra      *fakeInfra
	orch       *fakeOrchestrator
	store      *memoryRunStore
	audit      *recordingAudit
	leases     *LeaseTable
	registry   *ScenarioRegistry
	catalog    *BackupCatalog
	execConfig *ExecutorConfig
	controller *ScenarioController
}

func newTestRig(t *testing.T, backups ...BackupRecord) *testRig {
	t.Helper()
	logger := zap.NewNop()

	rig := &testRig{
		engine:   newFakeEngine(backups...),
		infra:    &fakeInfra{},
		orch:     newFakeOrchestrator("payments"),
		store:    newMemoryRunStore(),
		audit:    &recordingAudit{},
		leases:   NewLeaseTable(),
		registry: NewScenarioRegistry(logger),
	}
	collector := metrics.NewCollector()
	rig.catalog = NewBackupCatalog(rig.engine, time.Hour, collector, logger)
	require.NoError(t, rig.catalog.Refresh(context.Background()))

	rig.execConfig = fastExecutorConfig()
	executor := NewRecoveryExecutor(rig.engine, rig.infra, rig.execConfig, collector, logger)
	health := NewServiceHealthChecker(rig.orch, []string{"payments"}, time.Millisecond, logger)
	objectives, err := NewObjectiveTracker(nil, nil, collector, logger)
	require.NoError(t, err)

	rig.controller, err = NewScenarioController(ControllerConfig{
		Registry:   rig.registry,
		Catalog:    rig.catalog,
		Executor:   executor,
		Health:     health,
		Objectives: objectives,
		Leases:     rig.leases,
		Store:      rig.store,
		Audit:      rig.audit,
		Metrics:    collector,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(rig.controller.Stop)

	return rig
}

// applyScenario installs one definition override on the rig's registry.
func (r *testRig) applyScenario(t *testing.T, def ScenarioDefinition) {
	t.Helper()
	require.NoError(t, r.registry.Apply([]ScenarioDefinition{def}))
}

func waitStatus(t *testing.T, store *memoryRunStore, runID string, want RunStatus) *RecoveryRun {
	t.Helper()
	var got *RecoveryRun
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return got
}

func waitSteps(t *testing.T, store *memoryRunStore, runID string, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), runID)
		return err == nil && len(r.StepLog) >= count
	}, 5*time.Second, 2*time.Millisecond, "run %s never logged %d steps", runID, count)
}
