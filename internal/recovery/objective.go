package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

// TierObjectives maps each service tier to its recovery objectives.
type TierObjectives map[Tier]Objective

// Validate checks every objective pair.
func (o TierObjectives) Validate() error {
	for tier, obj := range o {
		if !tier.Valid() {
			return fmt.Errorf("objectives: unknown tier %q", tier)
		}
		if obj.RTO <= 0 {
			return errors.New("objectives: RTO must be greater than zero")
		}
		if obj.RPO <= 0 {
			return errors.New("objectives: RPO must be greater than zero")
		}
		if obj.RPO > obj.RTO {
			return errors.New("objectives: RPO should not exceed RTO")
		}
	}
	return nil
}

// DefaultTierObjectives returns the default RTO/RPO per tier.
func DefaultTierObjectives() TierObjectives {
	return TierObjectives{
		TierCritical:    {RTO: 15 * time.Minute, RPO: 5 * time.Minute},
		TierStandard:    {RTO: time.Hour, RPO: 30 * time.Minute},
		TierNonCritical: {RTO: 4 * time.Hour, RPO: time.Hour},
	}
}

// ObjectiveFor returns the objective for a tier, falling back to standard.
func (o TierObjectives) ObjectiveFor(tier Tier) Objective {
	if obj, ok := o[tier]; ok {
		return obj
	}
	return o[TierStandard]
}

// ComplianceMetrics aggregates objective attainment across recorded runs.
type ComplianceMetrics struct {
	TotalRuns           int           `json:"total_runs"`
	RTOCompliant        int           `json:"rto_compliant"`
	RPOCompliant        int           `json:"rpo_compliant"`
	RTOComplianceRate   float64       `json:"rto_compliance_rate"`
	RPOComplianceRate   float64       `json:"rpo_compliance_rate"`
	AverageRecoveryTime time.Duration `json:"average_recovery_time"`
	AverageDataLoss     time.Duration `json:"average_data_loss"`
	WorstRecoveryTime   time.Duration `json:"worst_recovery_time"`
	WorstDataLoss       time.Duration `json:"worst_data_loss"`
}

// ComplianceReport covers one tier over a reporting period.
type ComplianceReport struct {
	GeneratedAt          time.Time          `json:"generated_at"`
	PeriodStart          time.Time          `json:"period_start"`
	PeriodEnd            time.Time          `json:"period_end"`
	Tier                 Tier               `json:"tier"`
	RTOTarget            time.Duration      `json:"rto_target"`
	RPOTarget            time.Duration      `json:"rpo_target"`
	TotalRuns            int                `json:"total_runs"`
	RTOCompliancePercent float64            `json:"rto_compliance_percent"`
	RPOCompliancePercent float64            `json:"rpo_compliance_percent"`
	AverageRecoveryTime  time.Duration      `json:"average_recovery_time"`
	AverageDataLoss      time.Duration      `json:"average_data_loss"`
	Results              []ComplianceResult `json:"results"`
}

// ObjectiveTracker evaluates terminal runs against their tier objectives.
// Results are informational; they never block or alter a run. Evaluations
// are written through to the compliance store so reporting covers runs
// evaluated before the last restart; a bounded in-memory history serves
// recent lookups and store-less deployments.
type ObjectiveTracker struct {
	objectives TierObjectives
	store      ComplianceStore
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu      sync.RWMutex
	history []ComplianceResult
}

// NewObjectiveTracker creates a tracker with validated objectives. A nil
// store keeps evaluations in memory only.
func NewObjectiveTracker(objectives TierObjectives, store ComplianceStore, collector *metrics.Collector, logger *zap.Logger) (*ObjectiveTracker, error) {
	if len(objectives) == 0 {
		objectives = DefaultTierObjectives()
	}
	if err := objectives.Validate(); err != nil {
		return nil, err
	}

	return &ObjectiveTracker{
		objectives: objectives,
		store:      store,
		metrics:    collector,
		logger:     logger,
		history:    make([]ComplianceResult, 0),
	}, nil
}

// Objectives returns the configured tier objectives.
func (t *ObjectiveTracker) Objectives() TierObjectives {
	return t.objectives
}

// Evaluate computes RTO/RPO compliance for a terminal run and records the
// result. The run's snapshotted objective is authoritative; the tier table
// is only a fallback for runs persisted before the snapshot existed. A
// failed store write is logged, never surfaced: the evaluation itself
// already happened.
func (t *ObjectiveTracker) Evaluate(ctx context.Context, run *RecoveryRun, backup BackupRecord) (*ComplianceResult, error) {
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("objectives: run %s not terminal (%s)", run.RunID, run.Status)
	}
	if run.CompletedAt == nil {
		return nil, fmt.Errorf("objectives: run %s missing completion time", run.RunID)
	}

	obj := run.Objective
	if obj.RTO == 0 && obj.RPO == 0 {
		obj = t.objectives.ObjectiveFor(run.Tier)
	}

	actual := run.CompletedAt.Sub(run.StartedAt)
	dataLoss := run.DetectedAt.Sub(backup.CreatedAt)
	if dataLoss < 0 {
		dataLoss = 0
	}

	result := ComplianceResult{
		RunID:              run.RunID,
		Tier:               run.Tier,
		RTOMet:             actual <= obj.RTO,
		RPOMet:             dataLoss <= obj.RPO,
		ActualRecoveryTime: actual,
		DataLossWindow:     dataLoss,
		RTOMargin:          obj.RTO - actual,
		RPOMargin:          obj.RPO - dataLoss,
		EvaluatedAt:        *run.CompletedAt,
	}

	t.mu.Lock()
	t.history = append(t.history, result)
	if len(t.history) > 1000 {
		t.history = t.history[len(t.history)-1000:]
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveResult(ctx, &result); err != nil {
			t.logger.Error("failed to persist compliance result",
				zap.String("run_id", run.RunID),
				zap.Error(err))
		}
	}

	if t.metrics != nil {
		t.metrics.RecordObjective(string(run.Tier), "rto", result.RTOMet)
		t.metrics.RecordObjective(string(run.Tier), "rpo", result.RPOMet)
	}

	t.logger.Info("objective evaluated",
		zap.String("run_id", run.RunID),
		zap.String("tier", string(run.Tier)),
		zap.Bool("rto_met", result.RTOMet),
		zap.Bool("rpo_met", result.RPOMet),
		zap.Duration("actual_recovery_time", actual),
		zap.Duration("data_loss_window", dataLoss))

	return &result, nil
}

// ResultFor returns the recorded compliance result for one run. The
// in-memory history answers first; the compliance store covers runs
// evaluated before the last restart.
func (t *ObjectiveTracker) ResultFor(ctx context.Context, runID string) (ComplianceResult, bool) {
	if r, ok := t.cachedResult(runID); ok {
		return r, true
	}
	if t.store == nil {
		return ComplianceResult{}, false
	}

	stored, err := t.store.ResultForRun(ctx, runID)
	if err != nil {
		t.logger.Warn("compliance store lookup failed",
			zap.String("run_id", runID),
			zap.Error(err))
		return ComplianceResult{}, false
	}
	if stored == nil {
		return ComplianceResult{}, false
	}
	return *stored, true
}

func (t *ObjectiveTracker) cachedResult(runID string) (ComplianceResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].RunID == runID {
			return t.history[i], true
		}
	}
	return ComplianceResult{}, false
}

// results fetches evaluations for aggregation: everything the store holds
// for the filter, or the bounded in-memory history when there is no store
// or the store read fails.
func (t *ObjectiveTracker) results(ctx context.Context, tier Tier, since, until time.Time) []ComplianceResult {
	if t.store != nil {
		stored, err := t.store.ListResults(ctx, tier, since, until)
		if err == nil {
			out := make([]ComplianceResult, 0, len(stored))
			for _, r := range stored {
				out = append(out, *r)
			}
			return out
		}
		t.logger.Warn("compliance store list failed, serving in-memory history",
			zap.Error(err))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComplianceResult, 0, len(t.history))
	for _, r := range t.history {
		if tier != "" && r.Tier != tier {
			continue
		}
		if !since.IsZero() && r.EvaluatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && r.EvaluatedAt.After(until) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Metrics returns aggregated compliance across stored runs.
func (t *ObjectiveTracker) Metrics(ctx context.Context) ComplianceMetrics {
	results := t.results(ctx, "", time.Time{}, time.Time{})

	m := ComplianceMetrics{
		TotalRuns:         len(results),
		RTOComplianceRate: 100.0,
		RPOComplianceRate: 100.0,
	}

	if len(results) == 0 {
		return m
	}

	var totalRecovery, totalLoss time.Duration
	for _, r := range results {
		if r.RTOMet {
			m.RTOCompliant++
		}
		if r.RPOMet {
			m.RPOCompliant++
		}

		totalRecovery += r.ActualRecoveryTime
		totalLoss += r.DataLossWindow

		if r.ActualRecoveryTime > m.WorstRecoveryTime {
			m.WorstRecoveryTime = r.ActualRecoveryTime
		}
		if r.DataLossWindow > m.WorstDataLoss {
			m.WorstDataLoss = r.DataLossWindow
		}
	}

	m.RTOComplianceRate = float64(m.RTOCompliant) / float64(m.TotalRuns) * 100
	m.RPOComplianceRate = float64(m.RPOCompliant) / float64(m.TotalRuns) * 100
	m.AverageRecoveryTime = totalRecovery / time.Duration(m.TotalRuns)
	m.AverageDataLoss = totalLoss / time.Duration(m.TotalRuns)

	return m
}

// Report generates a compliance report for one tier over a period.
func (t *ObjectiveTracker) Report(ctx context.Context, tier Tier, start, end time.Time) ComplianceReport {
	results := t.results(ctx, tier, start, end)

	obj := t.objectives.ObjectiveFor(tier)
	report := ComplianceReport{
		GeneratedAt:          time.Now(),
		PeriodStart:          start,
		PeriodEnd:            end,
		Tier:                 tier,
		RTOTarget:            obj.RTO,
		RPOTarget:            obj.RPO,
		TotalRuns:            len(results),
		RTOCompliancePercent: 100.0,
		RPOCompliancePercent: 100.0,
		Results:              results,
	}

	if report.TotalRuns == 0 {
		return report
	}

	var rtoCompliant, rpoCompliant int
	var totalRecovery, totalLoss time.Duration
	for _, r := range results {
		if r.RTOMet {
			rtoCompliant++
		}
		if r.RPOMet {
			rpoCompliant++
		}
		totalRecovery += r.ActualRecoveryTime
		totalLoss += r.DataLossWindow
	}

	report.RTOCompliancePercent = float64(rtoCompliant) / float64(report.TotalRuns) * 100
	report.RPOCompliancePercent = float64(rpoCompliant) / float64(report.TotalRuns) * 100
	report.AverageRecoveryTime = totalRecovery / time.Duration(report.TotalRuns)
	report.AverageDataLoss = totalLoss / time.Duration(report.TotalRuns)

	return report
}
