package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ServiceHealthChecker inspects the configured critical namespaces after a
// recovery and decides whether services actually came back.
type ServiceHealthChecker struct {
	orch               Orchestrator
	criticalNamespaces []string
	pollInterval       time.Duration
	logger             *zap.Logger
}

// NewServiceHealthChecker creates a checker over the given namespaces.
func NewServiceHealthChecker(orch Orchestrator, namespaces []string, pollInterval time.Duration, logger *zap.Logger) *ServiceHealthChecker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &ServiceHealthChecker{
		orch:               orch,
		criticalNamespaces: namespaces,
		pollInterval:       pollInterval,
		logger:             logger,
	}
}

// CheckNamespace takes a fresh snapshot of one namespace. A namespace with
// no pods at all is unhealthy: after a restore, empty means missing.
func (h *ServiceHealthChecker) CheckNamespace(ctx context.Context, namespace string) (ServiceHealthSnapshot, error) {
	pods, err := h.orch.ListPods(ctx, namespace)
	if err != nil {
		return ServiceHealthSnapshot{}, fmt.Errorf("list pods in %s: %w", namespace, err)
	}

	ready := 0
	for _, p := range pods {
		if p.Ready {
			ready++
		}
	}

	return ServiceHealthSnapshot{
		Namespace:    namespace,
		ExpectedPods: len(pods),
		ReadyPods:    ready,
		Healthy:      len(pods) > 0 && ready > 0,
	}, nil
}

// Snapshot checks every critical namespace once.
func (h *ServiceHealthChecker) Snapshot(ctx context.Context) ([]ServiceHealthSnapshot, error) {
	snaps := make([]ServiceHealthSnapshot, 0, len(h.criticalNamespaces))
	for _, ns := range h.criticalNamespaces {
		snap, err := h.CheckNamespace(ctx, ns)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Unhealthy lists the namespaces that failed a snapshot pass.
func Unhealthy(snaps []ServiceHealthSnapshot) []string {
	var out []string
	for _, s := range snaps {
		if !s.Healthy {
			out = append(out, s.Namespace)
		}
	}
	return out
}

// WaitHealthy polls until every critical namespace is healthy or the window
// expires. The last snapshots are returned either way so callers can report
// exactly which namespaces never converged. Transient orchestration errors
// do not abort the wait; recovery leaves the API flapping for a while.
func (h *ServiceHealthChecker) WaitHealthy(ctx context.Context, window time.Duration) ([]ServiceHealthSnapshot, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last []ServiceHealthSnapshot
	for {
		snaps, err := h.Snapshot(ctx)
		if err != nil {
			h.logger.Warn("health snapshot failed, retrying", zap.Error(err))
		} else {
			last = snaps
			if len(Unhealthy(snaps)) == 0 {
				return snaps, nil
			}
		}

		if time.Now().After(deadline) {
			return last, &ValidationTimeoutError{Window: window}
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("health wait interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
