package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/metrics"
)

// BackupCatalog is a read-only, periodically refreshed view over the backups
// the engine reports. Records are never mutated here; runs only reference
// them by id.
type BackupCatalog struct {
	engine  EngineClient
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.RWMutex
	backups  map[string]BackupRecord
	lastSync time.Time

	refreshInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewBackupCatalog creates a catalog backed by the engine client.
func NewBackupCatalog(engine EngineClient, refreshInterval time.Duration, collector *metrics.Collector, logger *zap.Logger) *BackupCatalog {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &BackupCatalog{
		engine:          engine,
		metrics:         collector,
		logger:          logger,
		backups:         make(map[string]BackupRecord),
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start performs an initial sync and begins the refresh loop.
func (c *BackupCatalog) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial catalog sync: %w", err)
	}

	c.wg.Add(1)
	go c.refreshLoop(ctx)
	return nil
}

// Stop halts the refresh loop.
func (c *BackupCatalog) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *BackupCatalog) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("catalog refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh replaces the cached view with the engine's current listing.
func (c *BackupCatalog) Refresh(ctx context.Context) error {
	records, err := c.engine.ListBackups(ctx, "")
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}

	next := make(map[string]BackupRecord, len(records))
	for _, r := range records {
		next[r.ID] = r
	}

	c.mu.Lock()
	c.backups = next
	c.lastSync = time.Now()
	c.mu.Unlock()

	if c.metrics != nil {
		counts := map[Tier]int{TierCritical: 0, TierStandard: 0, TierNonCritical: 0}
		for _, r := range next {
			counts[r.Tier]++
		}
		for tier, n := range counts {
			c.metrics.SetCatalogBackups(string(tier), n)
		}
	}

	c.logger.Debug("backup catalog refreshed", zap.Int("backups", len(next)))
	return nil
}

// Get returns one record, refreshing once on a cache miss so a backup taken
// moments ago is still usable for recovery.
func (c *BackupCatalog) Get(ctx context.Context, id string) (BackupRecord, error) {
	c.mu.RLock()
	r, ok := c.backups[id]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	if err := c.Refresh(ctx); err != nil {
		return BackupRecord{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok = c.backups[id]
	if !ok {
		return BackupRecord{}, fmt.Errorf("backup %s: %w", id, ErrInvalidBackup)
	}
	return r, nil
}

// VerifyUsable returns the record only if it finished completely. Partial
// and failed backups are never candidates for recovery.
func (c *BackupCatalog) VerifyUsable(ctx context.Context, id string) (BackupRecord, error) {
	r, err := c.Get(ctx, id)
	if err != nil {
		return BackupRecord{}, err
	}
	if r.CompletionStatus != BackupCompleted {
		return BackupRecord{}, fmt.Errorf("backup %s status %s: %w", id, r.CompletionStatus, ErrInvalidBackup)
	}
	return r, nil
}

// LatestCompleted returns the most recent completed backup for a tier.
func (c *BackupCatalog) LatestCompleted(tier Tier) (BackupRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best BackupRecord
	var found bool
	for _, r := range c.backups {
		if r.Tier != tier || r.CompletionStatus != BackupCompleted {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) {
			best = r
			found = true
		}
	}
	return best, found
}

// LatestPerTier returns the newest completed backup for every tier that has
// one, for the aggregate status view.
func (c *BackupCatalog) LatestPerTier() map[Tier]BackupRecord {
	out := make(map[Tier]BackupRecord)
	for _, tier := range []Tier{TierCritical, TierStandard, TierNonCritical} {
		if r, ok := c.LatestCompleted(tier); ok {
			out[tier] = r
		}
	}
	return out
}

// List returns all cached records, newest first.
func (c *BackupCatalog) List() []BackupRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]BackupRecord, 0, len(c.backups))
	for _, r := range c.backups {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Freshness returns the age of the newest completed backup for a tier.
func (c *BackupCatalog) Freshness(tier Tier) (time.Duration, bool) {
	r, ok := c.LatestCompleted(tier)
	if !ok {
		return 0, false
	}
	return time.Since(r.CreatedAt), true
}

// LastSync returns when the catalog last synced with the engine.
func (c *BackupCatalog) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}
