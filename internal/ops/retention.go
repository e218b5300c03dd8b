package ops

import (
	"context"
	"time"

	"github.com/sandwichfarm/murmur/internal/storage"
)

// RetentionManager prunes events past the configured horizon. Relationship
// rows are deliberately kept by the storage layer's prune, so deletion
// evidence survives the events it refers to.
type RetentionManager struct {
	storage *storage.Storage
	log     *Logger
	stop    chan struct{}
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(st *storage.Storage, log *Logger) *RetentionManager {
	return &RetentionManager{
		storage: st,
		log:     log.WithComponent("retention"),
		stop:    make(chan struct{}),
	}
}

// PruneOldEvents deletes everything older than the prune horizon and
// returns the number of events removed.
func (rm *RetentionManager) PruneOldEvents(ctx context.Context) (int, error) {
	days := rm.storage.ReadSettingInt(storage.SettingPrunePeriodDays)
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()

	deleted, err := rm.storage.Prune(cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		rm.log.Info("pruned old events", "deleted", deleted, "cutoff", cutoff)
		rm.storage.WriteSettingBool(storage.FlagRebuildIndexesNeeded, true, nil)
	}
	return deleted, nil
}

// StartPruningScheduler runs PruneOldEvents on the given interval until
// the context is cancelled or Stop is called.
func (rm *RetentionManager) StartPruningScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rm.stop:
				return
			case <-ticker.C:
				if _, err := rm.PruneOldEvents(ctx); err != nil {
					rm.log.Error("pruning failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the scheduler.
func (rm *RetentionManager) Stop() {
	close(rm.stop)
}
