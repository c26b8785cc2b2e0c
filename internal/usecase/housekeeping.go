package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ransomguard/internal/repository"
	"ransomguard/internal/vault"
)

// baselineGrace is how long an entropy baseline outlives its deleted
// backing file; a quick delete-recreate keeps its history.
const baselineGrace = time.Hour

// Housekeeper runs the periodic maintenance pass: vault purge,
// baseline cleanup, analyzer window sweep and event-store vacuum.
type Housekeeper struct {
	log       *zap.Logger
	interval  time.Duration
	retention time.Duration

	store     *repository.EventStore
	baselines *repository.BaselineStore
	vault     *vault.Vault
	analyzer  *BehaviorAnalyzer
}

// NewHousekeeper creates the housekeeping service; interval defaults
// to hourly.
func NewHousekeeper(
	interval, retention time.Duration,
	store *repository.EventStore,
	baselines *repository.BaselineStore,
	v *vault.Vault,
	analyzer *BehaviorAnalyzer,
	log *zap.Logger,
) *Housekeeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Housekeeper{
		log:       log,
		interval:  interval,
		retention: retention,
		store:     store,
		baselines: baselines,
		vault:     v,
		analyzer:  analyzer,
	}
}

// Run performs maintenance on a ticker until the context is cancelled.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Pass(now.UTC())
		}
	}
}

// Pass runs one maintenance sweep.
func (h *Housekeeper) Pass(now time.Time) {
	if removed, err := h.vault.PurgeOlderThan(h.retention); err != nil {
		h.log.Warn("vault purge failed", zap.Error(err))
	} else if removed > 0 {
		h.log.Info("vault purge complete", zap.Int("removed", removed))
	}

	if removed, err := h.baselines.PurgeDeleted(baselineGrace); err != nil {
		h.log.Warn("baseline cleanup failed", zap.Error(err))
	} else if removed > 0 {
		h.log.Info("baseline cleanup complete", zap.Int64("removed", removed))
	}

	if h.analyzer != nil {
		if removed := h.analyzer.Sweep(now); removed > 0 {
			h.log.Info("swept idle process windows", zap.Int("removed", removed))
		}
	}

	if err := h.store.Vacuum(); err != nil {
		h.log.Warn("event store vacuum failed", zap.Error(err))
	}
}
