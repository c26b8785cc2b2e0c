package repository

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BaselineStore persists per-path entropy baselines with a
// write-through in-memory cache. Created on first observation,
// overwritten on subsequent ones; deleted after the backing file has
// been gone for a grace period.
type BaselineStore struct {
	db    *gorm.DB
	mu    sync.RWMutex
	cache map[string]EntropyBaselineRow
}

// NewBaselineStore migrates the schema and warms nothing; the cache
// fills lazily as paths are observed.
func NewBaselineStore(db *gorm.DB) (*BaselineStore, error) {
	if err := db.AutoMigrate(&EntropyBaselineRow{}); err != nil {
		return nil, fmt.Errorf("baseline store migration failed: %w", err)
	}
	return &BaselineStore{
		db:    db,
		cache: make(map[string]EntropyBaselineRow),
	}, nil
}

// Baseline returns the prior entropy and observation time for a path,
// or ok=false when the path has never been measured.
func (b *BaselineStore) Baseline(path string) (entropy float64, at time.Time, ok bool) {
	b.mu.RLock()
	row, hit := b.cache[path]
	b.mu.RUnlock()
	if hit {
		return row.Entropy, row.UpdatedAt, true
	}

	var dbRow EntropyBaselineRow
	err := b.db.Where("path = ?", path).First(&dbRow).Error
	if err != nil {
		return 0, time.Time{}, false
	}

	b.mu.Lock()
	b.cache[path] = dbRow
	b.mu.Unlock()
	return dbRow.Entropy, dbRow.UpdatedAt, true
}

// Update overwrites the baseline for a path.
func (b *BaselineStore) Update(path string, entropy float64, at time.Time) error {
	row := EntropyBaselineRow{Path: path, Entropy: entropy, UpdatedAt: at}

	err := b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"entropy", "updated_at", "deleted_since"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to update baseline for %s: %w", path, err)
	}

	b.mu.Lock()
	b.cache[path] = row
	b.mu.Unlock()
	return nil
}

// MarkDeleted flags a baseline whose backing file was deleted. The row
// survives until PurgeDeleted runs past the grace period, so a quick
// delete-recreate keeps its history.
func (b *BaselineStore) MarkDeleted(path string, at time.Time) {
	b.db.Model(&EntropyBaselineRow{}).Where("path = ?", path).Update("deleted_since", at)

	b.mu.Lock()
	if row, ok := b.cache[path]; ok {
		row.DeletedSince = &at
		b.cache[path] = row
	}
	b.mu.Unlock()
}

// Forget removes a baseline immediately.
func (b *BaselineStore) Forget(path string) {
	b.db.Where("path = ?", path).Delete(&EntropyBaselineRow{})

	b.mu.Lock()
	delete(b.cache, path)
	b.mu.Unlock()
}

// PurgeDeleted removes baselines whose files have been deleted for
// longer than grace. Returns the number of rows removed.
func (b *BaselineStore) PurgeDeleted(grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res := b.db.Where("deleted_since IS NOT NULL AND deleted_since < ?", cutoff).Delete(&EntropyBaselineRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("baseline purge failed: %w", res.Error)
	}

	b.mu.Lock()
	for path, row := range b.cache {
		if row.DeletedSince != nil && row.DeletedSince.Before(cutoff) {
			delete(b.cache, path)
		}
	}
	b.mu.Unlock()
	return res.RowsAffected, nil
}
