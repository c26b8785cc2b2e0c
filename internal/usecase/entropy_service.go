package usecase

import (
	"time"

	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/repository"
)

// EntropyEngine computes Shannon entropy on file prefixes and
// remembers per-path baselines. Read errors are absorbed: callers
// receive nil measurements and treat them as "no measurement".
type EntropyEngine struct {
	prefixBytes int
	sampleTail  bool
	baselines   *repository.BaselineStore
	log         *zap.Logger
}

// NewEntropyEngine creates the engine.
func NewEntropyEngine(prefixBytes int, sampleTail bool, baselines *repository.BaselineStore, log *zap.Logger) *EntropyEngine {
	if prefixBytes <= 0 {
		prefixBytes = domain.DefaultEntropyPrefixBytes
	}
	return &EntropyEngine{
		prefixBytes: prefixBytes,
		sampleTail:  sampleTail,
		baselines:   baselines,
		log:         log,
	}
}

// Measure reads the configured prefix of a file and returns its
// entropy in [0, 8].
func (e *EntropyEngine) Measure(path string) (float64, error) {
	return domain.MeasureFileEntropy(path, e.prefixBytes, e.sampleTail)
}

// Baseline returns the prior entropy observation for a path.
func (e *EntropyEngine) Baseline(path string) (float64, time.Time, bool) {
	return e.baselines.Baseline(path)
}

// UpdateBaseline overwrites the stored observation for a path.
func (e *EntropyEngine) UpdateBaseline(path string, entropy float64, at time.Time) {
	if err := e.baselines.Update(path, entropy, at); err != nil {
		e.log.Warn("failed to persist entropy baseline", zap.String("path", path), zap.Error(err))
	}
}

// Observe measures a path, derives the delta against the baseline and
// updates it. Both return values are nil when the file could not be
// read; the delta alone is nil on first observation.
func (e *EntropyEngine) Observe(path string, at time.Time) (entropy, delta *float64) {
	value, err := e.Measure(path)
	if err != nil {
		// Transient I/O: vanished, locked or unreadable files are an
		// expected condition on a live system
		e.log.Debug("entropy measurement unavailable", zap.String("path", path), zap.Error(err))
		return nil, nil
	}

	if prior, _, ok := e.baselines.Baseline(path); ok {
		d := value - prior
		delta = &d
	}
	e.UpdateBaseline(path, value, at)
	return &value, delta
}

// Forget removes a path's baseline immediately.
func (e *EntropyEngine) Forget(path string) {
	e.baselines.Forget(path)
}

// MarkDeleted schedules a baseline for removal after the grace period.
func (e *EntropyEngine) MarkDeleted(path string, at time.Time) {
	e.baselines.MarkDeleted(path, at)
}
