package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/repository"
)

// RefractoryPeriod suppresses repeat records at the same escalation
// unless the score rose by RefractoryScoreStep or more.
const (
	RefractoryPeriod    = 5 * time.Second
	RefractoryScoreStep = 10
)

// ProcessStatus is the dashboard-facing summary of one tracked process.
type ProcessStatus struct {
	PID         int32
	ProcessName string
	Score       int
	Level       domain.ThreatLevel
	Escalation  int
	LastEventAt time.Time
}

// BehaviorAnalyzer owns all per-process sliding windows. Events are
// handled by a single goroutine (the analyzer thread); Snapshot and
// Forget may be called from other goroutines; Snapshot takes the read
// lock and Forget the write lock.
type BehaviorAnalyzer struct {
	log        *zap.Logger
	thresholds domain.Thresholds
	window     time.Duration
	whitelist  func(processName string) bool
	store      *repository.EventStore
	out        chan<- domain.ThreatRecord

	mu      sync.RWMutex
	windows map[int32]*domain.ProcessWindow
	state   map[int32]*processState
}

type processState struct {
	lastEscalation int
	lastEmitScore  int
	lastEmitAt     time.Time
	lastStatus     ProcessStatus
}

// NewBehaviorAnalyzer creates the analyzer. Emitted threat records are
// sent on out; the send blocks, threat records must not be lost.
func NewBehaviorAnalyzer(
	thresholds domain.Thresholds,
	window time.Duration,
	whitelist func(string) bool,
	store *repository.EventStore,
	out chan<- domain.ThreatRecord,
	log *zap.Logger,
) *BehaviorAnalyzer {
	if whitelist == nil {
		whitelist = func(string) bool { return false }
	}
	return &BehaviorAnalyzer{
		log:        log,
		thresholds: thresholds,
		window:     window,
		whitelist:  whitelist,
		store:      store,
		out:        out,
		windows:    make(map[int32]*domain.ProcessWindow),
		state:      make(map[int32]*processState),
	}
}

// HandleEvent runs the full evaluation pipeline for one event: window
// update, detectors, scoring, and threat-record emission on threshold
// crossings.
func (a *BehaviorAnalyzer) HandleEvent(ev domain.FileEvent) {
	a.mu.Lock()

	w, ok := a.windows[ev.PID]
	if ok && ev.ProcessExe != "" && w.ProcessExe != "" && w.ProcessExe != ev.ProcessExe {
		// The OS re-used this PID for a different executable: the old
		// window and escalation history belong to a dead process
		a.log.Info("pid re-used by different executable, resetting window",
			zap.Int32("pid", ev.PID),
			zap.String("old_exe", w.ProcessExe),
			zap.String("new_exe", ev.ProcessExe))
		delete(a.windows, ev.PID)
		delete(a.state, ev.PID)
		ok = false
	}
	if !ok {
		w = domain.NewProcessWindow(ev.PID, ev.ProcessName, ev.ProcessExe, a.window)
		a.windows[ev.PID] = w
	}

	w.Add(ev)

	now := ev.Timestamp
	results := domain.RunDetectors(w, now, a.thresholds)
	scored := domain.ScoreDetectors(results)

	if a.whitelist(w.ProcessName) {
		// Whitelisted processes never score
		scored = domain.ScoreResult{Level: domain.LevelNormal, Triggered: map[string]domain.Evidence{}}
	}

	st, ok := a.state[ev.PID]
	if !ok {
		st = &processState{}
		a.state[ev.PID] = st
	}
	st.lastStatus = ProcessStatus{
		PID:         ev.PID,
		ProcessName: w.ProcessName,
		Score:       scored.Score,
		Level:       scored.Level,
		Escalation:  scored.Escalation,
		LastEventAt: w.LastEventAt,
	}

	emit, rec := a.decideEmission(w, st, scored, now)
	a.mu.Unlock()

	if !emit {
		return
	}

	if _, err := a.store.AppendThreat(rec); err != nil {
		a.log.Error("failed to persist threat record", zap.String("id", rec.ID), zap.Error(err))
	}

	a.log.Warn("threat record emitted",
		zap.String("id", rec.ID),
		zap.Int32("pid", rec.PID),
		zap.String("process", rec.ProcessName),
		zap.Int("score", rec.Score),
		zap.Int("escalation", rec.Escalation))

	// Blocking send: threat records must not be lost
	a.out <- rec
}

// decideEmission applies the escalation-crossing and refractory rules.
// Emitted escalations are non-decreasing per PID.
func (a *BehaviorAnalyzer) decideEmission(w *domain.ProcessWindow, st *processState, scored domain.ScoreResult, now time.Time) (bool, domain.ThreatRecord) {
	if scored.Escalation == 0 {
		return false, domain.ThreatRecord{}
	}

	switch {
	case scored.Escalation > st.lastEscalation:
		// Crossing into a higher band always reports
	case scored.Escalation == st.lastEscalation:
		withinRefractory := now.Sub(st.lastEmitAt) < RefractoryPeriod
		scoreJumped := scored.Score >= st.lastEmitScore+RefractoryScoreStep
		if withinRefractory && !scoreJumped {
			return false, domain.ThreatRecord{}
		}
	default:
		// Never regress to a lower escalation within a PID lifetime
		return false, domain.ThreatRecord{}
	}

	st.lastEscalation = scored.Escalation
	st.lastEmitScore = scored.Score
	st.lastEmitAt = now

	rec := domain.ThreatRecord{
		ID:            uuid.NewString(),
		Timestamp:     now,
		PID:           w.PID,
		ProcessName:   w.ProcessName,
		ProcessExe:    w.ProcessExe,
		Score:         scored.Score,
		Level:         scored.Level,
		Escalation:    scored.Escalation,
		Indicators:    scored.Triggered,
		ModifiedPaths: w.ModifiedPaths(),
	}
	return true, rec
}

// Snapshot returns the current status of every tracked process.
func (a *BehaviorAnalyzer) Snapshot() map[int32]ProcessStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[int32]ProcessStatus, len(a.state))
	for pid, st := range a.state {
		out[pid] = st.lastStatus
	}
	return out
}

// Forget drops the window and history for an exited process.
func (a *BehaviorAnalyzer) Forget(pid int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, pid)
	delete(a.state, pid)
}

// Sweep removes windows that have been empty past the grace bound
// (2W): the process exited and nothing new arrived.
func (a *BehaviorAnalyzer) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	grace := 2 * a.window
	removed := 0
	for pid, w := range a.windows {
		w.Prune(now)
		if w.Empty() && now.Sub(w.LastEventAt) > grace {
			delete(a.windows, pid)
			delete(a.state, pid)
			removed++
		}
	}
	return removed
}
