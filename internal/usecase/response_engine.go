package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/infrastructure"
	"ransomguard/internal/repository"
	"ransomguard/internal/vault"
)

// pendingPollCycle keeps shutdown observable while waiting for work.
const pendingPollCycle = 250 * time.Millisecond

// RestoreOutcome summarizes one rollback restore for the incident
// report.
type RestoreOutcome struct {
	Path        string `json:"path"`
	Success     bool   `json:"success"`
	IntegrityOK bool   `json:"integrity_ok"`
	Error       string `json:"error,omitempty"`
}

// IncidentReport is the structured blob attached to L4 threat records.
type IncidentReport struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	ThreatID    string                     `json:"threat_id"`
	PID         int32                      `json:"pid"`
	ProcessName string                     `json:"process_name"`
	ProcessExe  string                     `json:"process_exe"`
	Score       int                        `json:"score"`
	Escalation  int                        `json:"escalation"`
	Indicators  map[string]domain.Evidence `json:"indicators"`
	WindowPaths []string                   `json:"window_paths"`
	ProcessTree []infrastructure.TreeEntry `json:"process_tree,omitempty"`
	Actions     []domain.ActionDescriptor  `json:"actions"`
	Restores    []RestoreOutcome           `json:"restores,omitempty"`
}

// ResponseEngine drives the four-level escalation state machine. It is
// keyed by PID and never regresses to a lower level within a PID
// lifetime. In safe mode the destructive steps (suspend, terminate,
// rollback) require a confirmed PendingAction; everything else runs
// immediately.
type ResponseEngine struct {
	log      *zap.Logger
	safeMode bool
	window   time.Duration

	vault    *vault.Vault
	pool     *VaultPool
	ctrl     ProcessControl
	store    *repository.EventStore
	bus      *AlertBus
	analyzer *BehaviorAnalyzer

	pending *PendingQueue

	mu       sync.Mutex
	states   map[int32]int
	l2Done   map[int32]bool
	actions  map[string][]domain.ActionDescriptor // threat id -> accumulated actions
	restores map[string][]RestoreOutcome
	threats  map[int32]domain.ThreatRecord // latest record per pid, for pending resolution
}

// NewResponseEngine wires the engine to its collaborators.
func NewResponseEngine(
	safeMode bool,
	window time.Duration,
	v *vault.Vault,
	pool *VaultPool,
	ctrl ProcessControl,
	store *repository.EventStore,
	bus *AlertBus,
	analyzer *BehaviorAnalyzer,
	log *zap.Logger,
) *ResponseEngine {
	return &ResponseEngine{
		log:      log,
		safeMode: safeMode,
		window:   window,
		vault:    v,
		pool:     pool,
		ctrl:     ctrl,
		store:    store,
		bus:      bus,
		analyzer: analyzer,
		pending:  NewPendingQueue(),
		states:   make(map[int32]int),
		l2Done:   make(map[int32]bool),
		actions:  make(map[string][]domain.ActionDescriptor),
		restores: make(map[string][]RestoreOutcome),
		threats:  make(map[int32]domain.ThreatRecord),
	}
}

// Run consumes threat records and confirmation decisions until the
// context is cancelled, then drains the input queue within grace.
func (e *ResponseEngine) Run(ctx context.Context, in <-chan domain.ThreatRecord, grace time.Duration) {
	ticker := time.NewTicker(pendingPollCycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain(in, grace)
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			e.HandleThreat(rec)
		case decision := <-e.bus.Confirmations():
			e.HandleConfirmation(decision)
		case now := <-ticker.C:
			e.expirePending(now.UTC())
		}
	}
}

func (e *ResponseEngine) drain(in <-chan domain.ThreatRecord, grace time.Duration) {
	deadline := time.After(grace)
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return
			}
			e.HandleThreat(rec)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// HandleThreat applies the escalation transitions a record demands.
// Levels already reached for the PID are not repeated.
func (e *ResponseEngine) HandleThreat(rec domain.ThreatRecord) {
	e.mu.Lock()
	current := e.states[rec.PID]
	e.threats[rec.PID] = rec
	e.mu.Unlock()

	target := rec.Escalation
	if target <= current {
		return
	}

	for level := current + 1; level <= target; level++ {
		switch level {
		case 1:
			e.levelMonitor(rec)
		case 2:
			e.levelWarn(rec)
		case 3:
			e.levelQuarantine(rec)
		case 4:
			e.levelTerminate(rec)
		}
	}

	e.mu.Lock()
	e.states[rec.PID] = target
	e.mu.Unlock()

	e.persistActions(rec, target >= 4)
}

func (e *ResponseEngine) record(rec domain.ThreatRecord, action, target string, success bool, reason string) {
	desc := domain.ActionDescriptor{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Target:    target,
		Success:   success,
		Reason:    reason,
	}
	e.mu.Lock()
	e.actions[rec.ID] = append(e.actions[rec.ID], desc)
	e.mu.Unlock()
}

// levelMonitor (L1, 31-50): raise logging attention, non-intrusive alert.
func (e *ResponseEngine) levelMonitor(rec domain.ThreatRecord) {
	e.record(rec, "increase_monitoring", rec.ProcessName, true, "")
	e.log.Info("suspicious activity: monitoring closely",
		zap.Int32("pid", rec.PID),
		zap.String("process", rec.ProcessName),
		zap.Int("score", rec.Score))

	e.bus.Publish(Alert{
		Type:     AlertThreat,
		Severity: SeverityInfo,
		Data: map[string]interface{}{
			"threat_id": rec.ID,
			"pid":       rec.PID,
			"process":   rec.ProcessName,
			"score":     rec.Score,
			"level":     rec.Level,
		},
	})
}

// levelWarn (L2, 51-70): emergency backups of everything the process
// touched in its window, prominent warning.
func (e *ResponseEngine) levelWarn(rec domain.ThreatRecord) {
	e.snapshotWindow(rec)

	if tree := e.ctrl.ProcessTree(rec.PID); tree != nil {
		e.record(rec, "process_tree_logged", fmt.Sprintf("%d processes", len(tree)), true, "")
	}

	e.bus.Publish(Alert{
		Type:     AlertThreat,
		Severity: SeverityWarning,
		Data: map[string]interface{}{
			"threat_id":  rec.ID,
			"pid":        rec.PID,
			"process":    rec.ProcessName,
			"score":      rec.Score,
			"indicators": indicatorNames(rec.Indicators),
			"message":    "potential ransomware: backups created",
		},
	})
}

func (e *ResponseEngine) snapshotWindow(rec domain.ThreatRecord) {
	e.mu.Lock()
	done := e.l2Done[rec.PID]
	e.mu.Unlock()
	if done {
		return
	}

	entries, errs := e.pool.SnapshotAll(rec.ModifiedPaths, vault.ReasonEmergency, rec.PID, rec.ProcessName, PriorityEmergency)
	e.record(rec, "emergency_backup", fmt.Sprintf("%d/%d files", len(entries), len(rec.ModifiedPaths)), len(errs) == 0, joinErrors(errs))

	for _, err := range errs {
		if errors.Is(err, vault.ErrDiskPressure) {
			e.bus.Publish(Alert{
				Type:     AlertThreat,
				Severity: SeverityWarning,
				Data: map[string]interface{}{
					"threat_id": rec.ID,
					"message":   "snapshot refused: disk pressure",
				},
			})
			break
		}
	}

	e.mu.Lock()
	e.l2Done[rec.PID] = true
	e.mu.Unlock()
}

// levelQuarantine (L3, 71-85): L2 snapshots if not already done, then
// suspend. Safe mode queues the suspension instead.
func (e *ResponseEngine) levelQuarantine(rec domain.ThreatRecord) {
	e.snapshotWindow(rec)

	if e.safeMode {
		e.enqueuePending(rec, ActionSuspend)
		return
	}

	result := e.ctrl.Suspend(rec.PID)
	e.record(rec, "suspend", fmt.Sprintf("pid %d", rec.PID), result.Success, result.Reason)

	e.bus.Publish(Alert{
		Type:     AlertQuarantine,
		Severity: SeverityCritical,
		Data: map[string]interface{}{
			"threat_id": rec.ID,
			"pid":       rec.PID,
			"process":   rec.ProcessName,
			"score":     rec.Score,
			"suspended": result.Success,
		},
	})
}

// levelTerminate (L4, 86-100): terminate, deny the executable, roll
// back, attach an incident report. Safe mode queues the destructive
// steps.
func (e *ResponseEngine) levelTerminate(rec domain.ThreatRecord) {
	if e.safeMode {
		e.enqueuePending(rec, ActionTerminate)
		e.enqueuePending(rec, ActionRollback)
		return
	}

	termination := e.ctrl.Terminate(rec.PID)
	e.record(rec, "terminate", fmt.Sprintf("pid %d", rec.PID), termination.Success, termination.Reason)

	if rec.ProcessExe != "" {
		blocked := e.ctrl.BlockFutureExec(rec.ProcessExe)
		e.record(rec, "block_future_exec", rec.ProcessExe, blocked.Success, "")
	}

	e.rollback(rec)

	e.bus.Publish(Alert{
		Type:     AlertThreat,
		Severity: SeverityCritical,
		Data: map[string]interface{}{
			"threat_id":  rec.ID,
			"pid":        rec.PID,
			"process":    rec.ProcessName,
			"score":      rec.Score,
			"terminated": termination.Success,
			"message":    "ransomware terminated, rollback initiated",
		},
	})
}

// rollback restores the newest vault entry per original path among the
// offender's backups from the last 2W.
func (e *ResponseEngine) rollback(rec domain.ThreatRecord) {
	since := time.Now().UTC().Add(-2 * e.window)
	results, err := e.vault.RestoreByPID(rec.PID, since)
	if err != nil {
		e.record(rec, "rollback", "", false, err.Error())
		return
	}

	outcomes := make([]RestoreOutcome, 0, len(results))
	restored := 0
	for _, r := range results {
		if r.Success {
			restored++
		}
		outcomes = append(outcomes, RestoreOutcome{
			Path:        r.OriginalPath,
			Success:     r.Success,
			IntegrityOK: r.IntegrityOK,
			Error:       r.Error,
		})
		if r.Success && !r.IntegrityOK {
			e.bus.Publish(Alert{
				Type:     AlertRestore,
				Severity: SeverityWarning,
				Data: map[string]interface{}{
					"entry_id": r.EntryID,
					"path":     r.OriginalPath,
					"message":  "restore integrity mismatch",
				},
			})
		}
	}

	e.mu.Lock()
	e.restores[rec.ID] = append(e.restores[rec.ID], outcomes...)
	e.mu.Unlock()

	e.record(rec, "rollback", fmt.Sprintf("%d/%d files restored", restored, len(results)), restored == len(results), "")

	e.bus.Publish(Alert{
		Type:     AlertRestore,
		Severity: SeverityCritical,
		Data: map[string]interface{}{
			"threat_id": rec.ID,
			"pid":       rec.PID,
			"restored":  restored,
			"total":     len(results),
		},
	})
}

func (e *ResponseEngine) enqueuePending(rec domain.ThreatRecord, action PendingActionType) {
	pa, created := e.pending.Enqueue(PendingAction{
		Created:     time.Now().UTC(),
		ThreatID:    rec.ID,
		Action:      action,
		PID:         rec.PID,
		ProcessName: rec.ProcessName,
		ProcessExe:  rec.ProcessExe,
	})
	if !created {
		return
	}

	e.record(rec, "confirmation_required", string(action), true, fmt.Sprintf("pending action %d", pa.ID))
	e.log.Warn("safe mode: destructive action pending confirmation",
		zap.Int64("action_id", pa.ID),
		zap.String("action", string(action)),
		zap.Int32("pid", rec.PID))

	e.bus.Publish(Alert{
		Type:     AlertPendingAction,
		Severity: SeverityCritical,
		Data: map[string]interface{}{
			"action_id": pa.ID,
			"action":    string(action),
			"threat_id": rec.ID,
			"pid":       rec.PID,
			"process":   rec.ProcessName,
			"expires":   pa.Expiry,
			"message":   "confirmation required",
		},
	})
}

// HandleConfirmation resolves a pending action from the bus's return
// channel and executes it when approved.
func (e *ResponseEngine) HandleConfirmation(d ConfirmationDecision) {
	pa, ok := e.pending.Resolve(d.ActionID, d.Approve)
	if !ok {
		e.log.Warn("confirmation for unknown or settled action", zap.Int64("action_id", d.ActionID))
		return
	}

	e.mu.Lock()
	rec, haveRec := e.threats[pa.PID]
	e.mu.Unlock()
	if !haveRec {
		rec = domain.ThreatRecord{ID: pa.ThreatID, PID: pa.PID, ProcessName: pa.ProcessName, ProcessExe: pa.ProcessExe}
	}

	if !d.Approve {
		e.record(rec, "confirmation_denied", string(pa.Action), true, "")
		e.persistActions(rec, false)
		return
	}

	e.executePending(pa, rec)
	e.persistActions(rec, pa.Action == ActionRollback || pa.Action == ActionTerminate)
}

func (e *ResponseEngine) executePending(pa *PendingAction, rec domain.ThreatRecord) {
	switch pa.Action {
	case ActionSuspend:
		result := e.ctrl.Suspend(pa.PID)
		e.record(rec, "suspend", fmt.Sprintf("pid %d", pa.PID), result.Success, result.Reason)
		e.bus.Publish(Alert{
			Type:     AlertQuarantine,
			Severity: SeverityCritical,
			Data: map[string]interface{}{
				"threat_id": rec.ID,
				"pid":       pa.PID,
				"suspended": result.Success,
				"confirmed": true,
			},
		})

	case ActionTerminate:
		result := e.ctrl.Terminate(pa.PID)
		e.record(rec, "terminate", fmt.Sprintf("pid %d", pa.PID), result.Success, result.Reason)
		if pa.ProcessExe != "" {
			blocked := e.ctrl.BlockFutureExec(pa.ProcessExe)
			e.record(rec, "block_future_exec", pa.ProcessExe, blocked.Success, "")
		}

	case ActionRollback:
		e.rollback(rec)
	}
}

func (e *ResponseEngine) expirePending(now time.Time) {
	for _, pa := range e.pending.ExpireDue(now) {
		e.log.Warn("pending action expired, treated as denial",
			zap.Int64("action_id", pa.ID),
			zap.String("action", string(pa.Action)),
			zap.Int32("pid", pa.PID))

		e.bus.Publish(Alert{
			Type:     AlertPendingAction,
			Severity: SeverityWarning,
			Data: map[string]interface{}{
				"action_id": pa.ID,
				"action":    string(pa.Action),
				"pid":       pa.PID,
				"status":    string(StatusExpired),
			},
		})
	}
}

// persistActions writes accumulated actions (and, when asked, the
// incident report) back onto the threat record.
func (e *ResponseEngine) persistActions(rec domain.ThreatRecord, withReport bool) {
	e.mu.Lock()
	actions := append([]domain.ActionDescriptor(nil), e.actions[rec.ID]...)
	restores := append([]RestoreOutcome(nil), e.restores[rec.ID]...)
	e.mu.Unlock()

	var reportBlob []byte
	if withReport {
		report := IncidentReport{
			GeneratedAt: time.Now().UTC(),
			ThreatID:    rec.ID,
			PID:         rec.PID,
			ProcessName: rec.ProcessName,
			ProcessExe:  rec.ProcessExe,
			Score:       rec.Score,
			Escalation:  rec.Escalation,
			Indicators:  rec.Indicators,
			WindowPaths: rec.ModifiedPaths,
			ProcessTree: e.ctrl.ProcessTree(rec.PID),
			Actions:     actions,
			Restores:    restores,
		}
		blob, err := json.Marshal(report)
		if err == nil {
			reportBlob = blob
		}
	}

	if err := e.store.UpdateThreatActions(rec.ID, actions, reportBlob); err != nil {
		e.log.Warn("failed to persist response actions", zap.String("threat_id", rec.ID), zap.Error(err))
	}
}

// PendingActions exposes open confirmation requests (for the CLI and
// dashboard collaborators).
func (e *ResponseEngine) PendingActions() []*PendingAction {
	return e.pending.Open()
}

// State returns the escalation level reached for a PID.
func (e *ResponseEngine) State(pid int32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[pid]
}

func indicatorNames(indicators map[string]domain.Evidence) []string {
	names := make([]string, 0, len(indicators))
	for name := range indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	return fmt.Sprintf("%d snapshot failures, first: %v", len(errs), errs[0])
}
