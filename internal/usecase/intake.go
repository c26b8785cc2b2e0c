package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/infrastructure"
	"ransomguard/internal/repository"
)

const (
	// debounceInterval collapses Modified bursts for one (PID, path).
	debounceInterval = 100 * time.Millisecond
	// renamePairWindow is how long a rename waits for its matching
	// create before it degrades to a delete.
	renamePairWindow = 500 * time.Millisecond

	intakeQueueDepth = 4096
)

// EventIntake normalizes raw watcher events, enriches them with
// process attribution and entropy readings, persists them and forwards
// them to the analyzer queue.
type EventIntake struct {
	log        *zap.Logger
	store      *repository.EventStore
	entropy    *EntropyEngine
	attributor *infrastructure.Attributor
	ctrl       ProcessControl
	bus        *AlertBus

	excludeSubstrings []string
	excludeGlobs      []glob.Glob
	extensionFilter   map[string]struct{}

	out     chan domain.FileEvent
	dropped atomic.Int64

	// lastModified implements the 100ms debounce per (pid, path)
	lastModified map[debounceKey]time.Time
	// pendingRename holds a rename waiting for its create half
	pendingRename *renameHalf
	// sizeCache remembers the last known size per path for SizeBefore
	sizeCache map[string]int64
}

type debounceKey struct {
	pid  int32
	path string
}

type renameHalf struct {
	path string
	at   time.Time
	pid  int32
}

// NewEventIntake builds the intake. Exclude patterns containing glob
// metacharacters are compiled; plain patterns match as substrings.
func NewEventIntake(
	excludePatterns, extensionFilter []string,
	store *repository.EventStore,
	entropy *EntropyEngine,
	attributor *infrastructure.Attributor,
	ctrl ProcessControl,
	bus *AlertBus,
	log *zap.Logger,
) *EventIntake {
	in := &EventIntake{
		log:          log,
		store:        store,
		entropy:      entropy,
		attributor:   attributor,
		ctrl:         ctrl,
		bus:          bus,
		out:          make(chan domain.FileEvent, intakeQueueDepth),
		lastModified: make(map[debounceKey]time.Time),
		sizeCache:    make(map[string]int64),
	}

	for _, pattern := range excludePatterns {
		if strings.ContainsAny(pattern, "*?[{") {
			if g, err := glob.Compile(pattern); err == nil {
				in.excludeGlobs = append(in.excludeGlobs, g)
				continue
			}
			log.Warn("invalid exclude pattern, treating as substring", zap.String("pattern", pattern))
		}
		in.excludeSubstrings = append(in.excludeSubstrings, pattern)
	}

	if len(extensionFilter) > 0 {
		in.extensionFilter = make(map[string]struct{}, len(extensionFilter))
		for _, ext := range extensionFilter {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			in.extensionFilter[strings.ToLower(ext)] = struct{}{}
		}
	}

	return in
}

// Out is the analyzer-facing queue. Overflow drops the oldest event
// and counts it; the intake must never block on a slow analyzer.
func (in *EventIntake) Out() <-chan domain.FileEvent {
	return in.out
}

// DroppedEvents returns the overflow counter.
func (in *EventIntake) DroppedEvents() int64 {
	return in.dropped.Load()
}

// Run consumes raw events until the context is cancelled.
func (in *EventIntake) Run(ctx context.Context, raw <-chan infrastructure.RawEvent) {
	defer close(in.out)

	flush := time.NewTicker(pendingPollCycle)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			in.flushPendingRename(time.Now().UTC())
			return
		case <-flush.C:
			in.flushPendingRename(time.Now().UTC())
		case ev, ok := <-raw:
			if !ok {
				return
			}
			in.handleRaw(ev)
		}
	}
}

// canonicalize resolves symlinks where possible and normalizes the
// path; trailing separators are removed by Clean.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}

func (in *EventIntake) excluded(path string) bool {
	for _, sub := range in.excludeSubstrings {
		if sub != "" && strings.Contains(path, sub) {
			return true
		}
	}
	for _, g := range in.excludeGlobs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func (in *EventIntake) passesExtensionFilter(path string) bool {
	if in.extensionFilter == nil {
		return true
	}
	_, ok := in.extensionFilter[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (in *EventIntake) handleRaw(raw infrastructure.RawEvent) {
	if raw.IsDir {
		return
	}

	path := canonicalize(raw.Path)
	if in.excluded(path) {
		return
	}
	if !in.passesExtensionFilter(path) {
		return
	}

	now := raw.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	switch raw.Op {
	case infrastructure.RawRenamed:
		// Hold: the matching create decides whether this is a move
		in.flushPendingRename(now)
		in.pendingRename = &renameHalf{path: path, at: now, pid: raw.PID}
		return

	case infrastructure.RawCreated:
		if in.pendingRename != nil && now.Sub(in.pendingRename.at) <= renamePairWindow {
			old := in.pendingRename
			in.pendingRename = nil
			in.emitMove(old.path, path, raw.PID, now)
			return
		}
		in.emit(domain.EventCreated, path, "", raw.PID, now)

	case infrastructure.RawModified:
		key := debounceKey{pid: raw.PID, path: path}
		if last, ok := in.lastModified[key]; ok && now.Sub(last) < debounceInterval {
			// Burst debouncer: the repeat is dropped and only moves the
			// debounce clock forward; the event already forwarded for this
			// burst keeps its own (first) timestamp
			in.lastModified[key] = now
			return
		}
		in.lastModified[key] = now
		in.emit(domain.EventModified, path, "", raw.PID, now)

	case infrastructure.RawDeleted:
		in.emit(domain.EventDeleted, path, "", raw.PID, now)
	}
}

// flushPendingRename degrades an unpaired rename to a delete of the
// old path once the pairing window has passed.
func (in *EventIntake) flushPendingRename(now time.Time) {
	if in.pendingRename == nil || now.Sub(in.pendingRename.at) <= renamePairWindow {
		return
	}
	old := in.pendingRename
	in.pendingRename = nil
	in.emit(domain.EventDeleted, old.path, "", old.pid, old.at)
}

// emitMove classifies a paired rename: same parent and stem with a
// different suffix is an extension change, anything else a plain move.
func (in *EventIntake) emitMove(oldPath, newPath string, pid int32, now time.Time) {
	kind := domain.EventMoved
	if filepath.Dir(oldPath) == filepath.Dir(newPath) {
		oldExt := filepath.Ext(oldPath)
		newExt := filepath.Ext(newPath)
		oldStem := strings.TrimSuffix(filepath.Base(oldPath), oldExt)
		newStem := strings.TrimSuffix(filepath.Base(newPath), newExt)
		if oldStem == newStem && !strings.EqualFold(oldExt, newExt) {
			kind = domain.EventExtensionChanged
		}
	}
	in.emit(kind, oldPath, newPath, pid, now)
}

func (in *EventIntake) emit(kind domain.EventKind, path, destPath string, pid int32, now time.Time) {
	info := in.attributor.Lookup(pid)

	if in.ctrl != nil && info.Exe != "" && in.ctrl.IsBlocked(info.Exe) {
		// A denied executable came back: put it down again
		result := in.ctrl.Terminate(info.PID)
		in.log.Warn("blocked executable re-appeared",
			zap.String("exe", info.Exe),
			zap.Int32("pid", info.PID),
			zap.Bool("terminated", result.Success))
		in.bus.Publish(Alert{
			Type:     AlertQuarantine,
			Severity: SeverityCritical,
			Data: map[string]interface{}{
				"pid":     info.PID,
				"exe":     info.Exe,
				"message": "blocked executable re-executed",
			},
		})
	}

	ev := domain.FileEvent{
		Timestamp:   now.UTC().Truncate(time.Millisecond),
		Kind:        kind,
		Path:        path,
		DestPath:    destPath,
		PID:         info.PID,
		ProcessName: info.Name,
		ProcessExe:  info.Exe,
		ExeBirth:    info.ExeBirth,
	}

	effective := ev.EffectivePath()

	if before, ok := in.sizeCache[path]; ok {
		b := before
		ev.SizeBefore = &b
	}

	switch kind {
	case domain.EventDeleted:
		delete(in.sizeCache, path)
		in.entropy.MarkDeleted(path, ev.Timestamp)
	default:
		if stat, err := os.Stat(effective); err == nil {
			size := stat.Size()
			ev.SizeAfter = &size
			in.sizeCache[effective] = size
		}
	}

	if ev.IsContentChange() {
		ev.Entropy, ev.EntropyDelta = in.entropy.Observe(effective, ev.Timestamp)
	}
	if kind == domain.EventMoved || kind == domain.EventExtensionChanged {
		// The content moved with the file: carry the baseline over
		if prior, at, ok := in.entropy.Baseline(path); ok {
			in.entropy.UpdateBaseline(destPath, prior, at)
			in.entropy.Forget(path)
		}
	}

	id, err := in.store.AppendEvent(ev)
	if err != nil {
		if !errors.Is(err, repository.ErrStorageFull) {
			in.log.Warn("failed to persist event", zap.String("path", path), zap.Error(err))
		}
		// Degraded storage drops persistence, not detection: the
		// analyzer still sees the event
	} else {
		ev.ID = id
	}

	in.forward(ev)
}

// forward pushes to the analyzer queue, dropping the oldest event when
// full.
func (in *EventIntake) forward(ev domain.FileEvent) {
	for {
		select {
		case in.out <- ev:
			return
		default:
		}
		select {
		case <-in.out:
			in.dropped.Add(1)
		default:
		}
	}
}
