package domain

import (
	"time"
)

// DedupeInterval collapses duplicate events for the same path and kind;
// the later event wins.
const DedupeInterval = 250 * time.Millisecond

// ProcessWindow holds the events observed for one process within the
// last windowSize seconds, ordered by timestamp. A window is owned
// exclusively by the behavior analyzer goroutine; it is not safe for
// concurrent use.
type ProcessWindow struct {
	PID         int32
	ProcessName string
	ProcessExe  string
	ExeBirth    time.Time // executable file modification time, when known
	FirstSeen   time.Time
	LastEventAt time.Time

	windowSize time.Duration
	events     []FileEvent
}

// NewProcessWindow creates a window for a process.
func NewProcessWindow(pid int32, name, exe string, windowSize time.Duration) *ProcessWindow {
	return &ProcessWindow{
		PID:         pid,
		ProcessName: name,
		ProcessExe:  exe,
		FirstSeen:   time.Now().UTC(),
		windowSize:  windowSize,
		events:      make([]FileEvent, 0, 64),
	}
}

// Add appends an event, pruning entries older than the window and
// collapsing duplicates for the same (path, kind) within DedupeInterval.
func (w *ProcessWindow) Add(ev FileEvent) {
	w.Prune(ev.Timestamp)

	// Dedupe: keep the later of two near-simultaneous duplicates
	for i := len(w.events) - 1; i >= 0; i-- {
		prev := &w.events[i]
		if ev.Timestamp.Sub(prev.Timestamp) > DedupeInterval {
			break
		}
		if prev.Path == ev.Path && prev.Kind == ev.Kind {
			w.events = append(w.events[:i], w.events[i+1:]...)
			break
		}
	}

	w.events = append(w.events, ev)
	w.LastEventAt = ev.Timestamp
	if ev.ProcessExe != "" {
		w.ProcessExe = ev.ProcessExe
	}
	if ev.ProcessName != "" {
		w.ProcessName = ev.ProcessName
	}
	if w.ExeBirth.IsZero() && !ev.ExeBirth.IsZero() {
		w.ExeBirth = ev.ExeBirth
	}
}

// Prune removes events older than the window, measured from now.
func (w *ProcessWindow) Prune(now time.Time) {
	cutoff := now.Add(-w.windowSize)
	keep := 0
	for _, ev := range w.events {
		if !ev.Timestamp.Before(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.events = append(w.events[:0], w.events[keep:]...)
	}
}

// Events returns the window contents in timestamp order. The returned
// slice is the window's backing array; callers must not retain it past
// the next Add.
func (w *ProcessWindow) Events() []FileEvent {
	return w.events
}

// Len returns the number of events currently in the window.
func (w *ProcessWindow) Len() int {
	return len(w.events)
}

// Empty reports whether the window holds no events.
func (w *ProcessWindow) Empty() bool {
	return len(w.events) == 0
}

// ModifiedPaths returns the distinct effective paths of content-changing
// events in the window, in first-seen order. Moved destinations count.
func (w *ProcessWindow) ModifiedPaths() []string {
	seen := make(map[string]struct{}, len(w.events))
	paths := make([]string, 0, len(w.events))
	for _, ev := range w.events {
		if ev.Kind != EventModified && ev.Kind != EventCreated && ev.Kind != EventMoved && ev.Kind != EventExtensionChanged {
			continue
		}
		p := ev.EffectivePath()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths
}
