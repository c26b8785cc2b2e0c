package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RawOp is the operation reported by the OS watcher before the intake
// normalizes it. Renames surface as a RawRenamed on the old path
// followed by a RawCreated on the new one; the intake pairs them into
// a single move.
type RawOp string

const (
	RawCreated  RawOp = "created"
	RawModified RawOp = "modified"
	RawDeleted  RawOp = "deleted"
	RawRenamed  RawOp = "renamed"
)

// RawEvent is an unnormalized watcher event.
type RawEvent struct {
	Op        RawOp
	Path      string
	Timestamp time.Time
	IsDir     bool
	PID       int32 // 0 when the platform cannot attribute
}

// Watcher subscribes to directory trees via fsnotify and emits raw
// events. It is the concrete implementation of the watcher-adapter
// collaborator; the rest of the pipeline only sees its output channel.
type Watcher struct {
	fs        *fsnotify.Watcher
	log       *zap.Logger
	recursive bool
	events    chan RawEvent
}

// NewWatcher creates a watcher over the given roots.
func NewWatcher(roots []string, recursive bool, log *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:        fs,
		log:       log,
		recursive: recursive,
		events:    make(chan RawEvent, 4096),
	}

	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	if !w.recursive {
		if err := w.fs.Add(root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		return nil
	}

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal
			w.log.Debug("skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.IsDir() {
			if err := w.fs.Add(path); err != nil {
				w.log.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

// Events returns the raw event channel.
func (w *Watcher) Events() <-chan RawEvent {
	return w.events
}

// Run pumps fsnotify events until the context is cancelled. New
// directories are added to the watch set as they appear.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			raw, send := w.translate(ev)
			if !send {
				continue
			}
			if raw.IsDir && raw.Op == RawCreated && w.recursive {
				if err := w.addTree(raw.Path); err != nil {
					w.log.Warn("failed to watch new directory", zap.String("path", raw.Path), zap.Error(err))
				}
			}
			select {
			case w.events <- raw:
			default:
				// Bounded channel full: drop, the intake counts drops
				// from its side as well
				w.log.Warn("watcher channel full, dropping event", zap.String("path", raw.Path))
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (RawEvent, bool) {
	raw := RawEvent{Path: ev.Name, Timestamp: time.Now().UTC()}

	switch {
	case ev.Has(fsnotify.Create):
		raw.Op = RawCreated
	case ev.Has(fsnotify.Write):
		raw.Op = RawModified
	case ev.Has(fsnotify.Remove):
		raw.Op = RawDeleted
	case ev.Has(fsnotify.Rename):
		raw.Op = RawRenamed
	default:
		// Chmod-only events carry no content signal
		return raw, false
	}

	if info, err := os.Stat(ev.Name); err == nil {
		raw.IsDir = info.IsDir()
	}
	return raw, true
}
