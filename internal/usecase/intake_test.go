package usecase

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/infrastructure"
	"ransomguard/internal/repository"
)

func newTestIntake(t *testing.T, exclude, extFilter []string) *EventIntake {
	t.Helper()
	log := zap.NewNop()

	dir := t.TempDir()
	db, err := repository.Open(repository.Options{Path: filepath.Join(dir, "baselines.db"), LogLevel: "silent"})
	require.NoError(t, err)
	baselines, err := repository.NewBaselineStore(db)
	require.NoError(t, err)

	entropy := NewEntropyEngine(1024, false, baselines, log)
	return NewEventIntake(exclude, extFilter, newTestStore(t), entropy, infrastructure.NewAttributor(), nil, NewAlertBus(log), log)
}

func collect(in *EventIntake) []domain.FileEvent {
	var events []domain.FileEvent
	for {
		select {
		case ev := <-in.Out():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func raw(op infrastructure.RawOp, path string, at time.Time) infrastructure.RawEvent {
	return infrastructure.RawEvent{Op: op, Path: path, Timestamp: at}
}

func TestIntake_UnattributableEventsAccepted(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	now := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, filepath.Join(t.TempDir(), "a.txt"), now))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, int32(0), events[0].PID)
	assert.Equal(t, "unknown", events[0].ProcessName)
}

func TestIntake_ExcludePatterns(t *testing.T) {
	in := newTestIntake(t, []string{".git", "*.swp"}, nil)
	now := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, "/home/u/project/.git/index", now))
	in.handleRaw(raw(infrastructure.RawModified, "/home/u/project/.main.go.swp", now))
	in.handleRaw(raw(infrastructure.RawModified, "/home/u/project/main.go", now))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, "/home/u/project/main.go", events[0].Path)
}

func TestIntake_ExtensionFilter(t *testing.T) {
	in := newTestIntake(t, nil, []string{".docx", "txt"})
	now := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, "/d/report.docx", now))
	in.handleRaw(raw(infrastructure.RawModified, "/d/notes.txt", now))
	in.handleRaw(raw(infrastructure.RawModified, "/d/image.png", now))

	events := collect(in)
	assert.Len(t, events, 2)
}

func TestIntake_DebounceModifiedBursts(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	base := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, "/d/f.txt", base))
	in.handleRaw(raw(infrastructure.RawModified, "/d/f.txt", base.Add(30*time.Millisecond)))
	in.handleRaw(raw(infrastructure.RawModified, "/d/f.txt", base.Add(60*time.Millisecond)))
	// Past the debounce interval: a fresh event
	in.handleRaw(raw(infrastructure.RawModified, "/d/f.txt", base.Add(200*time.Millisecond)))

	events := collect(in)
	assert.Len(t, events, 2, "bursts within 100ms collapse")
}

func TestIntake_DebounceIsPerPIDAndPath(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	base := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, "/d/a.txt", base))
	in.handleRaw(raw(infrastructure.RawModified, "/d/b.txt", base.Add(10*time.Millisecond)))

	assert.Len(t, collect(in), 2, "different paths never collapse")
}

func TestIntake_RenameCreatePairsToMove(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	base := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawRenamed, "/d/report.txt", base))
	in.handleRaw(raw(infrastructure.RawCreated, "/d/sub/report.txt", base.Add(10*time.Millisecond)))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMoved, events[0].Kind)
	assert.Equal(t, "/d/report.txt", events[0].Path)
	assert.Equal(t, "/d/sub/report.txt", events[0].DestPath)
}

func TestIntake_ExtensionChangedSynthesis(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	base := time.Now().UTC()

	// Same directory, same stem, different suffix
	in.handleRaw(raw(infrastructure.RawRenamed, "/d/report.txt", base))
	in.handleRaw(raw(infrastructure.RawCreated, "/d/report.encrypted", base.Add(5*time.Millisecond)))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventExtensionChanged, events[0].Kind)
	assert.Equal(t, "/d/report.txt", events[0].Path)
	assert.Equal(t, "/d/report.encrypted", events[0].DestPath)
	// Both paths share a parent directory
	assert.Equal(t, filepath.Dir(events[0].Path), filepath.Dir(events[0].DestPath))
}

func TestIntake_UnpairedRenameDegradesToDelete(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	base := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawRenamed, "/d/gone.txt", base))
	in.flushPendingRename(base.Add(time.Second))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDeleted, events[0].Kind)
	assert.Equal(t, "/d/gone.txt", events[0].Path)
}

func TestIntake_EntropyAttachedToContentChanges(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("low entropy text content here"), 0o644))

	base := time.Now().UTC()
	in.handleRaw(raw(infrastructure.RawCreated, path, base))

	// Rewrite with uniform high-entropy bytes
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	in.handleRaw(raw(infrastructure.RawModified, path, base.Add(time.Second)))

	events := collect(in)
	require.Len(t, events, 2)

	created, modified := events[0], events[1]
	require.NotNil(t, created.Entropy)
	assert.Nil(t, created.EntropyDelta, "first observation has no delta")

	require.NotNil(t, modified.Entropy)
	require.NotNil(t, modified.EntropyDelta)
	assert.Greater(t, *modified.EntropyDelta, 2.0)
	assert.InDelta(t, 8.0, *modified.Entropy, 0.01)
}

func TestIntake_DeletedFileEventsCarryNoEntropy(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	now := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawDeleted, "/d/gone.bin", now))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Entropy)
	assert.Nil(t, events[0].EntropyDelta)
}

func TestIntake_TimestampsMillisecondPrecision(t *testing.T) {
	in := newTestIntake(t, nil, nil)
	now := time.Now().UTC()

	in.handleRaw(raw(infrastructure.RawModified, "/d/x.txt", now))

	events := collect(in)
	require.Len(t, events, 1)
	assert.Equal(t, events[0].Timestamp, events[0].Timestamp.Truncate(time.Millisecond))
}
