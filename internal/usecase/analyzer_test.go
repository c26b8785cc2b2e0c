package usecase

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ransomguard/internal/domain"
	"ransomguard/internal/repository"
)

func newTestStore(t *testing.T) *repository.EventStore {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.Open(repository.Options{Path: filepath.Join(dir, "events.db"), LogLevel: "silent"})
	require.NoError(t, err)
	store, err := repository.NewEventStore(db, dir, 0, zap.NewNop())
	require.NoError(t, err)
	return store
}

func newTestAnalyzer(t *testing.T, whitelist func(string) bool) (*BehaviorAnalyzer, chan domain.ThreatRecord) {
	t.Helper()
	out := make(chan domain.ThreatRecord, 256)
	a := NewBehaviorAnalyzer(domain.DefaultThresholds(), 60*time.Second, whitelist, newTestStore(t), out, zap.NewNop())
	return a, out
}

// encryptionBurst produces the classic ransomware sequence: many files
// modified with a large entropy jump, then renamed to *.encrypted.
func encryptionBurst(pid int32, name, exe string, files int, base time.Time) []domain.FileEvent {
	var events []domain.FileEvent
	step := 8 * time.Second / time.Duration(files)
	for i := 0; i < files; i++ {
		ts := base.Add(time.Duration(i) * step)
		path := fmt.Sprintf("/home/u/docs/dir%d/f%d.txt", i%6, i)
		after := 8.0
		delta := 3.5
		events = append(events, domain.FileEvent{
			Timestamp: ts, Kind: domain.EventModified, Path: path,
			PID: pid, ProcessName: name, ProcessExe: exe,
			Entropy: &after, EntropyDelta: &delta,
		})
		events = append(events, domain.FileEvent{
			Timestamp: ts.Add(step / 2), Kind: domain.EventExtensionChanged,
			Path: path, DestPath: path + ".encrypted",
			PID: pid, ProcessName: name, ProcessExe: exe,
		})
	}
	return events
}

func drain(out chan domain.ThreatRecord) []domain.ThreatRecord {
	var records []domain.ThreatRecord
	for {
		select {
		case rec := <-out:
			records = append(records, rec)
		default:
			return records
		}
	}
}

func TestAnalyzer_PureEncryptionBurst(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	for _, ev := range encryptionBurst(4242, "cryptor", "/tmp/cryptor", 25, base) {
		a.HandleEvent(ev)
	}

	records := drain(out)
	require.NotEmpty(t, records)

	final := records[len(records)-1]
	assert.GreaterOrEqual(t, final.Score, 80)
	assert.Equal(t, 4, final.Escalation)
	assert.Equal(t, domain.LevelCritical, final.Level)
	assert.Contains(t, final.Indicators, domain.IndicatorEntropySpike)
	assert.Contains(t, final.Indicators, domain.IndicatorExtensionManipulation)
}

func TestAnalyzer_EscalationNonDecreasing(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	for _, ev := range encryptionBurst(1, "enc", "/tmp/enc", 30, base) {
		a.HandleEvent(ev)
	}

	records := drain(out)
	require.NotEmpty(t, records)
	for i := 1; i < len(records); i++ {
		assert.GreaterOrEqual(t, records[i].Escalation, records[i-1].Escalation,
			"escalation sequence must be non-decreasing")
	}
}

func TestAnalyzer_WhitelistForcesZero(t *testing.T) {
	whitelist := func(name string) bool { return name == "7z.exe" }
	a, out := newTestAnalyzer(t, whitelist)
	base := time.Now().UTC()

	// A benign archiver producing 50 high-entropy files
	for i := 0; i < 50; i++ {
		entropy := 7.6
		a.HandleEvent(domain.FileEvent{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Kind:      domain.EventCreated,
			Path:      fmt.Sprintf("/home/u/archive/part%d.7z", i),
			PID:       900, ProcessName: "7z.exe", ProcessExe: `C:\Program Files\7-Zip\7z.exe`,
			Entropy: &entropy,
		})
	}

	assert.Empty(t, drain(out), "whitelisted process must never escalate")
	status := a.Snapshot()[900]
	assert.Zero(t, status.Score)
	assert.Zero(t, status.Escalation)
}

func TestAnalyzer_RefractorySuppressesRepeats(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	// Hold a process at a constant escalation with rapid events
	burst := encryptionBurst(5, "enc", "/tmp/enc", 25, base)
	for _, ev := range burst {
		a.HandleEvent(ev)
	}
	drain(out)

	// More of the same within the refractory period, same score band
	more := encryptionBurst(5, "enc", "/tmp/enc", 3, base.Add(8*time.Second+100*time.Millisecond))
	for _, ev := range more {
		a.HandleEvent(ev)
	}

	for _, rec := range drain(out) {
		assert.GreaterOrEqual(t, rec.Escalation, 4)
	}
}

func TestAnalyzer_DeterministicOverSameSequence(t *testing.T) {
	base := time.Now().UTC()
	burst := encryptionBurst(77, "enc", "/tmp/enc", 25, base)

	run := func() []domain.ThreatRecord {
		a, out := newTestAnalyzer(t, nil)
		for _, ev := range burst {
			a.HandleEvent(ev)
		}
		return drain(out)
	}

	first := run()
	second := run()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Score, second[i].Score)
		assert.Equal(t, first[i].Escalation, second[i].Escalation)
		assert.Equal(t, first[i].Level, second[i].Level)
		assert.Equal(t, indicatorNames(first[i].Indicators), indicatorNames(second[i].Indicators))
	}
}

func TestAnalyzer_CrossProcessIsolation(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	// PID 1 runs an encryption burst; PID 2 writes plain files at the
	// same rate in a disjoint set
	burst := encryptionBurst(1, "cryptor", "/tmp/cryptor", 25, base)
	for i, ev := range burst {
		a.HandleEvent(ev)
		a.HandleEvent(domain.FileEvent{
			Timestamp: ev.Timestamp.Add(time.Millisecond),
			Kind:      domain.EventModified,
			Path:      fmt.Sprintf("/home/u/notes/note%d.md", i),
			PID:       2, ProcessName: "editor", ProcessExe: "/usr/bin/editor",
		})
	}

	var pid1, pid2 []domain.ThreatRecord
	for _, rec := range drain(out) {
		switch rec.PID {
		case 1:
			pid1 = append(pid1, rec)
		case 2:
			pid2 = append(pid2, rec)
		}
	}

	require.NotEmpty(t, pid1, "offending process escalates")
	assert.Empty(t, pid2, "benign process stays at escalation 0")

	// No cross-contamination: PID 2's window paths never include PID 1's
	status := a.Snapshot()
	assert.Equal(t, 4, status[1].Escalation)
	assert.Equal(t, 0, status[2].Escalation)
}

func TestAnalyzer_PIDReuseResetsWindow(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	for _, ev := range encryptionBurst(9, "cryptor", "/tmp/cryptor", 25, base) {
		a.HandleEvent(ev)
	}
	drain(out)
	require.Equal(t, 4, a.Snapshot()[9].Escalation)

	// The OS hands PID 9 to a different executable
	a.HandleEvent(domain.FileEvent{
		Timestamp: base.Add(20 * time.Second),
		Kind:      domain.EventModified,
		Path:      "/home/u/notes/todo.md",
		PID:       9, ProcessName: "editor", ProcessExe: "/usr/bin/editor",
	})

	status := a.Snapshot()[9]
	assert.Equal(t, "editor", status.ProcessName)
	assert.Zero(t, status.Escalation, "new process identity starts clean")
}

func TestAnalyzer_ForgetAndSweep(t *testing.T) {
	a, out := newTestAnalyzer(t, nil)
	base := time.Now().UTC()

	a.HandleEvent(domain.FileEvent{
		Timestamp: base, Kind: domain.EventModified, Path: "/d/a.txt",
		PID: 11, ProcessName: "p",
	})
	drain(out)
	require.Contains(t, a.Snapshot(), int32(11))

	a.Forget(11)
	assert.NotContains(t, a.Snapshot(), int32(11))

	a.HandleEvent(domain.FileEvent{
		Timestamp: base, Kind: domain.EventModified, Path: "/d/b.txt",
		PID: 12, ProcessName: "q",
	})
	drain(out)

	// Still inside 2W: survives the sweep
	assert.Zero(t, a.Sweep(base.Add(90*time.Second)))
	// Past 2W with an empty window: removed
	assert.Equal(t, 1, a.Sweep(base.Add(3*time.Minute)))
	assert.NotContains(t, a.Snapshot(), int32(12))
}
