package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findResult(t *testing.T, results []DetectorResult, name string) DetectorResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("detector %s not found in results", name)
	return DetectorResult{}
}

func TestDetectMassModification(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	tests := []struct {
		name      string
		files     int
		spread    time.Duration
		triggered bool
	}{
		{"below threshold", 19, 5 * time.Second, false},
		{"at threshold", 20, 5 * time.Second, true},
		{"above threshold fast burst", 25, 8 * time.Second, true},
		{"many files but outside mass window", 25, 50 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewProcessWindow(1, "enc", "", 60*time.Second)
			for i := 0; i < tt.files; i++ {
				offset := -tt.spread + time.Duration(int64(tt.spread)/int64(tt.files)*int64(i))
				w.Add(makeEvent(EventModified, fmt.Sprintf("/docs/f%d.txt", i), base.Add(offset)))
			}
			got := DetectMassModification(w, base, th)
			assert.Equal(t, tt.triggered, got.Triggered)
			if tt.triggered {
				assert.GreaterOrEqual(t, got.Evidence.Count, th.MassThreshold)
			}
		})
	}
}

func TestDetectMassModification_MovedCountsAsCreate(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()
	w := NewProcessWindow(1, "enc", "", 60*time.Second)

	for i := 0; i < 20; i++ {
		ev := makeEvent(EventMoved, fmt.Sprintf("/docs/f%d.txt", i), base.Add(-time.Duration(i)*100*time.Millisecond))
		ev.DestPath = fmt.Sprintf("/docs/f%d.txt.encrypted", i)
		w.Add(ev)
	}

	got := DetectMassModification(w, base, th)
	assert.True(t, got.Triggered, "moved destinations count toward mass modification")
}

func TestDetectEntropySpike(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	addSpike := func(w *ProcessWindow, path string, delta float64, ts time.Time) {
		ev := makeEvent(EventModified, path, ts)
		after := 7.9
		ev.Entropy = &after
		ev.EntropyDelta = &delta
		w.Add(ev)
	}

	t.Run("triggers at K files", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		addSpike(w, "/d/a", 3.5, base.Add(-3*time.Second))
		addSpike(w, "/d/b", 2.5, base.Add(-2*time.Second))
		addSpike(w, "/d/c", 2.1, base.Add(-1*time.Second))
		got := DetectEntropySpike(w, base, th)
		require.True(t, got.Triggered)
		assert.Equal(t, 3, got.Evidence.Count)
		assert.InDelta(t, 3.5, got.Evidence.Delta, 0.0001)
	})

	t.Run("delta exactly at threshold counts", func(t *testing.T) {
		// Inclusive comparison: delta >= threshold
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		addSpike(w, "/d/a", 2.0, base.Add(-3*time.Second))
		addSpike(w, "/d/b", 2.0, base.Add(-2*time.Second))
		addSpike(w, "/d/c", 2.0, base.Add(-1*time.Second))
		got := DetectEntropySpike(w, base, th)
		assert.True(t, got.Triggered)
	})

	t.Run("delta just below threshold does not count", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		addSpike(w, "/d/a", 1.99, base.Add(-3*time.Second))
		addSpike(w, "/d/b", 1.99, base.Add(-2*time.Second))
		addSpike(w, "/d/c", 1.99, base.Add(-1*time.Second))
		got := DetectEntropySpike(w, base, th)
		assert.False(t, got.Triggered)
	})

	t.Run("last observation wins", func(t *testing.T) {
		// Two files spike then settle; only one stays spiked
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		addSpike(w, "/d/a", 3.0, base.Add(-10*time.Second))
		addSpike(w, "/d/a", 0.1, base.Add(-4*time.Second))
		addSpike(w, "/d/b", 3.0, base.Add(-9*time.Second))
		addSpike(w, "/d/b", 0.2, base.Add(-3*time.Second))
		addSpike(w, "/d/c", 3.0, base.Add(-2*time.Second))
		got := DetectEntropySpike(w, base, th)
		assert.False(t, got.Triggered)
	})
}

func TestDetectExtensionManipulation(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	t.Run("suspicious renames trigger", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		for i, ext := range []string{".encrypted", ".locked", ".crypt"} {
			ev := makeEvent(EventExtensionChanged, fmt.Sprintf("/d/f%d.txt", i), base.Add(-time.Duration(i)*time.Second))
			ev.DestPath = fmt.Sprintf("/d/f%d%s", i, ext)
			w.Add(ev)
		}
		got := DetectExtensionManipulation(w, base, th)
		require.True(t, got.Triggered)
		assert.Equal(t, 3, got.Evidence.Count)
	})

	t.Run("benign renames do not trigger", func(t *testing.T) {
		w := NewProcessWindow(1, "save", "", 60*time.Second)
		for i := 0; i < 10; i++ {
			ev := makeEvent(EventMoved, fmt.Sprintf("/d/f%d.tmp", i), base.Add(-time.Duration(i)*time.Second))
			ev.DestPath = fmt.Sprintf("/d/f%d.txt", i)
			w.Add(ev)
		}
		got := DetectExtensionManipulation(w, base, th)
		assert.False(t, got.Triggered)
	})
}

func TestDetectDirectoryTraversal(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	t.Run("five directories trigger", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		for i := 0; i < 5; i++ {
			w.Add(makeEvent(EventModified, fmt.Sprintf("/home/u/dir%d/f.txt", i), base.Add(-time.Duration(i)*time.Second)))
		}
		got := DetectDirectoryTraversal(w, base, th)
		assert.True(t, got.Triggered)
		assert.Equal(t, 5, got.Evidence.Count)
	})

	t.Run("single directory does not", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		for i := 0; i < 30; i++ {
			w.Add(makeEvent(EventModified, fmt.Sprintf("/home/u/docs/f%d.txt", i), base.Add(-time.Duration(i)*100*time.Millisecond)))
		}
		got := DetectDirectoryTraversal(w, base, th)
		assert.False(t, got.Triggered)
	})
}

func TestDetectSuspiciousProcess(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	tests := []struct {
		name      string
		exe       string
		procName  string
		exeBirth  time.Time
		triggered bool
	}{
		{"temp executable", "/tmp/payload", "payload", time.Time{}, true},
		{"downloads executable", `C:\Users\u\Downloads\setup.exe`, "setup.exe", time.Time{}, true},
		{"blacklisted name", "/usr/local/bin/cryptor", "cryptor", time.Time{}, true},
		{"fresh executable", "/opt/app/bin/sync", "sync", base.Add(-10 * time.Second), true},
		{"aged trusted binary", "/usr/bin/rsync", "rsync", base.Add(-24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewProcessWindow(1, tt.procName, tt.exe, 60*time.Second)
			w.ExeBirth = tt.exeBirth
			ev := makeEvent(EventModified, "/data/a.txt", base)
			ev.ProcessName = tt.procName
			w.Add(ev)
			got := DetectSuspiciousProcess(w, base, th)
			assert.Equal(t, tt.triggered, got.Triggered)
		})
	}
}

func TestDetectDeletionPattern(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()

	t.Run("delete then encrypted sibling create", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		for i := 0; i < 3; i++ {
			ts := base.Add(-time.Duration(6-2*i) * time.Second)
			w.Add(makeEvent(EventDeleted, fmt.Sprintf("/docs/f%d.txt", i), ts))
			w.Add(makeEvent(EventCreated, fmt.Sprintf("/docs/f%d.txt.locked", i), ts.Add(500*time.Millisecond)))
		}
		got := DetectDeletionPattern(w, base, th)
		require.True(t, got.Triggered)
		assert.Equal(t, 3, got.Evidence.Count)
	})

	t.Run("create before delete does not pair", func(t *testing.T) {
		w := NewProcessWindow(1, "enc", "", 60*time.Second)
		for i := 0; i < 3; i++ {
			ts := base.Add(-time.Duration(6-2*i) * time.Second)
			w.Add(makeEvent(EventCreated, fmt.Sprintf("/docs/f%d.txt.locked", i), ts))
			w.Add(makeEvent(EventDeleted, fmt.Sprintf("/docs/f%d.txt", i), ts.Add(500*time.Millisecond)))
		}
		got := DetectDeletionPattern(w, base, th)
		assert.False(t, got.Triggered)
	})

	t.Run("benign extension does not pair", func(t *testing.T) {
		w := NewProcessWindow(1, "build", "", 60*time.Second)
		for i := 0; i < 5; i++ {
			ts := base.Add(-time.Duration(8-i) * time.Second)
			w.Add(makeEvent(EventDeleted, fmt.Sprintf("/out/f%d.o", i), ts))
			w.Add(makeEvent(EventCreated, fmt.Sprintf("/out/f%d.obj", i), ts.Add(200*time.Millisecond)))
		}
		got := DetectDeletionPattern(w, base, th)
		assert.False(t, got.Triggered)
	})
}

func TestRunDetectors_PureOverInputs(t *testing.T) {
	th := DefaultThresholds()
	base := time.Now().UTC()
	w := NewProcessWindow(1, "enc", "/tmp/enc", 60*time.Second)
	for i := 0; i < 25; i++ {
		ev := makeEvent(EventModified, fmt.Sprintf("/d%d/f.txt", i%6), base.Add(-time.Duration(i)*200*time.Millisecond))
		delta := 3.0
		ev.EntropyDelta = &delta
		w.Add(ev)
	}

	first := RunDetectors(w, base, th)
	second := RunDetectors(w, base, th)
	assert.Equal(t, first, second, "detectors are pure over their inputs")
}
