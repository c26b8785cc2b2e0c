package domain

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Behavioral indicator names
const (
	IndicatorMassModification      = "mass_modification"
	IndicatorEntropySpike          = "entropy_spike"
	IndicatorExtensionManipulation = "extension_manipulation"
	IndicatorDirectoryTraversal    = "directory_traversal"
	IndicatorSuspiciousProcess     = "suspicious_process"
	IndicatorDeletionPattern       = "deletion_pattern"
)

// IndicatorWeights map each behavioral indicator to its score weight.
// Weights intentionally sum to 120 so a combination of several strong
// indicators crosses the action threshold; the final score is clamped
// to 100 by the scorer.
var IndicatorWeights = map[string]int{
	IndicatorMassModification:      25,
	IndicatorEntropySpike:          30,
	IndicatorExtensionManipulation: 25,
	IndicatorDirectoryTraversal:    10,
	IndicatorSuspiciousProcess:     10,
	IndicatorDeletionPattern:       20,
}

// SuspiciousExtensions are file suffixes commonly appended by ransomware
// families during encryption.
var SuspiciousExtensions = map[string]struct{}{
	".locked": {}, ".encrypted": {}, ".crypto": {}, ".crypt": {}, ".enc": {},
	".ransom": {}, ".rnsmwr": {}, ".cerber": {}, ".locky": {}, ".zepto": {},
	".odin": {}, ".thor": {}, ".aesir": {}, ".zzzzz": {}, ".wallet": {},
	".petya": {}, ".cry": {}, ".wncry": {}, ".wcry": {}, ".wanna": {},
	".xtbl": {}, ".onion": {}, ".lockbit": {}, ".ryuk": {}, ".conti": {},
}

// TempDirMarkers flag executables launched from scratch/download locations.
var TempDirMarkers = []string{
	"temp", "tmp", "downloads", "appdata", "cache", ".cache",
}

// DefaultProcessBlacklist matches process names associated with known
// ransomware tooling or generic droppers.
var DefaultProcessBlacklist = regexp.MustCompile(`(?i)(ransom|cryptor|locker|wncry|encryptor)`)

// Thresholds hold the tunable trigger points for all six detectors.
type Thresholds struct {
	MassThreshold     int           // distinct paths modified (default 20)
	MassWindow        time.Duration // T for mass/traversal/deletion (default 10s)
	EntropyDelta      float64       // θ (default 2.0 bits/byte)
	EntropyMinFiles   int           // K (default 3)
	ExtensionMinFiles int           // M (default 3)
	TraversalMinDirs  int           // D (default 5)
	DeletionMinPairs  int           // P (default 3)
	NewExecutableAge  time.Duration // "newly created" bound (default 60s)
	ProcessBlacklist  *regexp.Regexp
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MassThreshold:     20,
		MassWindow:        10 * time.Second,
		EntropyDelta:      2.0,
		EntropyMinFiles:   3,
		ExtensionMinFiles: 3,
		TraversalMinDirs:  5,
		DeletionMinPairs:  3,
		NewExecutableAge:  60 * time.Second,
		ProcessBlacklist:  DefaultProcessBlacklist,
	}
}

// DetectorResult is the outcome of one detector over a process window.
type DetectorResult struct {
	Name      string
	Triggered bool
	Weight    int
	Evidence  Evidence
}

// Detector evaluates one behavioral indicator against a window snapshot.
// Detectors are pure over their inputs: the same window contents, clock
// and thresholds always produce the same result.
type Detector func(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult

// AllDetectors lists the six indicator checks in evaluation order.
var AllDetectors = []Detector{
	DetectMassModification,
	DetectEntropySpike,
	DetectExtensionManipulation,
	DetectDirectoryTraversal,
	DetectSuspiciousProcess,
	DetectDeletionPattern,
}

// IsSuspiciousExtension reports whether the suffix (lowercased) is in
// the known-bad set.
func IsSuspiciousExtension(suffix string) bool {
	_, ok := SuspiciousExtensions[strings.ToLower(suffix)]
	return ok
}

func inMassWindow(ev *FileEvent, now time.Time, th Thresholds) bool {
	return now.Sub(ev.Timestamp) <= th.MassWindow
}

// DetectMassModification triggers when a process touches at least
// MassThreshold distinct paths with content-changing events within
// MassWindow. Moved events count as a create of the destination.
func DetectMassModification(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorMassModification, Weight: IndicatorWeights[IndicatorMassModification]}

	distinct := make(map[string]struct{})
	for i := range w.events {
		ev := &w.events[i]
		if !inMassWindow(ev, now, th) {
			continue
		}
		switch ev.Kind {
		case EventModified, EventCreated:
			distinct[ev.Path] = struct{}{}
		case EventMoved, EventExtensionChanged:
			distinct[ev.DestPath] = struct{}{}
		}
	}

	if len(distinct) >= th.MassThreshold {
		result.Triggered = true
		result.Evidence = Evidence{
			Count:  len(distinct),
			Detail: "mass file modification burst",
		}
	}
	return result
}

// DetectEntropySpike triggers when at least EntropyMinFiles distinct
// files show an entropy increase of EntropyDelta or more on their most
// recent observation. The comparison is inclusive (delta >= threshold).
func DetectEntropySpike(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorEntropySpike, Weight: IndicatorWeights[IndicatorEntropySpike]}

	// Last observation per path wins; a later low-delta write clears it.
	lastDelta := make(map[string]float64)
	for i := range w.events {
		ev := &w.events[i]
		if !ev.IsContentChange() || ev.EntropyDelta == nil {
			continue
		}
		lastDelta[ev.Path] = *ev.EntropyDelta
	}

	var spiked []string
	maxDelta := 0.0
	for path, delta := range lastDelta {
		if delta >= th.EntropyDelta {
			spiked = append(spiked, path)
			if delta > maxDelta {
				maxDelta = delta
			}
		}
	}

	if len(spiked) >= th.EntropyMinFiles {
		sort.Strings(spiked)
		result.Triggered = true
		result.Evidence = Evidence{
			Count:  len(spiked),
			Delta:  maxDelta,
			Paths:  capPaths(spiked, 16),
			Detail: "multiple files with entropy spike",
		}
	}
	return result
}

// DetectExtensionManipulation triggers when at least ExtensionMinFiles
// rename events gave files a known ransomware suffix.
func DetectExtensionManipulation(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorExtensionManipulation, Weight: IndicatorWeights[IndicatorExtensionManipulation]}

	var renamed []string
	for i := range w.events {
		ev := &w.events[i]
		if ev.Kind != EventMoved && ev.Kind != EventExtensionChanged {
			continue
		}
		if IsSuspiciousExtension(ev.Suffix()) {
			renamed = append(renamed, ev.DestPath)
		}
	}

	if len(renamed) >= th.ExtensionMinFiles {
		result.Triggered = true
		result.Evidence = Evidence{
			Count:  len(renamed),
			Paths:  capPaths(renamed, 16),
			Detail: "files renamed to ransomware extensions",
		}
	}
	return result
}

// DetectDirectoryTraversal triggers when events within MassWindow touch
// at least TraversalMinDirs distinct parent directories.
func DetectDirectoryTraversal(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorDirectoryTraversal, Weight: IndicatorWeights[IndicatorDirectoryTraversal]}

	dirs := make(map[string]struct{})
	for i := range w.events {
		ev := &w.events[i]
		if !inMassWindow(ev, now, th) {
			continue
		}
		dirs[ev.ParentDir()] = struct{}{}
	}

	if len(dirs) >= th.TraversalMinDirs {
		result.Triggered = true
		result.Evidence = Evidence{
			Count:  len(dirs),
			Detail: "activity across multiple directories",
		}
	}
	return result
}

// DetectSuspiciousProcess triggers on process characteristics rather
// than file activity: an executable under a temp/download/cache root,
// an executable younger than NewExecutableAge, or a name matching the
// blacklist.
func DetectSuspiciousProcess(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorSuspiciousProcess, Weight: IndicatorWeights[IndicatorSuspiciousProcess]}

	exeLower := strings.ReplaceAll(strings.ToLower(w.ProcessExe), `\`, "/")
	for _, marker := range TempDirMarkers {
		if exeLower == "" {
			break
		}
		for _, segment := range strings.Split(exeLower, "/") {
			if segment == marker {
				result.Triggered = true
				result.Evidence = Evidence{Detail: "executable under " + marker + " directory", Paths: []string{w.ProcessExe}}
				return result
			}
		}
	}

	if !w.ExeBirth.IsZero() && now.Sub(w.ExeBirth) < th.NewExecutableAge {
		result.Triggered = true
		result.Evidence = Evidence{Detail: "recently created executable", Paths: []string{w.ProcessExe}}
		return result
	}

	if th.ProcessBlacklist != nil && w.ProcessName != "" && th.ProcessBlacklist.MatchString(w.ProcessName) {
		result.Triggered = true
		result.Evidence = Evidence{Detail: "process name matches blacklist: " + w.ProcessName}
		return result
	}

	return result
}

// DetectDeletionPattern triggers on the classic encrypt-then-delete
// sequence: at least DeletionMinPairs ordered (delete original, create
// encrypted sibling) pairs within MassWindow. Moved events contribute a
// delete of the source and a create of the destination.
func DetectDeletionPattern(w *ProcessWindow, now time.Time, th Thresholds) DetectorResult {
	result := DetectorResult{Name: IndicatorDeletionPattern, Weight: IndicatorWeights[IndicatorDeletionPattern]}

	type op struct {
		ts   time.Time
		path string
	}
	var deletes, creates []op

	for i := range w.events {
		ev := &w.events[i]
		if !inMassWindow(ev, now, th) {
			continue
		}
		switch ev.Kind {
		case EventDeleted:
			deletes = append(deletes, op{ev.Timestamp, ev.Path})
		case EventCreated:
			creates = append(creates, op{ev.Timestamp, ev.Path})
		case EventMoved, EventExtensionChanged:
			deletes = append(deletes, op{ev.Timestamp, ev.Path})
			creates = append(creates, op{ev.Timestamp, ev.DestPath})
		}
	}

	pairs := 0
	var pairPaths []string
	for _, c := range creates {
		if !IsSuspiciousExtension(strings.ToLower(filepath.Ext(c.path))) {
			continue
		}
		cdir := filepath.Dir(c.path)
		for _, d := range deletes {
			if d.ts.After(c.ts) {
				continue
			}
			if filepath.Dir(d.path) == cdir && d.path != c.path {
				pairs++
				pairPaths = append(pairPaths, c.path)
				break
			}
		}
	}

	if pairs >= th.DeletionMinPairs {
		result.Triggered = true
		result.Evidence = Evidence{
			Count:  pairs,
			Paths:  capPaths(pairPaths, 16),
			Detail: "delete-then-create-encrypted pattern",
		}
	}
	return result
}

// RunDetectors evaluates all six indicators over a window snapshot.
func RunDetectors(w *ProcessWindow, now time.Time, th Thresholds) []DetectorResult {
	results := make([]DetectorResult, 0, len(AllDetectors))
	for _, detect := range AllDetectors {
		results = append(results, detect(w, now, th))
	}
	return results
}

func capPaths(paths []string, max int) []string {
	if len(paths) <= max {
		return paths
	}
	return paths[:max]
}
