package infrastructure

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is the attribution attached to a file event.
type ProcessInfo struct {
	PID      int32
	Name     string
	Exe      string
	ExeBirth time.Time // executable file modification time, when statable
}

// Attributor resolves a PID to process metadata. Filesystem watchers
// on most platforms do not report the responsible PID; callers that
// cannot attribute pass pid<=0 and receive the unknown-process record.
type Attributor struct {
	mu    sync.Mutex
	cache map[int32]cachedInfo
	ttl   time.Duration
}

type cachedInfo struct {
	info ProcessInfo
	at   time.Time
}

// NewAttributor creates an attributor with a short metadata cache so a
// burst of events from one process costs a single lookup.
func NewAttributor() *Attributor {
	return &Attributor{
		cache: make(map[int32]cachedInfo),
		ttl:   5 * time.Second,
	}
}

// UnknownProcess is the attribution for events with no resolvable PID.
func UnknownProcess() ProcessInfo {
	return ProcessInfo{PID: 0, Name: "unknown"}
}

// Lookup resolves a PID. Events with no attributable PID are accepted
// with PID=0 and name "unknown" rather than rejected.
func (a *Attributor) Lookup(pid int32) ProcessInfo {
	if pid <= 0 {
		return UnknownProcess()
	}

	a.mu.Lock()
	if cached, ok := a.cache[pid]; ok && time.Since(cached.at) < a.ttl {
		a.mu.Unlock()
		return cached.info
	}
	a.mu.Unlock()

	info := ProcessInfo{PID: pid, Name: "unknown"}
	proc, err := process.NewProcess(pid)
	if err == nil {
		if name, err := proc.Name(); err == nil && name != "" {
			info.Name = name
		}
		if exe, err := proc.Exe(); err == nil {
			info.Exe = exe
			if stat, err := os.Stat(exe); err == nil {
				info.ExeBirth = stat.ModTime()
			}
		}
	}

	a.mu.Lock()
	a.cache[pid] = cachedInfo{info: info, at: time.Now()}
	a.mu.Unlock()
	return info
}

// Evict drops cached attribution for an exited process.
func (a *Attributor) Evict(pid int32) {
	a.mu.Lock()
	delete(a.cache, pid)
	a.mu.Unlock()
}
