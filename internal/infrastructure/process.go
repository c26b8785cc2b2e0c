package infrastructure

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// osCallTimeout bounds every process-control OS call; a call returning
// later is treated as a failure.
const osCallTimeout = 2 * time.Second

// ControlResult describes the outcome of one process-control action.
type ControlResult struct {
	Action  string
	PID     int32
	Success bool
	Reason  string
}

// ProcessController suspends, resumes and terminates processes and
// tracks executables denied future execution. Failures are reported,
// never raised: the response engine records them and continues.
// OS calls for the same PID are serialized to avoid suspend/terminate
// races.
type ProcessController struct {
	log *zap.Logger

	mu      sync.Mutex
	pidLock map[int32]*sync.Mutex
	blocked map[string]struct{}
}

// NewProcessController creates a controller.
func NewProcessController(log *zap.Logger) *ProcessController {
	return &ProcessController{
		log:     log,
		pidLock: make(map[int32]*sync.Mutex),
		blocked: make(map[string]struct{}),
	}
}

func (pc *ProcessController) lockFor(pid int32) *sync.Mutex {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	l, ok := pc.pidLock[pid]
	if !ok {
		l = &sync.Mutex{}
		pc.pidLock[pid] = l
	}
	return l
}

// withTimeout runs an OS call with the standard timeout. The goroutine
// is left to finish in the background on timeout; the result is
// reported as a failure either way.
func withTimeout(call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		return err
	case <-time.After(osCallTimeout):
		return fmt.Errorf("os call exceeded %v timeout", osCallTimeout)
	}
}

func (pc *ProcessController) run(action string, pid int32, call func(p *process.Process) error) ControlResult {
	l := pc.lockFor(pid)
	l.Lock()
	defer l.Unlock()

	result := ControlResult{Action: action, PID: pid}

	proc, err := process.NewProcess(pid)
	if err != nil {
		result.Reason = fmt.Sprintf("no such process: %v", err)
		pc.log.Warn("process control failed", zap.String("action", action), zap.Int32("pid", pid), zap.String("reason", result.Reason))
		return result
	}

	if err := withTimeout(func() error { return call(proc) }); err != nil {
		result.Reason = err.Error()
		pc.log.Warn("process control failed", zap.String("action", action), zap.Int32("pid", pid), zap.String("reason", result.Reason))
		return result
	}

	result.Success = true
	pc.log.Info("process control succeeded", zap.String("action", action), zap.Int32("pid", pid))
	return result
}

// Suspend pauses a process.
func (pc *ProcessController) Suspend(pid int32) ControlResult {
	return pc.run("suspend", pid, func(p *process.Process) error { return p.Suspend() })
}

// Resume continues a previously suspended process.
func (pc *ProcessController) Resume(pid int32) ControlResult {
	return pc.run("resume", pid, func(p *process.Process) error { return p.Resume() })
}

// Terminate kills a process.
func (pc *ProcessController) Terminate(pid int32) ControlResult {
	return pc.run("terminate", pid, func(p *process.Process) error { return p.Kill() })
}

// BlockFutureExec denies future execution of a path. Enforcement is
// cooperative: the event intake checks IsBlocked for each attributed
// event and terminates a blocked executable when it appears again.
func (pc *ProcessController) BlockFutureExec(path string) ControlResult {
	normalized := filepath.Clean(path)

	pc.mu.Lock()
	pc.blocked[normalized] = struct{}{}
	pc.mu.Unlock()

	pc.log.Warn("executable blocked from future runs", zap.String("path", normalized))
	return ControlResult{Action: "block_future_exec", Success: true, Reason: normalized}
}

// IsBlocked reports whether an executable path has been denied.
func (pc *ProcessController) IsBlocked(path string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_, ok := pc.blocked[filepath.Clean(path)]
	return ok
}

// BlockedExecutables returns the current deny list.
func (pc *ProcessController) BlockedExecutables() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	paths := make([]string, 0, len(pc.blocked))
	for p := range pc.blocked {
		paths = append(paths, p)
	}
	return paths
}

// TreeEntry is one node of a process tree capture.
type TreeEntry struct {
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Exe    string `json:"exe,omitempty"`
}

// ProcessTree returns the process and its children for forensic
// logging; nil when the process is gone.
func (pc *ProcessController) ProcessTree(pid int32) []TreeEntry {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	tree := []TreeEntry{describe(proc)}
	children, err := proc.Children()
	if err != nil {
		return tree
	}
	for _, child := range children {
		tree = append(tree, describe(child))
	}
	return tree
}

func describe(p *process.Process) TreeEntry {
	entry := TreeEntry{PID: p.Pid}
	if name, err := p.Name(); err == nil {
		entry.Name = name
	}
	if statuses, err := p.Status(); err == nil && len(statuses) > 0 {
		entry.Status = statuses[0]
	}
	if exe, err := p.Exe(); err == nil {
		entry.Exe = exe
	}
	return entry
}
