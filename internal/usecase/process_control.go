package usecase

import (
	"ransomguard/internal/infrastructure"
)

// ProcessControl is the slice of process-controller behavior the
// pipeline depends on. The production implementation is
// infrastructure.ProcessController; tests substitute fakes.
type ProcessControl interface {
	Suspend(pid int32) infrastructure.ControlResult
	Resume(pid int32) infrastructure.ControlResult
	Terminate(pid int32) infrastructure.ControlResult
	BlockFutureExec(path string) infrastructure.ControlResult
	IsBlocked(path string) bool
	ProcessTree(pid int32) []infrastructure.TreeEntry
}

var _ ProcessControl = (*infrastructure.ProcessController)(nil)
