package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ransomguard/internal/vault"
)

// Snapshot job priorities: on shutdown, queued snapshots below
// PriorityEmergency are abandoned while emergency work is completed.
const (
	PriorityRoutine = iota
	PriorityEmergency
)

const vaultQueueDepth = 4096

type vaultJob struct {
	path        string
	reason      vault.BackupReason
	pid         int32
	processName string
	priority    int

	result chan snapshotOutcome
}

type snapshotOutcome struct {
	entry *vault.BackupEntry
	err   error
}

// VaultPool runs snapshot jobs on a small fixed set of I/O workers so
// the response thread never serializes on vault copies.
type VaultPool struct {
	vault *vault.Vault
	log   *zap.Logger
	jobs  chan vaultJob
	wg    sync.WaitGroup

	draining chan struct{}
	once     sync.Once
}

// NewVaultPool starts workers goroutines consuming the job queue.
func NewVaultPool(v *vault.Vault, workers int, log *zap.Logger) *VaultPool {
	if workers <= 0 {
		workers = 2
	}
	p := &VaultPool{
		vault:    v,
		log:      log,
		jobs:     make(chan vaultJob, vaultQueueDepth),
		draining: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *VaultPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		select {
		case <-p.draining:
			if job.priority < PriorityEmergency {
				job.result <- snapshotOutcome{err: context.Canceled}
				continue
			}
		default:
		}

		entry, err := p.vault.Snapshot(job.path, job.reason, job.pid, job.processName)
		job.result <- snapshotOutcome{entry: entry, err: err}
	}
}

// SnapshotAll captures every path as one deduplicated batch and waits
// for completion. Per-path errors are returned alongside successes;
// a refused snapshot does not abort the rest of the batch.
func (p *VaultPool) SnapshotAll(paths []string, reason vault.BackupReason, pid int32, processName string, priority int) ([]*vault.BackupEntry, []error) {
	if len(paths) == 0 {
		return nil, nil
	}

	p.vault.BeginBatch()
	defer p.vault.EndBatch()

	results := make(chan snapshotOutcome, len(paths))
	submitted := 0
	for _, path := range paths {
		job := vaultJob{
			path:        path,
			reason:      reason,
			pid:         pid,
			processName: processName,
			priority:    priority,
			result:      results,
		}
		select {
		case p.jobs <- job:
			submitted++
		case <-time.After(250 * time.Millisecond):
			p.log.Warn("vault queue saturated, snapshot skipped", zap.String("path", path))
		}
	}

	var entries []*vault.BackupEntry
	var errs []error
	for i := 0; i < submitted; i++ {
		outcome := <-results
		if outcome.err != nil {
			errs = append(errs, outcome.err)
			continue
		}
		entries = append(entries, outcome.entry)
	}
	return entries, errs
}

// Drain closes the job queue to all new work, abandons queued
// low-priority jobs and waits for workers to finish, up to grace.
func (p *VaultPool) Drain(grace time.Duration) {
	p.once.Do(func() {
		close(p.draining)
		close(p.jobs)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("vault pool drain exceeded grace period")
	}
}
