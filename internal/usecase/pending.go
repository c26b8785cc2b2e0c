package usecase

import (
	"sync"
	"time"
)

// PendingActionType names the destructive steps gated by safe mode.
type PendingActionType string

const (
	ActionSuspend   PendingActionType = "suspend"
	ActionTerminate PendingActionType = "terminate"
	ActionRollback  PendingActionType = "rollback"
)

// PendingStatus tracks the lifecycle of a confirmation request.
type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusConfirmed PendingStatus = "confirmed"
	StatusDenied    PendingStatus = "denied"
	StatusExpired   PendingStatus = "expired"
)

// DefaultPendingTTL is how long a confirmation request stays open.
const DefaultPendingTTL = 5 * time.Minute

// PendingAction is one safe-mode confirmation request.
type PendingAction struct {
	ID          int64
	Created     time.Time
	ThreatID    string
	Action      PendingActionType
	PID         int32
	ProcessName string
	ProcessExe  string
	Expiry      time.Time
	Status      PendingStatus
}

func (p *PendingAction) terminal() bool {
	return p.Status != StatusPending
}

// PendingQueue holds open confirmation requests. At most one
// non-terminal action exists per (PID, action type).
type PendingQueue struct {
	mu      sync.Mutex
	nextID  int64
	actions map[int64]*PendingAction
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{actions: make(map[int64]*PendingAction)}
}

// Enqueue registers a request. When a non-terminal request already
// exists for the same (PID, action), that request is returned with
// created=false instead of adding a duplicate.
func (q *PendingQueue) Enqueue(pa PendingAction) (*PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.actions {
		if existing.PID == pa.PID && existing.Action == pa.Action && !existing.terminal() {
			return existing, false
		}
	}

	q.nextID++
	pa.ID = q.nextID
	pa.Status = StatusPending
	if pa.Created.IsZero() {
		pa.Created = time.Now().UTC()
	}
	if pa.Expiry.IsZero() {
		pa.Expiry = pa.Created.Add(DefaultPendingTTL)
	}

	stored := pa
	q.actions[pa.ID] = &stored
	return &stored, true
}

// Resolve marks a pending request confirmed or denied. Terminal
// requests cannot be resolved again.
func (q *PendingQueue) Resolve(id int64, approve bool) (*PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pa, ok := q.actions[id]
	if !ok || pa.terminal() {
		return nil, false
	}
	if approve {
		pa.Status = StatusConfirmed
	} else {
		pa.Status = StatusDenied
	}
	return pa, true
}

// ExpireDue marks overdue pending requests expired and returns them.
// Expired requests are treated as denials.
func (q *PendingQueue) ExpireDue(now time.Time) []*PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*PendingAction
	for _, pa := range q.actions {
		if !pa.terminal() && now.After(pa.Expiry) {
			pa.Status = StatusExpired
			expired = append(expired, pa)
		}
	}
	return expired
}

// Get returns a request by id.
func (q *PendingQueue) Get(id int64) (*PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pa, ok := q.actions[id]
	return pa, ok
}

// Open returns all non-terminal requests.
func (q *PendingQueue) Open() []*PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var open []*PendingAction
	for _, pa := range q.actions {
		if !pa.terminal() {
			open = append(open, pa)
		}
	}
	return open
}
