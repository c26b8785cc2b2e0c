package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ransomguard/internal/domain"
)

// ErrStorageFull is returned when the event store refuses writes
// because free disk space fell below the configured minimum.
var ErrStorageFull = errors.New("event store: disk free space below minimum")

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

const freeSpaceCheckInterval = 10 * time.Second

// EventStore provides durable, ordered persistence of file events and
// threat records. A single writer serializes appends; readers operate
// on committed WAL snapshots and never block the writer.
type EventStore struct {
	db        *gorm.DB
	log       *zap.Logger
	dataPath  string
	minFreeMB uint64

	writeMu sync.Mutex

	// Degraded mode: under storage pressure non-threat events are
	// dropped rather than failing the pipeline.
	degraded      atomic.Bool
	droppedEvents atomic.Int64

	lastFreeCheck time.Time
	lastFreeOK    bool
}

// NewEventStore opens the store and migrates its schema.
func NewEventStore(db *gorm.DB, dataPath string, minFreeMB int, log *zap.Logger) (*EventStore, error) {
	if err := db.AutoMigrate(&FileEventRow{}, &ThreatRecordRow{}); err != nil {
		return nil, fmt.Errorf("event store migration failed: %w", err)
	}
	return &EventStore{
		db:        db,
		log:       log,
		dataPath:  dataPath,
		minFreeMB: uint64(minFreeMB),
	}, nil
}

// freeSpaceOK checks available disk space, memoized for a short
// interval so the hot append path does not stat the filesystem per
// event.
func (s *EventStore) freeSpaceOK() bool {
	if time.Since(s.lastFreeCheck) < freeSpaceCheckInterval {
		return s.lastFreeOK
	}
	s.lastFreeCheck = time.Now()

	usage, err := disk.Usage(s.dataPath)
	if err != nil {
		// Unknown is treated as OK; refusing writes on a stat failure
		// would drop events for a transient condition
		s.lastFreeOK = true
		return true
	}
	s.lastFreeOK = usage.Free >= s.minFreeMB*1024*1024
	return s.lastFreeOK
}

// AppendEvent persists a file event and returns its assigned id.
// Under storage pressure the store enters degraded mode: the append
// fails with ErrStorageFull and the event is counted as dropped.
func (s *EventStore) AppendEvent(ev domain.FileEvent) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.freeSpaceOK() {
		if s.degraded.CompareAndSwap(false, true) {
			s.log.Warn("event store entering degraded mode: dropping non-threat events",
				zap.Uint64("min_free_mb", s.minFreeMB))
		}
		s.droppedEvents.Add(1)
		return 0, ErrStorageFull
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.log.Info("event store leaving degraded mode")
	}

	row := FileEventRow{
		Timestamp:    ev.Timestamp,
		Kind:         string(ev.Kind),
		Path:         ev.Path,
		DestPath:     ev.DestPath,
		SizeBefore:   ev.SizeBefore,
		SizeAfter:    ev.SizeAfter,
		PID:          ev.PID,
		ProcessName:  ev.ProcessName,
		ProcessExe:   ev.ProcessExe,
		Entropy:      ev.Entropy,
		EntropyDelta: ev.EntropyDelta,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return row.ID, nil
}

// AppendThreat persists a threat record. Threat records are written
// even in degraded mode; they must not be lost.
func (s *EventStore) AppendThreat(rec domain.ThreatRecord) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	indicators, err := json.Marshal(rec.Indicators)
	if err != nil {
		return "", fmt.Errorf("failed to encode indicators: %w", err)
	}
	actions, err := json.Marshal(rec.ActionsTaken)
	if err != nil {
		return "", fmt.Errorf("failed to encode actions: %w", err)
	}

	row := ThreatRecordRow{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp,
		PID:            rec.PID,
		ProcessName:    rec.ProcessName,
		ProcessExe:     rec.ProcessExe,
		Score:          rec.Score,
		Level:          string(rec.Level),
		Escalation:     rec.Escalation,
		IndicatorsJSON: indicators,
		ActionsJSON:    actions,
		IncidentReport: rec.IncidentReport,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to append threat record: %w", err)
	}
	return row.ID, nil
}

// UpdateThreatActions rewrites the actions and incident report of an
// existing threat record after the response engine has run.
func (s *EventStore) UpdateThreatActions(id string, actions []domain.ActionDescriptor, report []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	encoded, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	updates := map[string]interface{}{"actions": encoded}
	if report != nil {
		updates["incident_report"] = report
	}
	return s.db.Model(&ThreatRecordRow{}).Where("id = ?", id).Updates(updates).Error
}

// EventFilter selects file events. Zero values mean "no constraint".
type EventFilter struct {
	Paths  []string
	PID    int32
	Kinds  []domain.EventKind
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// QueryEvents returns matching events, newest first.
func (s *EventStore) QueryEvents(f EventFilter) ([]domain.FileEvent, error) {
	q := s.db.Model(&FileEventRow{})
	if len(f.Paths) > 0 {
		q = q.Where("path IN ?", f.Paths)
	}
	if f.PID != 0 {
		q = q.Where("pid = ?", f.PID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where("kind IN ?", kinds)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []FileEventRow
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}

	events := make([]domain.FileEvent, len(rows))
	for i, r := range rows {
		events[i] = domain.FileEvent{
			ID:           r.ID,
			Timestamp:    r.Timestamp,
			Kind:         domain.EventKind(r.Kind),
			Path:         r.Path,
			DestPath:     r.DestPath,
			SizeBefore:   r.SizeBefore,
			SizeAfter:    r.SizeAfter,
			PID:          r.PID,
			ProcessName:  r.ProcessName,
			ProcessExe:   r.ProcessExe,
			Entropy:      r.Entropy,
			EntropyDelta: r.EntropyDelta,
		}
	}
	return events, nil
}

// ThreatFilter selects threat records.
type ThreatFilter struct {
	Severity domain.ThreatLevel
	Since    time.Time
	PID      int32
	Limit    int
}

// QueryThreats returns matching threat records, newest first.
func (s *EventStore) QueryThreats(f ThreatFilter) ([]domain.ThreatRecord, error) {
	q := s.db.Model(&ThreatRecordRow{})
	if f.Severity != "" {
		q = q.Where("level = ?", string(f.Severity))
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.PID != 0 {
		q = q.Where("pid = ?", f.PID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []ThreatRecordRow
	if err := q.Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("threat query failed: %w", err)
	}

	records := make([]domain.ThreatRecord, len(rows))
	for i, r := range rows {
		rec := domain.ThreatRecord{
			ID:             r.ID,
			Timestamp:      r.Timestamp,
			PID:            r.PID,
			ProcessName:    r.ProcessName,
			ProcessExe:     r.ProcessExe,
			Score:          r.Score,
			Level:          domain.ThreatLevel(r.Level),
			Escalation:     r.Escalation,
			IncidentReport: r.IncidentReport,
		}
		if len(r.IndicatorsJSON) > 0 {
			_ = json.Unmarshal(r.IndicatorsJSON, &rec.Indicators)
		}
		if len(r.ActionsJSON) > 0 {
			_ = json.Unmarshal(r.ActionsJSON, &rec.ActionsTaken)
		}
		records[i] = rec
	}
	return records, nil
}

// Vacuum compacts the database file.
func (s *EventStore) Vacuum() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Exec("VACUUM").Error
}

// Degraded reports whether the store is currently dropping non-threat
// events due to storage pressure.
func (s *EventStore) Degraded() bool {
	return s.degraded.Load()
}

// DroppedEvents returns the count of events dropped under pressure.
func (s *EventStore) DroppedEvents() int64 {
	return s.droppedEvents.Load()
}
