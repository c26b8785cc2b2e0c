package repository

import (
	"time"
)

// FileEventRow is the persisted form of a domain.FileEvent.
type FileEventRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp    time.Time `gorm:"index:idx_events_timestamp"`
	Kind         string    `gorm:"index:idx_events_kind;size:32"`
	Path         string    `gorm:"index:idx_events_path"`
	DestPath     string
	SizeBefore   *int64
	SizeAfter    *int64
	PID          int32 `gorm:"column:pid;index:idx_events_pid"`
	ProcessName  string
	ProcessExe   string
	Entropy      *float64
	EntropyDelta *float64
}

// TableName keeps the table name stable regardless of struct renames.
func (FileEventRow) TableName() string { return "file_events" }

// ThreatRecordRow is the persisted form of a domain.ThreatRecord.
// Indicators and actions are stored as JSON blobs; the queryable
// attributes get their own indexed columns.
type ThreatRecordRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	Timestamp      time.Time `gorm:"index:idx_threats_timestamp"`
	PID            int32     `gorm:"column:pid;index:idx_threats_pid"`
	ProcessName    string
	ProcessExe     string
	Score          int
	Level          string `gorm:"index:idx_threats_level;size:16"`
	Escalation     int
	IndicatorsJSON []byte `gorm:"column:indicators"`
	ActionsJSON    []byte `gorm:"column:actions"`
	IncidentReport []byte
}

func (ThreatRecordRow) TableName() string { return "threat_records" }

// EntropyBaselineRow holds the last observed entropy per path.
type EntropyBaselineRow struct {
	Path      string `gorm:"primaryKey"`
	Entropy   float64
	UpdatedAt time.Time
	// DeletedSince is set when the backing file is deleted; the row is
	// purged once the grace period has elapsed.
	DeletedSince *time.Time `gorm:"index:idx_baselines_deleted"`
}

func (EntropyBaselineRow) TableName() string { return "entropy_baselines" }
