package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ransomguard/internal/repository"
)

// ErrDiskPressure is returned when a snapshot is refused because free
// space fell below the configured minimum.
var ErrDiskPressure = errors.New("vault: free disk space below minimum, snapshot refused")

// ErrEntryNotFound is returned when a backup entry id does not exist.
var ErrEntryNotFound = errors.New("vault: backup entry not found")

// BackupReason records why a snapshot was taken.
type BackupReason string

const (
	ReasonPreModification BackupReason = "pre_modification"
	ReasonEmergency       BackupReason = "emergency"
	ReasonManual          BackupReason = "manual"
	ReasonScheduled       BackupReason = "scheduled"
)

// BackupEntry is one stored file version.
type BackupEntry struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	OriginalPath  string `gorm:"index:idx_backups_original"`
	VaultRelative string
	Timestamp     time.Time    `gorm:"index:idx_backups_timestamp"`
	SHA256        string       `gorm:"column:sha256;index:idx_backups_hash"`
	Reason        BackupReason `gorm:"size:32"`
	PID           int32        `gorm:"column:pid;index:idx_backups_pid"`
	ProcessName   string       `gorm:"index:idx_backups_process"`
	Size          int64
}

// TableName pins the index table name.
func (BackupEntry) TableName() string { return "backups" }

type manifestRecord struct {
	OriginalPath  string `json:"original_path"`
	VaultRelative string `json:"vault_relative"`
	SHA256        string `json:"sha256"`
	Size          int64  `json:"size"`
	Timestamp     string `json:"timestamp"`
	PID           int32  `json:"pid"`
	ProcessName   string `json:"process_name"`
	Reason        string `json:"reason"`
}

// Vault is the copy-on-write backup store: timestamped owner-private
// snapshot directories with SHA-256 manifests and an index database.
// One writer at a time; list and restore take the shared lock.
type Vault struct {
	root      string
	db        *gorm.DB
	log       *zap.Logger
	minFreeMB uint64

	mu sync.RWMutex

	// Current snapshot batch: duplicate content within a batch is
	// stored once and linked.
	batch *snapshotBatch
}

type snapshotBatch struct {
	dir    string            // relative to root
	byHash map[string]string // sha256 -> vault-relative path
}

// New opens (creating if needed) a vault rooted at root. The root is
// created owner-only so monitored processes cannot ordinarily write
// to it.
func New(root string, minFreeMB int, log *zap.Logger) (*Vault, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault root %s: %w", root, err)
	}
	// MkdirAll leaves an existing directory's mode alone
	if err := os.Chmod(root, 0o700); err != nil {
		log.Warn("could not restrict vault permissions", zap.String("root", root), zap.Error(err))
	}

	db, err := repository.Open(repository.Options{
		Path:     filepath.Join(root, "index.db"),
		LogLevel: "silent",
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&BackupEntry{}); err != nil {
		return nil, fmt.Errorf("vault index migration failed: %w", err)
	}

	return &Vault{
		root:      root,
		db:        db,
		log:       log,
		minFreeMB: uint64(minFreeMB),
	}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// flattenPath converts an absolute path to a flat filename safe inside
// a snapshot directory: /home/u/docs/report.docx -> home_u_docs_report.docx
func flattenPath(original string) string {
	normed := filepath.Clean(original)
	normed = strings.ReplaceAll(normed, ":", "")
	normed = strings.TrimLeft(normed, `/\`)
	normed = strings.ReplaceAll(normed, `\`, "_")
	return strings.ReplaceAll(normed, "/", "_")
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (v *Vault) freeSpaceOK() bool {
	usage, err := disk.Usage(v.root)
	if err != nil {
		return true
	}
	return usage.Free >= v.minFreeMB*1024*1024
}

// BeginBatch starts a snapshot batch: all snapshots until EndBatch
// share one timestamped directory and dedupe by content hash.
func (v *Vault) BeginBatch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startBatchLocked()
}

func (v *Vault) startBatchLocked() {
	dir := time.Now().UTC().Format("2006-01-02_15-04-05") + "-" + uuid.NewString()[:8]
	v.batch = &snapshotBatch{dir: dir, byHash: make(map[string]string)}
}

// EndBatch closes the current snapshot batch.
func (v *Vault) EndBatch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.batch = nil
}

// Snapshot copies a file into the vault, records its SHA-256 and
// returns the new entry. Refused with ErrDiskPressure under storage
// pressure. Duplicate content within the current batch is stored once
// and linked.
func (v *Vault) Snapshot(path string, reason BackupReason, pid int32, processName string) (*BackupEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.freeSpaceOK() {
		return nil, ErrDiskPressure
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot snapshot %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot snapshot %s: is a directory", path)
	}

	if v.batch == nil {
		v.startBatchLocked()
	}
	batch := v.batch

	snapDir := filepath.Join(v.root, batch.dir)
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	srcHash, _, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot hash %s: %w", path, err)
	}

	ts := time.Now().UTC()
	var rel string
	if existing, ok := batch.byHash[srcHash]; ok {
		// Same bytes already captured in this batch: link, don't copy
		rel = existing
	} else {
		flat := flattenPath(path)
		rel = filepath.Join(batch.dir, flat)
		dest := filepath.Join(v.root, rel)
		for i := 1; ; i++ {
			if _, err := os.Stat(dest); os.IsNotExist(err) {
				break
			}
			ext := filepath.Ext(flat)
			stem := strings.TrimSuffix(flat, ext)
			rel = filepath.Join(batch.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
			dest = filepath.Join(v.root, rel)
		}

		if err := copyFile(path, dest, 0o600); err != nil {
			return nil, fmt.Errorf("failed to copy %s into vault: %w", path, err)
		}

		// Hash the copy, not the source: the source may still be
		// changing under us
		storedHash, _, err := hashFile(dest)
		if err != nil {
			return nil, fmt.Errorf("failed to hash vault copy: %w", err)
		}
		srcHash = storedHash
		batch.byHash[srcHash] = rel
	}

	entry := BackupEntry{
		OriginalPath:  path,
		VaultRelative: rel,
		Timestamp:     ts,
		SHA256:        srcHash,
		Reason:        reason,
		PID:           pid,
		ProcessName:   processName,
		Size:          info.Size(),
	}
	if err := v.db.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to index backup entry: %w", err)
	}

	if err := v.appendManifest(snapDir, &entry); err != nil {
		v.log.Warn("failed to update manifest", zap.String("dir", snapDir), zap.Error(err))
	}

	v.log.Debug("snapshot stored",
		zap.String("path", path),
		zap.String("vault_relative", rel),
		zap.String("sha256", srcHash[:12]),
		zap.String("reason", string(reason)))

	return &entry, nil
}

func (v *Vault) appendManifest(snapDir string, entry *BackupEntry) error {
	manifestPath := filepath.Join(snapDir, "manifest.json")

	var records []manifestRecord
	if data, err := os.ReadFile(manifestPath); err == nil {
		_ = json.Unmarshal(data, &records)
	}

	records = append(records, manifestRecord{
		OriginalPath:  entry.OriginalPath,
		VaultRelative: entry.VaultRelative,
		SHA256:        entry.SHA256,
		Size:          entry.Size,
		Timestamp:     entry.Timestamp.Format(time.RFC3339Nano),
		PID:           entry.PID,
		ProcessName:   entry.ProcessName,
		Reason:        string(entry.Reason),
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath, data, 0o600)
}

// Filter selects backup entries.
type Filter struct {
	Path    string
	PID     int32
	Process string
	Since   time.Time
	Limit   int
}

// List returns matching entries, newest first.
func (v *Vault) List(f Filter) ([]BackupEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	q := v.db.Model(&BackupEntry{})
	if f.Path != "" {
		q = q.Where("original_path = ?", f.Path)
	}
	if f.PID != 0 {
		q = q.Where("pid = ?", f.PID)
	}
	if f.Process != "" {
		q = q.Where("process_name = ?", f.Process)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	var entries []BackupEntry
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("vault list failed: %w", err)
	}
	return entries, nil
}

// Get returns one entry by id.
func (v *Vault) Get(id int64) (*BackupEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var entry BackupEntry
	if err := v.db.First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// VerifyBackup re-hashes the stored bytes of an entry and reports
// whether they still match the recorded SHA-256.
func (v *Vault) VerifyBackup(id int64) (bool, error) {
	entry, err := v.Get(id)
	if err != nil {
		return false, err
	}
	current, _, err := hashFile(filepath.Join(v.root, entry.VaultRelative))
	if err != nil {
		return false, fmt.Errorf("cannot read stored backup: %w", err)
	}
	return current == entry.SHA256, nil
}

// PurgeOlderThan deletes entries older than age. An entry is skipped
// when it is still the newest stored version of a path that currently
// exists with different content: purging it would destroy the only
// rollback point. Returns the number of entries removed.
func (v *Vault) PurgeOlderThan(age time.Duration) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)

	var candidates []BackupEntry
	if err := v.db.Where("timestamp < ?", cutoff).Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("purge query failed: %w", err)
	}

	removed := 0
	for _, entry := range candidates {
		newest, err := v.newestEntryFor(entry.OriginalPath)
		if err == nil && newest.ID == entry.ID {
			if changed, err := v.liveFileDiffers(&entry); err == nil && changed {
				v.log.Debug("purge skipping newest version of changed file",
					zap.String("path", entry.OriginalPath), zap.Int64("entry", entry.ID))
				continue
			}
		}

		if err := v.deleteEntry(&entry); err != nil {
			v.log.Warn("purge failed for entry", zap.Int64("entry", entry.ID), zap.Error(err))
			continue
		}
		removed++
	}

	v.removeEmptySnapshotDirs()
	return removed, nil
}

func (v *Vault) newestEntryFor(path string) (*BackupEntry, error) {
	var entry BackupEntry
	err := v.db.Where("original_path = ?", path).Order("timestamp DESC, id DESC").First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// liveFileDiffers reports whether the original path currently exists
// with content different from the stored version.
func (v *Vault) liveFileDiffers(entry *BackupEntry) (bool, error) {
	current, _, err := hashFile(entry.OriginalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return current != entry.SHA256, nil
}

func (v *Vault) deleteEntry(entry *BackupEntry) error {
	// Stored bytes may be shared by linked duplicates; only unlink the
	// file when no other entry references it
	var refs int64
	v.db.Model(&BackupEntry{}).Where("vault_relative = ? AND id <> ?", entry.VaultRelative, entry.ID).Count(&refs)
	if refs == 0 {
		if err := os.Remove(filepath.Join(v.root, entry.VaultRelative)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return v.db.Delete(&BackupEntry{}, entry.ID).Error
}

func (v *Vault) removeEmptySnapshotDirs() {
	dirs, err := os.ReadDir(v.root)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		full := filepath.Join(v.root, d.Name())
		entries, err := os.ReadDir(full)
		if err != nil {
			continue
		}
		// A directory holding only its manifest is spent
		if len(entries) == 1 && entries[0].Name() == "manifest.json" {
			_ = os.Remove(filepath.Join(full, "manifest.json"))
			entries = nil
		}
		if len(entries) == 0 {
			_ = os.Remove(full)
		}
	}
}
