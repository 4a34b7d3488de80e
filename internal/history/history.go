// Package history provides the SQLite log of completed subnet scans. The
// repositories persist their working state to JSON files; scan runs are
// append-mostly telemetry and live better behind SQL, where recent-run
// queries and aggregates stay cheap as the log grows.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/McDevStudios/asshm/internal/fileutil"
)

// Store represents the scan-history database connection
type Store struct {
	*sql.DB
	Path   string // Exported for integration tests
	logger *zerolog.Logger
	sync.Mutex
}

// ScanRecord is one completed scan run.
type ScanRecord struct {
	ID           string    `json:"id"`
	CIDR         string    `json:"cidr"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	HostsScanned int       `json:"hosts_scanned"`
	HostsActive  int       `json:"hosts_active"`
}

// New opens the history database at path, creating it and its schema when
// needed.
func New(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// Open database connection
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Set connection parameters
	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "history").Logger()

	store := &Store{
		DB:     db,
		Path:   path,
		logger: &logger,
	}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	// Run PRAGMA statements for optimization
	if err := store.optimize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}

	return store, nil
}

// Initialize database schema
func (s *Store) initializeSchema() error {
	s.logger.Info().Msg("Initializing scan history schema")

	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		cidr TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		hosts_scanned INTEGER NOT NULL DEFAULT 0,
		hosts_active INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_scans_started_at ON scans(started_at);
	CREATE INDEX IF NOT EXISTS idx_scans_cidr ON scans(cidr);
	`
	if _, err := s.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Run PRAGMA statements for performance
func (s *Store) optimize() error {
	if _, err := s.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := s.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}
	if _, err := s.Exec("PRAGMA busy_timeout=10000"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set busy_timeout PRAGMA")
	}
	return nil
}

// RecordScan inserts one completed run.
func (s *Store) RecordScan(rec ScanRecord) error {
	s.Lock()
	defer s.Unlock()

	_, err := s.Exec(
		`INSERT INTO scans (id, cidr, started_at, duration_ms, hosts_scanned, hosts_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CIDR, rec.StartedAt, rec.DurationMS, rec.HostsScanned, rec.HostsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	s.logger.Debug().Str("id", rec.ID).Str("cidr", rec.CIDR).Msg("Scan run recorded")
	return nil
}

// RecentScans returns the most recent runs, newest first.
func (s *Store) RecentScans(limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Query(
		`SELECT id, cidr, started_at, duration_ms, hosts_scanned, hosts_active
		 FROM scans ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent scans: %w", err)
	}
	defer rows.Close()

	var scans []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		if err := rows.Scan(&rec.ID, &rec.CIDR, &rec.StartedAt, &rec.DurationMS, &rec.HostsScanned, &rec.HostsActive); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		scans = append(scans, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return scans, nil
}

// Stats returns run counts, the most recent run time, and the size of the
// database file.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var scanCount int
	if err := s.QueryRow("SELECT COUNT(*) FROM scans").Scan(&scanCount); err != nil {
		return nil, fmt.Errorf("failed to get scan count: %w", err)
	}
	stats["scanCount"] = scanCount

	// MAX() strips the declared column type, so the driver hands the
	// timestamp back as a string in one of several spellings.
	var lastScanStr sql.NullString
	if err := s.QueryRow("SELECT MAX(started_at) FROM scans").Scan(&lastScanStr); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get last scan time: %w", err)
	}
	if lastScanStr.Valid && lastScanStr.String != "" {
		formats := []string{
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05",
			time.RFC3339,
		}
		var lastScan time.Time
		var parseErr error
		for _, format := range formats {
			lastScan, parseErr = time.Parse(format, lastScanStr.String)
			if parseErr == nil {
				break
			}
		}
		if parseErr != nil {
			s.logger.Warn().Str("value", lastScanStr.String).Msg("Failed to parse last scan time")
			stats["lastScanTime"] = time.Time{}
		} else {
			stats["lastScanTime"] = lastScan
		}
	} else {
		stats["lastScanTime"] = time.Time{}
	}

	if fileInfo, err := os.Stat(s.Path); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to get history database file size")
		stats["sizeBytes"] = int64(0)
	} else {
		stats["sizeBytes"] = fileInfo.Size()
	}

	return stats, nil
}

// Backup writes a timestamped copy of the database into a backups directory
// next to it, then prunes old copies beyond keep. VACUUM INTO produces a
// compact consistent snapshot; when it fails (older SQLite builds), a plain
// file copy is used instead.
func (s *Store) Backup(keep int) (string, error) {
	s.Lock()
	defer s.Unlock()

	backupDir := filepath.Join(filepath.Dir(s.Path), "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	base := filepath.Base(s.Path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", prefix, timestamp, ext))

	if _, err := s.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before backup")
	}

	if _, err := s.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to file copy")
		if copyErr := fileutil.Copy(s.Path, backupPath); copyErr != nil {
			return "", fmt.Errorf("failed to back up history database: %w", copyErr)
		}
	}

	s.pruneBackups(backupDir, prefix+"_", keep)
	s.logger.Info().Str("path", backupPath).Msg("History backup created")
	return backupPath, nil
}

// pruneBackups removes the oldest timestamped copies beyond keep. Removal
// failures are ignored.
func (s *Store) pruneBackups(dir, prefix string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Debug().Err(err).Str("file", name).Msg("Failed to prune history backup")
		}
	}
}
