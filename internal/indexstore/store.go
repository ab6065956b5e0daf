// Package indexstore persists build preparation outcomes and index unit
// records in a sqlite database next to the raw index store.
package indexstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
)

type PrepareRecord struct {
	ID             int64
	TargetID       string
	RunDestination string
	ExitCode       int
	Output         string
	Duration       time.Duration
	RecordedAt     time.Time
}

type UnitRecord struct {
	ID         int64
	SourcePath string
	TargetID   string
	Language   string
	UpdatedAt  time.Time
}

// Store wraps the sqlite database. Paths written by remote or containerized
// builds are remapped to local paths through the configured prefix mappings
// before they are stored.
type Store struct {
	db       *sql.DB
	mappings []buildsystem.PathPrefixMapping
	mu       sync.RWMutex
}

func New(dbPath string, mappings []buildsystem.PathPrefixMapping) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	store := &Store{db: db, mappings: mappings}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := GetSchema()

	lines := strings.Split(schema, "\n")
	var cleanLines []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
			cleanLines = append(cleanLines, line)
		}
	}
	cleanSchema := strings.Join(cleanLines, "\n")

	if _, err := s.db.Exec(cleanSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	_, _ = s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, GetSchemaVersion())
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// remap translates a build-machine path to the corresponding local path.
// The first matching prefix wins; unmapped paths pass through unchanged.
func (s *Store) remap(path string) string {
	for _, mapping := range s.mappings {
		if local, ok := mapping.Apply(path); ok {
			return local
		}
	}
	return path
}

// RecordPrepareResult appends one row for a finished build process.
func (s *Store) RecordPrepareResult(result buildsystem.ProcessResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO prepare_results (target_id, run_destination, exit_code, output, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, result.Target.TargetID, result.Target.RunDestinationID, result.ExitCode,
		result.Output, result.Duration.Milliseconds())

	if err != nil {
		return 0, fmt.Errorf("record prepare result: %w", err)
	}

	return res.LastInsertId()
}

// LatestPrepareResult returns the most recent record for a target, or nil
// when the target has never been prepared.
func (s *Store) LatestPrepareResult(targetID string) (*PrepareRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := &PrepareRecord{}
	var output sql.NullString
	var runDestination sql.NullString
	var durationMS int64

	err := s.db.QueryRow(`
		SELECT id, target_id, run_destination, exit_code, output, duration_ms, recorded_at
		FROM prepare_results WHERE target_id = ? ORDER BY id DESC LIMIT 1
	`, targetID).Scan(
		&record.ID, &record.TargetID, &runDestination, &record.ExitCode,
		&output, &durationMS, &record.RecordedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest prepare result: %w", err)
	}

	if runDestination.Valid {
		record.RunDestination = runDestination.String
	}
	if output.Valid {
		record.Output = output.String
	}
	record.Duration = time.Duration(durationMS) * time.Millisecond

	return record, nil
}

func (s *Store) PrepareHistory(targetID string, limit int) ([]*PrepareRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, target_id, run_destination, exit_code, output, duration_ms, recorded_at
		FROM prepare_results WHERE target_id = ? ORDER BY id DESC LIMIT ?
	`, targetID, limit)

	if err != nil {
		return nil, fmt.Errorf("prepare history: %w", err)
	}
	defer rows.Close()

	var records []*PrepareRecord

	for rows.Next() {
		record := &PrepareRecord{}
		var output sql.NullString
		var runDestination sql.NullString
		var durationMS int64

		err := rows.Scan(
			&record.ID, &record.TargetID, &runDestination, &record.ExitCode,
			&output, &durationMS, &record.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan prepare record: %w", err)
		}

		if runDestination.Valid {
			record.RunDestination = runDestination.String
		}
		if output.Valid {
			record.Output = output.String
		}
		record.Duration = time.Duration(durationMS) * time.Millisecond

		records = append(records, record)
	}

	return records, rows.Err()
}

// UpsertUnit records an index unit for a source path. The path is remapped
// to its local form before being stored, so lookups always use local paths.
func (s *Store) UpsertUnit(sourcePath, targetID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO units (source_path, target_id, language, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_path) DO UPDATE SET
			target_id = excluded.target_id,
			language = excluded.language,
			updated_at = CURRENT_TIMESTAMP
	`, s.remap(sourcePath), targetID, language)

	if err != nil {
		return fmt.Errorf("upsert unit: %w", err)
	}
	return nil
}

func (s *Store) UnitForPath(sourcePath string) (*UnitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := &UnitRecord{}
	var language sql.NullString

	err := s.db.QueryRow(`
		SELECT id, source_path, target_id, language, updated_at
		FROM units WHERE source_path = ?
	`, s.remap(sourcePath)).Scan(
		&record.ID, &record.SourcePath, &record.TargetID, &language, &record.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unit for path: %w", err)
	}

	if language.Valid {
		record.Language = language.String
	}
	return record, nil
}

func (s *Store) UnitsForTarget(targetID string) ([]*UnitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, source_path, target_id, language, updated_at
		FROM units WHERE target_id = ? ORDER BY source_path ASC
	`, targetID)

	if err != nil {
		return nil, fmt.Errorf("units for target: %w", err)
	}
	defer rows.Close()

	var records []*UnitRecord

	for rows.Next() {
		record := &UnitRecord{}
		var language sql.NullString

		if err := rows.Scan(&record.ID, &record.SourcePath, &record.TargetID, &language, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if language.Valid {
			record.Language = language.String
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// DeleteUnitsForTarget drops all unit records for a target, used when a
// target disappears from the build graph.
func (s *Store) DeleteUnitsForTarget(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM units WHERE target_id = ?", targetID); err != nil {
		return fmt.Errorf("delete units: %w", err)
	}
	return nil
}
