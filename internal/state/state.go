// Package state persists what devstack remembers between runs: timing
// history, per-unit ref pins and a short run log. It is a single SQLite
// file under the workspace.
package state

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/devstack/internal/timing"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed state. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	// Setup and build tasks record concurrently; one connection serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

type migration struct {
	version int
	name    string
	upSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		out = append(out, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *Store) migrate() error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.version); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
	}
	return tx.Commit()
}

// -----------------------------------------------------------------------------
// Timing history
// -----------------------------------------------------------------------------

// LoadSamples returns the newest perKey samples of every key, oldest first.
func (s *Store) LoadSamples(perKey int) ([]timing.Sample, error) {
	rows, err := s.db.Query(`
		SELECT key, duration_ms, recorded_at FROM (
			SELECT id, key, duration_ms, recorded_at,
			       ROW_NUMBER() OVER (PARTITION BY key ORDER BY id DESC) AS rn
			FROM timing_samples
		) WHERE rn <= ? ORDER BY id ASC`, perKey)
	if err != nil {
		return nil, fmt.Errorf("query timing samples: %w", err)
	}
	defer rows.Close()

	var out []timing.Sample
	for rows.Next() {
		var key string
		var ms, at int64
		if err := rows.Scan(&key, &ms, &at); err != nil {
			return nil, err
		}
		out = append(out, timing.Sample{
			Key:        timing.ParseKey(key),
			Duration:   time.Duration(ms) * time.Millisecond,
			RecordedAt: time.UnixMilli(at),
		})
	}
	return out, rows.Err()
}

// AppendSample stores sample and trims its key to the newest retain rows.
func (s *Store) AppendSample(sample timing.Sample, retain int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := sample.Key.String()
	if _, err := tx.Exec(`INSERT INTO timing_samples(key, duration_ms, recorded_at) VALUES (?, ?, ?)`,
		key, sample.Duration.Milliseconds(), sample.RecordedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert timing sample: %w", err)
	}
	if retain > 0 {
		if _, err := tx.Exec(`
			DELETE FROM timing_samples WHERE key = ? AND id NOT IN (
				SELECT id FROM timing_samples WHERE key = ? ORDER BY id DESC LIMIT ?
			)`, key, key, retain); err != nil {
			return fmt.Errorf("trim timing samples: %w", err)
		}
	}
	return tx.Commit()
}

// -----------------------------------------------------------------------------
// Ref pins
// -----------------------------------------------------------------------------

// Pinned returns the ref remembered for unit.
func (s *Store) Pinned(unit string) (string, bool, error) {
	var ref string
	err := s.db.QueryRow(`SELECT ref FROM ref_pins WHERE unit = ?`, unit).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read pin for %s: %w", unit, err)
	}
	return ref, true, nil
}

// Pin remembers ref for unit, replacing any previous pin.
func (s *Store) Pin(unit, ref string) error {
	_, err := s.db.Exec(`
		INSERT INTO ref_pins(unit, ref, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(unit) DO UPDATE SET ref = excluded.ref, updated_at = excluded.updated_at`,
		unit, ref, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("pin %s: %w", unit, err)
	}
	return nil
}

// Unpin forgets the ref remembered for unit.
func (s *Store) Unpin(unit string) error {
	if _, err := s.db.Exec(`DELETE FROM ref_pins WHERE unit = ?`, unit); err != nil {
		return fmt.Errorf("unpin %s: %w", unit, err)
	}
	return nil
}

// PinEntry is one remembered ref.
type PinEntry struct {
	Unit      string
	Ref       string
	UpdatedAt time.Time
}

// Pins lists every remembered ref, sorted by unit.
func (s *Store) Pins() ([]PinEntry, error) {
	rows, err := s.db.Query(`SELECT unit, ref, updated_at FROM ref_pins ORDER BY unit`)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var out []PinEntry
	for rows.Next() {
		var e PinEntry
		var at int64
		if err := rows.Scan(&e.Unit, &e.Ref, &at); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Run log
// -----------------------------------------------------------------------------

// RunRecord summarizes one finished run.
type RunRecord struct {
	ID        string
	Namespace string
	StartedAt time.Time
	Duration  time.Duration
	Requested int
	Built     int
	Running   int
	// Result is "ok", "degraded" or "failed".
	Result string
}

// RecordRun appends a run summary.
func (s *Store) RecordRun(r RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO runs(id, namespace, started_at, duration_ms, requested, built, running, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Namespace, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(),
		r.Requested, r.Built, r.Running, r.Result)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, namespace, started_at, duration_ms, requested, built, running, result
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var at, ms int64
		if err := rows.Scan(&r.ID, &r.Namespace, &at, &ms, &r.Requested, &r.Built, &r.Running, &r.Result); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(at)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
