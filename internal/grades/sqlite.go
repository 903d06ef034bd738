package grades

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	appDirName = "ois-tracker"
	dbFileName = "grades.db"
)

// SQLiteStore persists the current snapshot in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writes serialized and in-memory paths consistent.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS snapshot (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  captured_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
  course_id TEXT NOT NULL,
  component TEXT NOT NULL,
  course_name TEXT NOT NULL,
  value TEXT NOT NULL,
  weight INTEGER NOT NULL,
  date TEXT NOT NULL,
  PRIMARY KEY (course_id, component)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create snapshot tables: %w", err)
	}
	return nil
}

// Load returns the saved snapshot. ok is false when nothing was saved yet.
func (s *SQLiteStore) Load() (Snapshot, bool, error) {
	ctx := context.Background()
	var captured string
	err := s.db.QueryRowContext(ctx, `SELECT captured_at FROM snapshot WHERE id = 1`).Scan(&captured)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, captured)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("parse captured_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT course_id, component, course_name, value, weight, date FROM records`)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{CapturedAt: at, Records: make(map[Key]Record)}
	for rows.Next() {
		var r Record
		var raw string
		if err := rows.Scan(&r.CourseID, &r.Component, &r.CourseName, &raw, &r.Weight, &r.Date); err != nil {
			return Snapshot{}, false, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Value); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode value of %s/%s: %w", r.CourseID, r.Component, err)
		}
		snap.Records[r.Key()] = r
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("iterate records: %w", err)
	}
	return snap, true, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLiteStore) Save(snap Snapshot) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	const insert = `INSERT INTO records (course_id, component, course_name, value, weight, date) VALUES (?, ?, ?, ?, ?, ?)`
	for _, r := range snap.Records {
		raw, err := json.Marshal(r.Value)
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, r.CourseID, r.Component, r.CourseName, string(raw), r.Weight, r.Date); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Key(), err)
		}
	}
	const upsert = `
INSERT INTO snapshot (id, captured_at) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET captured_at = excluded.captured_at;
`
	if _, err := tx.ExecContext(ctx, upsert, snap.CapturedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write snapshot time: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DefaultPath returns ~/.local/state/ois-tracker/grades.db, respecting
// XDG_STATE_HOME if set.
func DefaultPath() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName, dbFileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName, dbFileName)
}
