// Package session keeps an index of recordings so past traces can be found
// again without remembering file paths.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration
)

// Session is one recorded run.
type Session struct {
	ID           string
	Argv         []string
	CapturePath  string
	PerfettoPath string
	StartedAt    time.Time
	EndedAt      time.Time
	ExitCode     int
}

// Store persists sessions in SQLite.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the per-user database location, creating its directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".systrument")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// Open opens or creates a session store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			argv          TEXT NOT NULL,
			capture_path  TEXT NOT NULL,
			perfetto_path TEXT NOT NULL DEFAULT '',
			started_at    TEXT NOT NULL,
			ended_at      TEXT NOT NULL,
			exit_code     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`)
	if err != nil {
		return fmt.Errorf("creating session tables: %w", err)
	}
	return nil
}

// Append records a finished session. A missing ID gets a fresh one, which is
// also returned.
func (s *Store) Append(sess Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	argv, err := json.Marshal(sess.Argv)
	if err != nil {
		return "", fmt.Errorf("encoding argv: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, argv, capture_path, perfetto_path, started_at, ended_at, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, string(argv), sess.CapturePath, sess.PerfettoPath,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		sess.EndedAt.UTC().Format(time.RFC3339Nano),
		sess.ExitCode)
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	return sess.ID, nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, argv, capture_path, perfetto_path, started_at, ended_at, exit_code
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var argv, started, ended string
		if err := rows.Scan(&sess.ID, &argv, &sess.CapturePath, &sess.PerfettoPath, &started, &ended, &sess.ExitCode); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if err := json.Unmarshal([]byte(argv), &sess.Argv); err != nil {
			return nil, fmt.Errorf("decoding argv: %w", err)
		}
		sess.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		sess.EndedAt, err = time.Parse(time.RFC3339Nano, ended)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
