// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Pure-Go modernc driver by default, cgo mattn driver selectable by name

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver registered by github.com/mattn/go-sqlite3.
	DriverMattn = "sqlite3"
)

// timeLayout is fixed-width so that lexical ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with an explicit database/sql driver name.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id            TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			child_session_key TEXT NOT NULL,
			agent_id          TEXT NOT NULL,
			task              TEXT NOT NULL,
			status            TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			started_at        TEXT,
			ended_at          TEXT,
			result            TEXT,
			error             TEXT,
			input_tokens      INTEGER NOT NULL DEFAULT 0,
			output_tokens     INTEGER NOT NULL DEFAULT 0,

			CHECK (status IN ('pending', 'running', 'completed', 'error', 'stopped', 'paused'))
		);

		CREATE INDEX IF NOT EXISTS idx_subagent_runs_status ON subagent_runs(status);
		CREATE INDEX IF NOT EXISTS idx_subagent_runs_parent ON subagent_runs(parent_session_id);
		CREATE INDEX IF NOT EXISTS idx_subagent_runs_created ON subagent_runs(created_at);

		CREATE TABLE IF NOT EXISTS context_entries (
			namespace     TEXT NOT NULL,
			key           TEXT NOT NULL,
			value_json    TEXT NOT NULL,
			written_by    TEXT NOT NULL,
			written_at    TEXT NOT NULL,
			expires_at    TEXT,
			version       INTEGER NOT NULL,
			metadata_json TEXT,
			PRIMARY KEY (namespace, key)
		);

		CREATE TABLE IF NOT EXISTS coordinations (
			coordination_id   TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			source_agent_id   TEXT NOT NULL,
			status            TEXT NOT NULL,
			tasks_json        TEXT NOT NULL,
			results_json      TEXT NOT NULL,
			run_ids_json      TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			completed_at      TEXT,
			timeout_ms        INTEGER NOT NULL,
			aggregated_result TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_coordinations_created ON coordinations(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "subagent_runs",
			column: "model",
			apply:  `ALTER TABLE subagent_runs ADD COLUMN model TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older builds may use RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
