package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order. Never edit a released migration; append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "batch history",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS batch (
				id TEXT PRIMARY KEY,
				identity TEXT NOT NULL,
				subject TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				format TEXT NOT NULL DEFAULT 'plain',
				total INTEGER NOT NULL,
				sent INTEGER NOT NULL,
				failed INTEGER NOT NULL,
				state TEXT NOT NULL,
				abort_reason TEXT,
				started_at TEXT NOT NULL,
				finished_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS batch_outcome (
				batch_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				recipient TEXT NOT NULL,
				status TEXT NOT NULL,
				detail TEXT,
				message_id TEXT,
				attempted_at TEXT,
				PRIMARY KEY (batch_id, position),
				FOREIGN KEY (batch_id) REFERENCES batch(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_batch_started_at ON batch(started_at)`,
		},
	},
	{
		version: 2,
		name:    "retry lineage",
		stmts: []string{
			`ALTER TABLE batch ADD COLUMN retry_of TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_batch_retry_of ON batch(retry_of)`,
		},
	},
}

// LatestSchemaVersion is the version MigrateDB brings a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Open opens the SQLite database at path and enables WAL and foreign keys.
// PRE: path is a file path or ":memory:"
// POST: Returns a connection with pragmas applied; the schema is not touched
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// SchemaVersion reports the applied schema version; 0 means none.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return int(v.Int64), nil
}

// MigrateDB applies pending migrations, each in its own transaction. An
// on-disk database that already has a schema is snapshotted next to itself
// before the first pending migration.
// PRE: db is a valid connection to the database at path
// POST: SchemaVersion(db) == LatestSchemaVersion()
func MigrateDB(db *sql.DB, path string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	if current >= LatestSchemaVersion() {
		return nil
	}

	if current > 0 && path != "" && path != ":memory:" {
		backup := fmt.Sprintf("%s.v%d.bak", path, current)
		if _, err := db.Exec(`VACUUM INTO ?`, backup); err != nil {
			return fmt.Errorf("backup before migration: %w", err)
		}
		slog.Info("db_event", "event", "backup_written", "path", backup)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Info("db_event", "event", "migrated", "version", m.version, "name", m.name)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
