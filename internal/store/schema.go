package store

import (
	"database/sql"
	"fmt"

	"coursepilot/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	no INTEGER PRIMARY KEY,
	template_id TEXT NOT NULL REFERENCES templates(id),
	launch TEXT NOT NULL DEFAULT '{}',
	reauth TEXT NOT NULL DEFAULT '{}',
	session TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	batch_no INTEGER NOT NULL REFERENCES batches(no) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	PRIMARY KEY (batch_no, username)
);

CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_no INTEGER NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	executed TEXT NOT NULL DEFAULT '[]',
	started_at TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outcomes_batch ON outcomes(batch_no);
CREATE INDEX IF NOT EXISTS idx_outcomes_workflow ON outcomes(workflow_id);

CREATE TABLE IF NOT EXISTS batch_runs (
	no INTEGER PRIMARY KEY,
	batch_id TEXT NOT NULL,
	template_id TEXT NOT NULL,
	state TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT ''
);
`

// Migration adds a column to a table created by an older schema.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations handle tables that exist but predate newer columns.
var pendingMigrations = []Migration{
	{"outcomes", "reauths", "INTEGER NOT NULL DEFAULT 0"},
	{"batch_runs", "held", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return runMigrations(s.db)
}

func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
		logging.StoreDebug("Applied migration %s.%s", m.Table, m.Column)
	}
	if applied > 0 {
		logging.Store("Applied %d schema migration(s)", applied)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
