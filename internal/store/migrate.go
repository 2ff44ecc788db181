package store

import (
	"database/sql"
	"fmt"
)

// baseSchema is the additive starting point. Later changes arrive as
// guarded migrations; nothing here is ever rewritten or dropped.
const baseSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_superuser INTEGER NOT NULL DEFAULT 0,
	scopes TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS auth_refresh_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	family_id TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	anti_csrf TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '[]',
	ip_address TEXT,
	user_agent TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at TIMESTAMP,
	expires_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP,
	revoked_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_user ON auth_refresh_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_family ON auth_refresh_sessions(family_id);

CREATE TABLE IF NOT EXISTS auth_audit_events (
	id TEXT PRIMARY KEY,
	event TEXT NOT NULL,
	user_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	subject TEXT,
	session_id TEXT,
	scopes TEXT NOT NULL DEFAULT '[]',
	ip_address TEXT,
	user_agent TEXT,
	details TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_events_user ON auth_audit_events(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON auth_audit_events(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_created ON auth_audit_events(created_at);

CREATE TABLE IF NOT EXISTS terraform_states (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	workspace TEXT NOT NULL DEFAULT 'default',
	backend_type TEXT,
	serial INTEGER NOT NULL DEFAULT 0,
	terraform_version TEXT,
	lineage TEXT,
	resource_count INTEGER NOT NULL DEFAULT 0,
	output_count INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL,
	canonical_json TEXT NOT NULL,
	imported_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_states_project_workspace ON terraform_states(project_id, workspace, imported_at);

CREATE TABLE IF NOT EXISTS terraform_state_resources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state_id TEXT NOT NULL REFERENCES terraform_states(id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	module_address TEXT,
	mode TEXT NOT NULL,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	provider TEXT,
	index_key TEXT,
	schema_version INTEGER NOT NULL DEFAULT 0,
	attributes TEXT,
	sensitive_attributes TEXT,
	dependencies TEXT
);
CREATE INDEX IF NOT EXISTS idx_state_resources_state ON terraform_state_resources(state_id, address);

CREATE TABLE IF NOT EXISTS terraform_state_outputs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state_id TEXT NOT NULL REFERENCES terraform_states(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value TEXT,
	sensitive INTEGER NOT NULL DEFAULT 0,
	type_hint TEXT
);
CREATE INDEX IF NOT EXISTS idx_state_outputs_state ON terraform_state_outputs(state_id, name);

CREATE TABLE IF NOT EXISTS terraform_plans (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	workspace TEXT NOT NULL DEFAULT 'default',
	description TEXT,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plans_project ON terraform_plans(project_id, created_at);

CREATE TABLE IF NOT EXISTS drift_detections (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	workspace TEXT NOT NULL DEFAULT 'default',
	method TEXT NOT NULL,
	resources_added INTEGER NOT NULL DEFAULT 0,
	resources_modified INTEGER NOT NULL DEFAULT 0,
	resources_destroyed INTEGER NOT NULL DEFAULT 0,
	total_drifted INTEGER NOT NULL DEFAULT 0,
	details TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_drift_project ON drift_detections(project_id, created_at);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, name)
);

CREATE TABLE IF NOT EXISTS workspace_variables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT,
	sensitive INTEGER NOT NULL DEFAULT 0,
	UNIQUE(workspace_id, key)
);

CREATE TABLE IF NOT EXISTS workspace_comparisons (
	id TEXT PRIMARY KEY,
	left_workspace_id TEXT NOT NULL,
	right_workspace_id TEXT NOT NULL,
	comparison_types TEXT NOT NULL DEFAULT '[]',
	difference_count INTEGER NOT NULL DEFAULT 0,
	differences TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// migrations are forward-only and additive. Each checks whether its
// change already landed before applying it, so re-running the full
// list is safe.
var migrations = []struct {
	name  string
	apply func(tx *sql.Tx) error
}{
	{
		name: "states_backend_config",
		apply: func(tx *sql.Tx) error {
			return addColumn(tx, "terraform_states", "backend_config", "TEXT")
		},
	},
	{
		name: "refresh_sessions_replaced_by",
		apply: func(tx *sql.Tx) error {
			return addColumn(tx, "auth_refresh_sessions", "replaced_by", "TEXT")
		},
	},
	{
		name: "drift_detections_snapshot_id",
		apply: func(tx *sql.Tx) error {
			return addColumn(tx, "drift_detections", "snapshot_id", "TEXT")
		},
	},
	{
		name: "workspaces_description",
		apply: func(tx *sql.Tx) error {
			return addColumn(tx, "workspaces", "description", "TEXT")
		},
	},
}

// Migrate creates the base schema and applies every pending additive
// migration.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}

	for _, m := range migrations {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		s.logger.Debug().Str("migration", m.name).Msg("migration applied")
	}
	return nil
}

// addColumn adds a column unless it already exists.
func addColumn(tx *sql.Tx, table, column, definition string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
