package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create session log",
		sql: `
CREATE TABLE IF NOT EXISTS session_log (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	shell TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	created_at TEXT NOT NULL,
	exited_at TEXT,
	exit_code INTEGER
);

CREATE INDEX IF NOT EXISTS idx_session_log_created_at ON session_log(created_at);
`,
	},
}

func RunMigrations(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := conn.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			return fmt.Errorf("failed to clear schema version: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (`+strconv.Itoa(m.version)+`)`); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, conn *sql.DB) (int, error) {
	row := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
