package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is one row of the session lifecycle journal. The
// journal is audit-only: nothing in the serving path reads it, and it
// is never used to restore sessions.
type SessionRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Shell     string     `json:"shell,omitempty"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

type SessionLogRepo struct {
	db *DB
}

func NewSessionLogRepo(db *DB) *SessionLogRepo {
	return &SessionLogRepo{db: db}
}

// RecordCreated inserts the journal row for a freshly spawned session.
func (r *SessionLogRepo) RecordCreated(ctx context.Context, rec SessionRecord) error {
	_, err := r.db.conn.ExecContext(ctx, `
INSERT INTO session_log (id, name, shell, source, created_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Shell, rec.Source, rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record session %q: %w", rec.ID, err)
	}
	return nil
}

// RecordExited stamps the exit time and code on an existing row.
func (r *SessionLogRepo) RecordExited(ctx context.Context, id string, exitCode int, exitedAt time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, `
UPDATE session_log SET exited_at = ?, exit_code = ? WHERE id = ?`,
		exitedAt.UTC().Format(time.RFC3339), exitCode, id)
	if err != nil {
		return fmt.Errorf("failed to record exit for session %q: %w", id, err)
	}
	return nil
}

// List returns the newest limit rows, most recent first.
func (r *SessionLogRepo) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.conn.QueryContext(ctx, `
SELECT id, name, shell, source, created_at, exited_at, exit_code
FROM session_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session log: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec       SessionRecord
			createdAt string
			exitedAt  sql.NullString
			exitCode  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Shell, &rec.Source, &createdAt, &exitedAt, &exitCode); err != nil {
			return nil, fmt.Errorf("failed to scan session log row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if exitedAt.Valid {
			t, err := time.Parse(time.RFC3339, exitedAt.String)
			if err == nil {
				rec.ExitedAt = &t
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
