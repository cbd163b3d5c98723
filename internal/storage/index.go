package storage

import (
	"database/sql"
	"errors"
	"time"
)

// SessionSummary is one row of the cross-session index, enough to list
// and reopen sessions without parsing their logs.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	LogPath      string    `json:"log_path,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpsertSession inserts or refreshes an index row. created_at is kept
// from the first insert.
func (db *DB) UpsertSession(s SessionSummary) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	_, err := db.Exec(
		`INSERT INTO sessions (id, title, model, working_dir, log_path, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   model = excluded.model,
		   working_dir = excluded.working_dir,
		   log_path = excluded.log_path,
		   message_count = excluded.message_count,
		   updated_at = excluded.updated_at`,
		s.ID, s.Title, s.Model, s.WorkingDir, s.LogPath, s.MessageCount, s.CreatedAt, now,
	)
	return err
}

// TouchSession updates the activity columns after a turn.
func (db *DB) TouchSession(id, title, model string, messageCount int) error {
	result, err := db.Exec(
		"UPDATE sessions SET title = ?, model = ?, message_count = ?, updated_at = ? WHERE id = ?",
		title, model, messageCount, time.Now(), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession fetches one index row.
func (db *DB) GetSession(id string) (*SessionSummary, error) {
	var s SessionSummary
	err := db.QueryRow(
		`SELECT id, title, model, working_dir, log_path, message_count, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.Title, &s.Model, &s.WorkingDir, &s.LogPath, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes an index row. The session log stays on disk.
func (db *DB) DeleteSession(id string) error {
	result, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns index rows ordered by most recent activity.
// limit of zero returns everything.
func (db *DB) ListSessions(limit int) ([]SessionSummary, error) {
	query := `SELECT id, title, model, working_dir, log_path, message_count, created_at, updated_at
	          FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Model, &s.WorkingDir, &s.LogPath, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
