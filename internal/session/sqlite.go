package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists sessions in the upload_sessions table and keeps a log of
// finished uploads in completed_uploads.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sessionColumns = `resource_id, remote_handle, bytes_transferred, bytes_total,
	label, status, interrupted_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s           Session
		interrupted sql.NullInt64
		updated     int64
	)
	if err := row.Scan(&s.ResourceID, &s.RemoteHandle, &s.BytesTransferred, &s.BytesTotal,
		&s.Label, &s.Status, &interrupted, &updated); err != nil {
		return Session{}, err
	}
	if interrupted.Valid {
		t := time.Unix(interrupted.Int64, 0).UTC()
		s.InterruptedAt = &t
	}
	s.UpdatedAt = time.Unix(updated, 0).UTC()
	return s, nil
}

// Get returns the session for resourceID or ErrNotFound.
func (st *SQLStore) Get(ctx context.Context, resourceID string) (Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE resource_id = ?`, resourceID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %q: %w", resourceID, err)
	}
	return s, nil
}

// Put inserts or replaces the session for s.ResourceID.
func (st *SQLStore) Put(ctx context.Context, s Session) error {
	var interrupted any
	if s.InterruptedAt != nil {
		interrupted = s.InterruptedAt.Unix()
	}
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := st.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO upload_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ResourceID, s.RemoteHandle, s.BytesTransferred, s.BytesTotal,
		s.Label, s.Status, interrupted, updated.Unix())
	if err != nil {
		return fmt.Errorf("put session %q: %w", s.ResourceID, err)
	}
	return nil
}

// Delete removes the session for resourceID.
func (st *SQLStore) Delete(ctx context.Context, resourceID string) error {
	if _, err := st.db.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("delete session %q: %w", resourceID, err)
	}
	return nil
}

// List returns every session ordered by resource id.
func (st *SQLStore) List(ctx context.Context) ([]Session, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Completed is one finished upload.
type Completed struct {
	ResourceID  string    `json:"resource_id"`
	RemoteID    string    `json:"remote_id"`
	Label       string    `json:"label"`
	BytesTotal  int64     `json:"bytes_total"`
	CompletedAt time.Time `json:"completed_at"`
}

// RecordCompleted appends c to the completed_uploads log.
func (st *SQLStore) RecordCompleted(ctx context.Context, c Completed) error {
	at := c.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO completed_uploads (resource_id, remote_id, label, bytes_total, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ResourceID, c.RemoteID, c.Label, c.BytesTotal, at.Unix())
	if err != nil {
		return fmt.Errorf("record completed upload %q: %w", c.ResourceID, err)
	}
	return nil
}

// CompletedFor returns the completion log for resourceID, newest first.
func (st *SQLStore) CompletedFor(ctx context.Context, resourceID string) ([]Completed, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT resource_id, remote_id, label, bytes_total, completed_at
		FROM completed_uploads
		WHERE resource_id = ?
		ORDER BY completed_at DESC, id DESC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list completed uploads: %w", err)
	}
	defer rows.Close()

	var out []Completed
	for rows.Next() {
		var c Completed
		var at int64
		if err := rows.Scan(&c.ResourceID, &c.RemoteID, &c.Label, &c.BytesTotal, &at); err != nil {
			return nil, fmt.Errorf("scan completed upload: %w", err)
		}
		c.CompletedAt = time.Unix(at, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
