// Package recording metadata store.
//
// This file implements SQLite persistence for Recording records. The store
// backs the catalog API and the per-session cleanup path; audio bytes live
// on the filesystem, only metadata lives here.
package recording

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL UNIQUE,
	duration_seconds REAL NOT NULL,
	timestamp        TEXT NOT NULL,
	settings         TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	channels         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
`

// DefaultListLimit caps catalog pages when the client does not specify one.
const DefaultListLimit = 100

// timestampLayout is RFC 3339 with fixed-width nanoseconds so that the
// TEXT column sorts chronologically under ORDER BY.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists Recording metadata in a SQLite database.
//
// Safe for concurrent use; database/sql serializes access to the
// underlying connection pool.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the database at path and ensures
// the schema exists.
func OpenStore(path string) (*Store, error) {
	logrus.WithFields(logrus.Fields{
		"function": "OpenStore",
		"path":     path,
	}).Info("Opening recording store")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (st *Store) Close() error {
	return st.db.Close()
}

// Insert persists one finalized recording.
func (st *Store) Insert(ctx context.Context, rec *Recording) error {
	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	_, err = st.db.ExecContext(ctx,
		`INSERT INTO recordings (id, filename, duration_seconds, timestamp, settings, session_id, channels)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Filename, rec.Duration, rec.Timestamp.UTC().Format(timestampLayout),
		string(settings), rec.SessionID, rec.Channels)
	if err != nil {
		return fmt.Errorf("inserting recording %s: %w", rec.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Insert",
		"recording":  rec.ID,
		"filename":   rec.Filename,
		"session_id": rec.SessionID,
	}).Debug("Recording persisted")
	return nil
}

// List returns recordings newest first, optionally filtered by session.
//
// Parameters:
//   - sessionID: Filter to one session when non-empty
//   - offset: Rows to skip
//   - limit: Maximum rows returned (DefaultListLimit when <= 0)
func (st *Store) List(ctx context.Context, sessionID string, offset, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, filename, duration_seconds, timestamp, settings, session_id, channels
		 FROM recordings`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	// Non-nil so an empty catalog serializes as a JSON array, not null.
	out := make([]Recording, 0)
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetByFilename looks up one recording; ErrNotFound when absent.
func (st *Store) GetByFilename(ctx context.Context, filename string) (*Recording, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT id, filename, duration_seconds, timestamp, settings, session_id, channels
		 FROM recordings WHERE filename = ?`, filename)

	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// DeleteByFilename removes one recording row; ErrNotFound when absent.
func (st *Store) DeleteByFilename(ctx context.Context, filename string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM recordings WHERE filename = ?`, filename)
	if err != nil {
		return fmt.Errorf("deleting recording %s: %w", filename, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBySession removes all of a session's rows and returns the
// filenames that were deleted so the caller can remove the files.
func (st *Store) DeleteBySession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT filename FROM recordings WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session recordings: %w", err)
	}
	var filenames []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return nil, err
		}
		filenames = append(filenames, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(filenames) == 0 {
		return nil, nil
	}

	if _, err := st.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("deleting session recordings: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.DeleteBySession",
		"session_id": sessionID,
		"count":      len(filenames),
	}).Info("Session recordings removed from store")
	return filenames, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(r rowScanner) (*Recording, error) {
	var (
		rec      Recording
		ts       string
		settings string
	)
	if err := r.Scan(&rec.ID, &rec.Filename, &rec.Duration, &ts, &settings,
		&rec.SessionID, &rec.Channels); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", ts, err)
	}
	rec.Timestamp = parsed

	if err := json.Unmarshal([]byte(settings), &rec.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &rec, nil
}
