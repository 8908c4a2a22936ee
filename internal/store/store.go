// Package store opens and bootstraps the Gateway's embedded SQL store.
//
// A single SQLite database (~/.dorabot/dorabot.db) backs the Session
// Registry's sessions/messages tables and the Event Log's stream_events
// table. WAL mode is enabled so readers never block the single writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dorabot/dorabot/internal/logging"
)

// Store wraps the shared *sql.DB handle used by the Event Log and Session
// Registry. It is opened once per process and torn down on shutdown.
type Store struct {
	DB *sql.DB
}

// Open creates the database directory if needed, opens the SQLite file with
// WAL journaling and a busy timeout, tunes the connection pool, and
// bootstraps the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite admits one writer at a time whatever the pool size, which keeps
	// seq allocation (rowid) monotonic; writers that collide get SQLITE_BUSY,
	// absorbed by busy_timeout and WithBusyRetry. Under WAL, reads do not wait
	// on the writer, so the pool serves concurrent subscription replay.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{DB: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", dbPath).Msg("store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_key       TEXT PRIMARY KEY,
		channel           TEXT NOT NULL,
		chat_type         TEXT NOT NULL,
		chat_id           TEXT NOT NULL,
		external_id       TEXT,
		message_count     INTEGER NOT NULL DEFAULT 0,
		last_message_at   INTEGER,
		created_at        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key       TEXT NOT NULL REFERENCES sessions(session_key),
		role              TEXT NOT NULL,
		content           TEXT NOT NULL,
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id);

	CREATE TABLE IF NOT EXISTS stream_events (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key       TEXT NOT NULL,
		event_type        TEXT NOT NULL,
		data              TEXT NOT NULL,
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stream_events_session_seq ON stream_events(session_key, seq);
	CREATE INDEX IF NOT EXISTS idx_stream_events_created_at ON stream_events(created_at);
	`
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
