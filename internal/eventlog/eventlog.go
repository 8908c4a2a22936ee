// Package eventlog implements the Gateway's append-only, globally-ordered
// stream event store and its live fan-out broadcast.
//
// seq is the table's INTEGER PRIMARY KEY (SQLite rowid), allocated by SQLite,
// which admits one writer at a time across the store's pool; this gives the
// monotonic, globally
// unique ordering primitive the spec requires without an extra in-memory
// counter. Every successful Append also publishes the appended event on an
// in-process broadcast (adapted from the pack's watermill-backed event bus)
// so the RPC Router's live fan-out never has to poll the database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/store"
)

// EventType enumerates the small, fixed set of stream event kinds the core
// understands. Payload schema beyond this belongs to the producer.
type EventType string

const (
	EventAgentStream          EventType = "agent.stream"
	EventAgentToolUseRequest  EventType = "agent.tool_use_request"
	EventAgentToolUseResult   EventType = "agent.tool_use_result"
	EventAgentApprovalRequest EventType = "agent.approval_request"
	EventAgentResult          EventType = "agent.result"
	EventAgentError           EventType = "agent.error"
)

// IsTerminal reports whether an event type ends an agent run.
func (t EventType) IsTerminal() bool {
	return t == EventAgentResult || t == EventAgentError
}

// Event is one append-only, immutable record in the log.
type Event struct {
	Seq        int64
	SessionKey string
	Type       EventType
	Payload    string // opaque UTF-8 (JSON) blob; never inspected here except for policy.
	CreatedAt  time.Time
}

// Cursor is a per-session replay position: exclude seq <= AfterSeq.
type Cursor struct {
	SessionKey string
	AfterSeq   int64
}

// Log is the append-only Event Log described in the spec's component design.
type Log struct {
	db  *sql.DB
	bus *Bus
}

// New wraps an opened Store, giving it an Event Log and its broadcast bus.
func New(s *store.Store) *Log {
	return &Log{db: s.DB, bus: newBus()}
}

// Subscribe registers fn to be called, in append order and one at a time
// from the bus's single pump goroutine, for every event appended after this
// call. fn must not block: do a fast, non-blocking enqueue and return. The
// returned function unsubscribes.
func (l *Log) Subscribe(fn func(Event)) func() {
	return l.bus.subscribe(fn)
}

// Close tears down the broadcast bus. The underlying *sql.DB is owned by the
// Store and is not closed here.
func (l *Log) Close() error {
	return l.bus.close()
}

// Append allocates a new seq, persists the event, and publishes it to the
// live broadcast. It never blocks on subscribers.
func (l *Log) Append(ctx context.Context, sessionKey string, eventType EventType, payload string) (int64, error) {
	now := time.Now()
	var seq int64
	err := store.WithBusyRetry(ctx, func() error {
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO stream_events (session_key, event_type, data, created_at) VALUES (?, ?, ?, ?)`,
			sessionKey, string(eventType), payload, now.Unix(),
		)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		logging.Error().Err(err).Str("session_key", sessionKey).Str("event_type", string(eventType)).Msg("append failed")
		return 0, err
	}

	ev := Event{Seq: seq, SessionKey: sessionKey, Type: eventType, Payload: payload, CreatedAt: now}
	l.bus.publish(ev)
	return seq, nil
}

// QueryByCursors returns up to limit events matching any of the given
// cursors (strictly-after semantics), ordered ascending by seq. A
// (session-key, seq) pair is returned at most once even if it matches
// multiple cursors, because the query is a single ordered scan over a
// per-session lower bound rather than a union of independent scans.
func (l *Log) QueryByCursors(ctx context.Context, cursors []Cursor, limit int) ([]Event, error) {
	if len(cursors) == 0 || limit <= 0 {
		return nil, nil
	}

	// Build `(session_key = ? AND seq > ?) OR (session_key = ? AND seq > ?) OR ...`
	query := `SELECT seq, session_key, event_type, data, created_at FROM stream_events WHERE `
	args := make([]any, 0, len(cursors)*2+1)
	for i, c := range cursors {
		if i > 0 {
			query += " OR "
		}
		query += "(session_key = ? AND seq > ?)"
		args = append(args, c.SessionKey, c.AfterSeq)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query-by-cursors: %v", gatewayerr.ErrPersistence, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		var createdAt int64
		if err := rows.Scan(&e.Seq, &e.SessionKey, &eventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan stream event: %v", gatewayerr.ErrPersistence, err)
		}
		e.Type = EventType(eventType)
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stream events: %v", gatewayerr.ErrPersistence, err)
	}
	return events, nil
}

// DeleteForSession removes all events for a session key.
func (l *Log) DeleteForSession(ctx context.Context, sessionKey string) error {
	return store.WithBusyRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx, `DELETE FROM stream_events WHERE session_key = ?`, sessionKey)
		return err
	})
}

// DeleteUpTo removes events for sessionKey with seq <= maxSeq.
func (l *Log) DeleteUpTo(ctx context.Context, sessionKey string, maxSeq int64) error {
	return store.WithBusyRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx,
			`DELETE FROM stream_events WHERE session_key = ? AND seq <= ?`, sessionKey, maxSeq)
		return err
	})
}

// Sweep removes events for sessionKey older than maxAgeSeconds, but never
// events whose seq is at or above floorSeq (that session's own minimum
// connected-client cursor), so the sweeper never strands a slow reader
// mid-replay. seq is a single sequence shared by every session, so floorSeq
// must be scoped to sessionKey by the caller - a floor computed across
// sessions would let a client that acked far ahead on one session license
// deleting un-acked events on another.
func (l *Log) Sweep(ctx context.Context, sessionKey string, maxAgeSeconds int, floorSeq int64) (int64, error) {
	threshold := time.Now().Add(-time.Duration(maxAgeSeconds) * time.Second).Unix()
	var affected int64
	err := store.WithBusyRetry(ctx, func() error {
		res, err := l.db.ExecContext(ctx,
			`DELETE FROM stream_events WHERE session_key = ? AND created_at < ? AND seq < ?`,
			sessionKey, threshold, floorSeq)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
