// Package sessionregistry maps (channel, chat-type, chat-id) descriptors to
// durable session keys and enforces the single-active-run-per-session
// invariant the Agent Supervisor depends on.
package sessionregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/store"
)

// sessionKeyPattern matches runs of characters MakeKey is not allowed to
// emit (anything outside A-Z, a-z, 0-9, '.', '_', '-'). Each such run in an
// input component is replaced with '_', mirroring how the
// pack sanitizes untrusted identifiers before using them as storage keys.
var sessionKeyPattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Session is a registered conversation descriptor.
type Session struct {
	Key           string
	Channel       string
	ChatType      string
	ChatID        string
	ExternalID    string
	MessageCount  int
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// lock is a per-session-key mutex plus the single-active-run flag it guards.
type lock struct {
	mu        sync.Mutex
	activeRun string // empty when no run is active; else the run ID
}

// Registry is the Session Registry component.
type Registry struct {
	db *sql.DB

	locksMu sync.RWMutex
	locks   map[string]*lock

	activeMu   sync.RWMutex
	activeKeys map[string]struct{} // secondary index kept in lockstep with each lock's activeRun
}

// New wraps an opened Store.
func New(s *store.Store) *Registry {
	return &Registry{
		db:         s.DB,
		locks:      make(map[string]*lock),
		activeKeys: make(map[string]struct{}),
	}
}

// MakeKey builds a stable, storage-safe session key from a descriptor.
// Each component is independently sanitized so an adversarial chat-id from
// one channel can never collide with a legitimate key from another.
func MakeKey(channel, chatType, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", sanitize(channel), sanitize(chatType), sanitize(chatID))
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = sessionKeyPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

func (r *Registry) lockFor(key string) *lock {
	r.locksMu.RLock()
	l, ok := r.locks[key]
	r.locksMu.RUnlock()
	if ok {
		return l
	}

	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l = &lock{}
	r.locks[key] = l
	return l
}

// GetOrCreate returns the session for the descriptor, creating and
// persisting it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, channel, chatType, chatID string) (*Session, error) {
	key := MakeKey(channel, chatType, chatID)

	if sess, err := r.get(ctx, key); err == nil {
		return sess, nil
	} else if !errors.Is(err, gatewayerr.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	err := store.WithBusyRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO sessions (session_key, channel, chat_type, chat_id, message_count, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT(session_key) DO NOTHING`,
			key, channel, chatType, chatID, now.Unix(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return r.get(ctx, key)
}

func (r *Registry) get(ctx context.Context, key string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_key, channel, chat_type, chat_id, COALESCE(external_id, ''),
		        message_count, COALESCE(last_message_at, 0), created_at
		 FROM sessions WHERE session_key = ?`, key)

	var sess Session
	var lastMessageAt, createdAt int64
	err := row.Scan(&sess.Key, &sess.Channel, &sess.ChatType, &sess.ChatID, &sess.ExternalID,
		&sess.MessageCount, &lastMessageAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatewayerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session %s: %v", gatewayerr.ErrPersistence, key, err)
	}
	if lastMessageAt > 0 {
		sess.LastMessageAt = time.Unix(lastMessageAt, 0)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

// Get returns a registered session by key.
func (r *Registry) Get(ctx context.Context, key string) (*Session, error) {
	return r.get(ctx, key)
}

// List enumerates every registered session with its counters, most
// recently active first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_key, channel, chat_type, chat_id, COALESCE(external_id, ''),
		        message_count, COALESCE(last_message_at, 0), created_at
		 FROM sessions ORDER BY COALESCE(last_message_at, created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", gatewayerr.ErrPersistence, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var lastMessageAt, createdAt int64
		if err := rows.Scan(&sess.Key, &sess.Channel, &sess.ChatType, &sess.ChatID, &sess.ExternalID,
			&sess.MessageCount, &lastMessageAt, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", gatewayerr.ErrPersistence, err)
		}
		if lastMessageAt > 0 {
			sess.LastMessageAt = time.Unix(lastMessageAt, 0)
		}
		sess.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sessions: %v", gatewayerr.ErrPersistence, err)
	}
	return sessions, nil
}

// SetExternalID records the upstream-channel's own identifier for this
// session (e.g. a chat-platform thread ID), once it becomes known.
func (r *Registry) SetExternalID(ctx context.Context, key, externalID string) error {
	return store.WithBusyRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE sessions SET external_id = ? WHERE session_key = ?`, externalID, key)
		if err != nil {
			return err
		}
		return rowsAffectedOrNotFound(res)
	})
}

// IncrementMessages bumps the session's message counter and last-message
// timestamp.
func (r *Registry) IncrementMessages(ctx context.Context, key string) error {
	now := time.Now().Unix()
	return store.WithBusyRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE sessions SET message_count = message_count + 1, last_message_at = ? WHERE session_key = ?`,
			now, key)
		if err != nil {
			return err
		}
		return rowsAffectedOrNotFound(res)
	})
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gatewayerr.ErrNotFound
	}
	return nil
}

// SetActiveRun atomically claims the single-active-run slot for key with
// runID, failing with ErrBusy if a different run already holds it. Setting
// runID to "" releases the slot unconditionally.
func (r *Registry) SetActiveRun(key, runID string) error {
	l := r.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if runID == "" {
		l.activeRun = ""
		r.activeMu.Lock()
		delete(r.activeKeys, key)
		r.activeMu.Unlock()
		return nil
	}
	if l.activeRun != "" {
		return fmt.Errorf("%w: session %s already running %s", gatewayerr.ErrBusy, key, l.activeRun)
	}
	l.activeRun = runID
	r.activeMu.Lock()
	r.activeKeys[key] = struct{}{}
	r.activeMu.Unlock()
	return nil
}

// HasActiveRun reports whether key currently has a run in flight. O(1): a
// single map lookup against the secondary active-keys index, no per-key
// lock shard traversal.
func (r *Registry) HasActiveRun(key string) bool {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()
	_, ok := r.activeKeys[key]
	return ok
}

// GetActiveRunKeys returns every session key with a run currently in
// flight. O(1) per key reported: it reads the secondary active-keys index
// directly rather than scanning the full per-key lock shard map.
func (r *Registry) GetActiveRunKeys() []string {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()

	keys := make([]string, 0, len(r.activeKeys))
	for key := range r.activeKeys {
		keys = append(keys, key)
	}
	return keys
}

// Remove evicts key's in-memory lock shard and active-run state. The
// persisted session row and its events are left intact: sessions are never
// deleted by the core, so a later GetOrCreate/Get for the same descriptor
// rehydrates the same row and its history is still queryable.
func (r *Registry) Remove(ctx context.Context, key string) error {
	r.locksMu.Lock()
	delete(r.locks, key)
	r.locksMu.Unlock()

	r.activeMu.Lock()
	delete(r.activeKeys, key)
	r.activeMu.Unlock()
	return nil
}
