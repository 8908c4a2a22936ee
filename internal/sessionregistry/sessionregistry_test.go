package sessionregistry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dorabot.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestMakeKeySanitizesComponents(t *testing.T) {
	key := MakeKey("slack", "dm", "U 123/../etc")
	if key == "" {
		t.Fatal("expected non-empty key")
	}
	for _, r := range key {
		if r == ' ' || r == '/' {
			t.Fatalf("key %q contains unsanitized character %q", key, r)
		}
	}
}

func TestMakeKeyIsDeterministic(t *testing.T) {
	a := MakeKey("slack", "dm", "U123")
	b := MakeKey("slack", "dm", "U123")
	if a != b {
		t.Fatalf("expected deterministic key, got %q vs %q", a, b)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.GetOrCreate(ctx, "slack", "dm", "U123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := r.GetOrCreate(ctx, "slack", "dm", "U123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.Key != second.Key {
		t.Fatalf("expected same key, got %q vs %q", first.Key, second.Key)
	}
	if second.MessageCount != 0 {
		t.Fatalf("expected fresh session, got message count %d", second.MessageCount)
	}
}

func TestIncrementMessagesAndSetExternalID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "slack", "dm", "U123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := r.IncrementMessages(ctx, sess.Key); err != nil {
		t.Fatalf("IncrementMessages: %v", err)
	}
	if err := r.SetExternalID(ctx, sess.Key, "T999"); err != nil {
		t.Fatalf("SetExternalID: %v", err)
	}

	updated, err := r.Get(ctx, sess.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", updated.MessageCount)
	}
	if updated.ExternalID != "T999" {
		t.Fatalf("expected external id T999, got %q", updated.ExternalID)
	}
}

func TestIncrementMessagesOnUnknownSessionIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.IncrementMessages(context.Background(), "nonexistent")
	if !errors.Is(err, gatewayerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetActiveRunIsAtomicTestAndSet(t *testing.T) {
	r := newTestRegistry(t)
	key := "slack:dm:U1"

	if err := r.SetActiveRun(key, "run-1"); err != nil {
		t.Fatalf("first SetActiveRun: %v", err)
	}
	err := r.SetActiveRun(key, "run-2")
	if !errors.Is(err, gatewayerr.ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent second run, got %v", err)
	}
	if !r.HasActiveRun(key) {
		t.Fatal("expected active run to still be set")
	}

	if err := r.SetActiveRun(key, ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	if r.HasActiveRun(key) {
		t.Fatal("expected no active run after release")
	}
	if err := r.SetActiveRun(key, "run-3"); err != nil {
		t.Fatalf("SetActiveRun after release: %v", err)
	}
}

func TestSetActiveRunConcurrentOnlyOneWins(t *testing.T) {
	r := newTestRegistry(t)
	key := "slack:dm:U2"

	const attempts = 50
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.SetActiveRun(key, "run"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful claim, got %d", successes)
	}
}

func TestGetActiveRunKeysReflectsOnlyActiveSessions(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.SetActiveRun("key-a", "run-a"); err != nil {
		t.Fatalf("SetActiveRun: %v", err)
	}
	if err := r.SetActiveRun("key-b", "run-b"); err != nil {
		t.Fatalf("SetActiveRun: %v", err)
	}
	if err := r.SetActiveRun("key-b", ""); err != nil {
		t.Fatalf("release: %v", err)
	}

	keys := r.GetActiveRunKeys()
	if len(keys) != 1 || keys[0] != "key-a" {
		t.Fatalf("expected only key-a active, got %v", keys)
	}
}

func TestListReturnsAllSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.GetOrCreate(ctx, "slack", "dm", "U1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := r.GetOrCreate(ctx, "slack", "dm", "U2"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	sessions, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestRemoveClearsLockStateButPreservesPersistedSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "slack", "dm", "U123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := r.SetActiveRun(sess.Key, "run-1"); err != nil {
		t.Fatalf("SetActiveRun: %v", err)
	}

	if err := r.Remove(ctx, sess.Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err := r.Get(ctx, sess.Key)
	if err != nil {
		t.Fatalf("expected session to still be persisted after Remove, got %v", err)
	}
	if got.Key != sess.Key {
		t.Fatalf("expected rehydrated session %q, got %q", sess.Key, got.Key)
	}
	if r.HasActiveRun(sess.Key) {
		t.Fatal("expected active run state cleared on remove")
	}
}
