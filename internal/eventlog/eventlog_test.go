package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dorabot/dorabot/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "dorabot.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	l := New(s)
	t.Cleanup(func() {
		_ = l.Close()
		_ = s.Close()
	})
	return l
}

func TestAppendAllocatesMonotonicSeq(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := l.Append(ctx, "sess-a", EventAgentStream, "chunk")
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq did not increase: last=%d seq=%d", last, seq)
		}
		last = seq
	}
}

func TestQueryByCursorsStrictlyAfter(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 4; i++ {
		seq, err := l.Append(ctx, "sess-a", EventAgentStream, "chunk")
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{{SessionKey: "sess-a", AfterSeq: seqs[1]}}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events strictly after cursor, got %d", len(events))
	}
	for _, e := range events {
		if e.Seq <= seqs[1] {
			t.Fatalf("event %d should be strictly after cursor %d", e.Seq, seqs[1])
		}
	}
}

func TestQueryByCursorsInterleavedSessions(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var aSeqs, bSeqs []int64
	for i := 0; i < 3; i++ {
		sa, err := l.Append(ctx, "sess-a", EventAgentStream, "a")
		if err != nil {
			t.Fatalf("Append a: %v", err)
		}
		aSeqs = append(aSeqs, sa)
		sb, err := l.Append(ctx, "sess-b", EventAgentStream, "b")
		if err != nil {
			t.Fatalf("Append b: %v", err)
		}
		bSeqs = append(bSeqs, sb)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{
		{SessionKey: "sess-a", AfterSeq: 0},
		{SessionKey: "sess-b", AfterSeq: bSeqs[1]},
	}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}

	var gotA, gotB int
	for _, e := range events {
		switch e.SessionKey {
		case "sess-a":
			gotA++
		case "sess-b":
			gotB++
			if e.Seq <= bSeqs[1] {
				t.Fatalf("sess-b event %d not strictly after cursor", e.Seq)
			}
		}
	}
	if gotA != 3 {
		t.Fatalf("expected all 3 sess-a events, got %d", gotA)
	}
	if gotB != 1 {
		t.Fatalf("expected 1 sess-b event after its cursor, got %d", gotB)
	}
}

func TestDeleteForSessionRemovesOnlyThatSession(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, "sess-a", EventAgentStream, "a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, "sess-b", EventAgentStream, "b"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.DeleteForSession(ctx, "sess-a"); err != nil {
		t.Fatalf("DeleteForSession: %v", err)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{
		{SessionKey: "sess-a", AfterSeq: 0},
		{SessionKey: "sess-b", AfterSeq: 0},
	}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}
	if len(events) != 1 || events[0].SessionKey != "sess-b" {
		t.Fatalf("expected only sess-b events to survive, got %+v", events)
	}
}

func TestDeleteUpToIsInclusive(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		seq, err := l.Append(ctx, "sess-a", EventAgentStream, "a")
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}

	if err := l.DeleteUpTo(ctx, "sess-a", seqs[1]); err != nil {
		t.Fatalf("DeleteUpTo: %v", err)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{{SessionKey: "sess-a", AfterSeq: 0}}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}
	if len(events) != 1 || events[0].Seq != seqs[2] {
		t.Fatalf("expected only the event after the deleted boundary to survive, got %+v", events)
	}
}

func TestSweepRespectsFloorSeq(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	seq1, err := l.Append(ctx, "sess-a", EventAgentStream, "old")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := l.Append(ctx, "sess-a", EventAgentStream, "old-but-not-swept")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Force both rows to look old by back-dating created_at directly.
	if _, err := l.db.ExecContext(ctx, `UPDATE stream_events SET created_at = 0`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	affected, err := l.Sweep(ctx, "sess-a", 1, seq2)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row swept (below floor), got %d", affected)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{{SessionKey: "sess-a", AfterSeq: 0}}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}
	if len(events) != 1 || events[0].Seq != seq2 {
		t.Fatalf("expected seq %d to survive the sweep (at floor), got %+v", seq2, events)
	}
	_ = seq1
}

func TestSweepIsScopedToOneSessionAndNeverTouchesAnother(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	// sess-a's client has acked everything (floor far ahead); sess-b has no
	// floor of its own. A global minimum-seq sweep would let sess-a's floor
	// license deleting sess-b's still-un-acked event.
	if _, err := l.Append(ctx, "sess-a", EventAgentStream, "a-1"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	aheadSeq, err := l.Append(ctx, "sess-a", EventAgentStream, "a-2")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	bSeq, err := l.Append(ctx, "sess-b", EventAgentStream, "b-1")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := l.db.ExecContext(ctx, `UPDATE stream_events SET created_at = 0`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := l.Sweep(ctx, "sess-a", 1, aheadSeq+1); err != nil {
		t.Fatalf("Sweep sess-a: %v", err)
	}

	events, err := l.QueryByCursors(ctx, []Cursor{{SessionKey: "sess-b", AfterSeq: 0}}, 100)
	if err != nil {
		t.Fatalf("QueryByCursors: %v", err)
	}
	if len(events) != 1 || events[0].Seq != bSeq {
		t.Fatalf("expected sess-b's un-acked event to survive a sweep scoped to sess-a, got %+v", events)
	}
}

func TestSubscribeReceivesAppendedEvents(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	unsubscribe := l.Subscribe(func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		n := len(received)
		mu.Unlock()
		if n == 2 {
			done <- struct{}{}
		}
	})
	defer unsubscribe()

	if _, err := l.Append(ctx, "sess-a", EventAgentStream, "one"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, "sess-a", EventAgentResult, "two"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber to receive both events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 events delivered, got %d", len(received))
	}
}

func TestEventTypeIsTerminal(t *testing.T) {
	cases := map[EventType]bool{
		EventAgentStream:          false,
		EventAgentToolUseRequest:  false,
		EventAgentToolUseResult:   false,
		EventAgentApprovalRequest: false,
		EventAgentResult:          true,
		EventAgentError:           true,
	}
	for et, want := range cases {
		if got := et.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", et, got, want)
		}
	}
}
