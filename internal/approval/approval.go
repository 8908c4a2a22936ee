// Package approval implements the Approval Coordinator: a pending-approval
// state machine that suspends a tool-use request until a human decides,
// times out, or the owning session cancels.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/toolpolicy"
)

// Decision is the outcome of a request, whether immediate or eventually
// resolved.
type Decision struct {
	Allow  bool
	Reason string
}

// pendingEntry is the live state for one outstanding approval.
type pendingEntry struct {
	sessionKey string
	toolName   string
	ch         chan Decision
	timer      *time.Timer
}

// Coordinator is the Approval Coordinator component.
type Coordinator struct {
	log     *eventlog.Log
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New builds a Coordinator that appends approval-lifecycle events to log
// and defaults a pending approval to deny after timeout.
func New(log *eventlog.Log, timeout time.Duration) *Coordinator {
	return &Coordinator{
		log:     log,
		timeout: timeout,
		pending: make(map[string]*pendingEntry),
	}
}

// approvalRequestPayload is the JSON shape of an agent.approval_request event.
type approvalRequestPayload struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// approvalResolvedPayload is the JSON shape of the follow-up event appended
// when a pending approval resolves to deny.
type approvalResolvedPayload struct {
	ApprovalID string `json:"approval_id"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
}

// Request classifies (toolName, arguments) and, for auto-allow, returns
// immediately without blocking. Otherwise it registers a pending approval,
// publishes an agent.approval_request event, and suspends until Decide,
// timeout, or ctx cancellation resolves it.
func (c *Coordinator) Request(ctx context.Context, sessionKey, toolName string, arguments map[string]any) (Decision, error) {
	tier := toolpolicy.Classify(toolName, arguments)
	if tier == toolpolicy.TierAutoAllow {
		return Decision{Allow: true, Reason: "auto-allow"}, nil
	}

	approvalID := ulid.Make().String()
	ch := make(chan Decision, 1)

	entry := &pendingEntry{sessionKey: sessionKey, toolName: toolName, ch: ch}
	c.mu.Lock()
	c.pending[approvalID] = entry
	c.mu.Unlock()

	payload, _ := json.Marshal(approvalRequestPayload{ApprovalID: approvalID, ToolName: toolName, Arguments: arguments})
	if _, err := c.log.Append(ctx, sessionKey, eventlog.EventAgentApprovalRequest, string(payload)); err != nil {
		c.removePending(approvalID)
		return Decision{}, err
	}

	if tier == toolpolicy.TierNotify {
		// notify-tier never blocks the agent: the event above is enough for a
		// subscriber to observe the action, and the pending record resolves
		// itself as an implicit allow right away.
		c.removePending(approvalID)
		return Decision{Allow: true, Reason: "notify"}, nil
	}

	timer := time.AfterFunc(c.timeout, func() {
		c.resolve(ctx, approvalID, false, "timeout")
	})
	c.mu.Lock()
	entry.timer = timer
	c.mu.Unlock()
	defer timer.Stop()

	select {
	case dec := <-ch:
		return dec, nil
	case <-ctx.Done():
		c.resolve(context.Background(), approvalID, false, "context-cancelled")
		return Decision{Allow: false, Reason: "context-cancelled"}, ctx.Err()
	}
}

// Decide resolves a pending approval. Duplicate or unknown decides are
// ignored so a slow client racing the timeout can't double-resolve.
func (c *Coordinator) Decide(ctx context.Context, approvalID string, allow bool, rationale string) error {
	reason := rationale
	if reason == "" {
		if allow {
			reason = "approved"
		} else {
			reason = "denied"
		}
	}
	if !c.resolve(ctx, approvalID, allow, reason) {
		return fmt.Errorf("%w: approval %s", gatewayerr.ErrAlreadyResolved, approvalID)
	}
	return nil
}

// CancelAllFor rejects every pending approval belonging to sessionKey with
// reason "agent-cancel", e.g. when its run is aborted.
func (c *Coordinator) CancelAllFor(ctx context.Context, sessionKey string) {
	c.mu.Lock()
	ids := make([]string, 0)
	for id, entry := range c.pending {
		if entry.sessionKey == sessionKey {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(ctx, id, false, "agent-cancel")
	}
}

// resolve attempts to resolve id, returning false if it was already gone
// (already resolved, timed out, or unknown).
func (c *Coordinator) resolve(ctx context.Context, approvalID string, allow bool, reason string) bool {
	c.mu.Lock()
	entry, ok := c.pending[approvalID]
	var timer *time.Timer
	if ok {
		delete(c.pending, approvalID)
		timer = entry.timer
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if timer != nil {
		timer.Stop()
	}

	dec := Decision{Allow: allow, Reason: reason}
	entry.ch <- dec

	logging.Info().
		Str("approval_id", approvalID).
		Str("session_key", entry.sessionKey).
		Str("tool_name", entry.toolName).
		Bool("allowed", allow).
		Str("reason", reason).
		Msg("approval resolved")

	if !allow {
		payload, _ := json.Marshal(approvalResolvedPayload{ApprovalID: approvalID, Allowed: allow, Reason: reason})
		if _, err := c.log.Append(ctx, entry.sessionKey, eventlog.EventAgentToolUseResult, string(payload)); err != nil {
			logging.Error().Err(err).Str("approval_id", approvalID).Msg("failed to append approval-resolved event")
		}
	}
	return true
}

func (c *Coordinator) removePending(approvalID string) {
	c.mu.Lock()
	delete(c.pending, approvalID)
	c.mu.Unlock()
}
