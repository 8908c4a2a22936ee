// Package supervisor implements the Agent Supervisor: it owns the
// lifecycle of one agent run per session, pumping a producer's lazy event
// stream into the Event Log and routing tool-use events through the
// Approval Coordinator.
package supervisor

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/dorabot/dorabot/internal/approval"
	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/sessionregistry"
)

// ProducerEvent is one item yielded by a Producer's event stream.
type ProducerEvent struct {
	Type      eventlog.EventType
	Payload   string
	ToolName  string         // set when Type == EventAgentToolUseRequest
	Arguments map[string]any // set when Type == EventAgentToolUseRequest

	// Decide is called exactly once by the supervisor for a tool-use event,
	// once the Approval Coordinator has resolved a decision, so the
	// producer can honor a deny by skipping the side effect. Nil for every
	// other event type.
	Decide func(approval.Decision)
}

// Producer is the contract an agentic loop implementation honors: given a
// turn, it emits a finite lazy sequence of events ending in exactly one
// terminal event (agent.result or agent.error). The supervisor ranges over
// this sequence without the producer needing to know about the Event Log,
// the Approval Coordinator, or the transport.
type Producer interface {
	Run(ctx context.Context, turn string) iter.Seq2[ProducerEvent, error]
}

// runState tracks the live goroutine for one active run.
type runState struct {
	runID  string
	cancel context.CancelFunc
}

// Supervisor is the Agent Supervisor component.
type Supervisor struct {
	registry  *sessionregistry.Registry
	log       *eventlog.Log
	approvals *approval.Coordinator
	producer  Producer

	mu    sync.Mutex
	runs  map[string]*runState // sessionKey -> active run
}

// New builds a Supervisor wired to the registry, event log, and approval
// coordinator it will drive for every run.
func New(registry *sessionregistry.Registry, log *eventlog.Log, approvals *approval.Coordinator, producer Producer) *Supervisor {
	return &Supervisor{
		registry:  registry,
		log:       log,
		approvals: approvals,
		producer:  producer,
		runs:      make(map[string]*runState),
	}
}

// Start acquires the active-run flag for sessionKey and spawns the
// producer, returning its run ID. Returns ErrBusy if a run is already in
// flight for that session.
func (s *Supervisor) Start(ctx context.Context, sessionKey, turn string) (string, error) {
	runID := ulid.Make().String()
	if err := s.registry.SetActiveRun(sessionKey, runID); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runs[sessionKey] = &runState{runID: runID, cancel: cancel}
	s.mu.Unlock()

	go s.drive(runCtx, sessionKey, runID, turn)

	return runID, nil
}

// drive pumps the producer's event stream into the Event Log, one session
// at a time: every event from a single run is appended in production
// order, and the active-run flag is only cleared after the terminal event.
func (s *Supervisor) drive(ctx context.Context, sessionKey, runID, turn string) {
	defer s.finishRun(sessionKey)

	// Abort cancels ctx, but the events that follow it, up to the terminal
	// agent.error, are still appended, so appends ignore that cancellation.
	appendCtx := context.WithoutCancel(ctx)

	for ev, err := range s.producer.Run(ctx, turn) {
		if err != nil {
			kind := kindProducerCrash
			if ctx.Err() != nil {
				kind = kindAborted
			}
			s.appendError(appendCtx, sessionKey, kind, err)
			return
		}

		if _, appendErr := s.log.Append(appendCtx, sessionKey, ev.Type, ev.Payload); appendErr != nil {
			logging.Error().Err(appendErr).Str("session_key", sessionKey).Str("run_id", runID).Msg("failed to append run event, aborting run")
			s.appendError(appendCtx, sessionKey, kindProducerCrash, fmt.Errorf("append run event: %w", appendErr))
			return
		}

		if ev.Type == eventlog.EventAgentToolUseRequest {
			dec, reqErr := s.approvals.Request(ctx, sessionKey, ev.ToolName, ev.Arguments)
			if reqErr != nil {
				dec = approval.Decision{Allow: false, Reason: "approval-request-failed"}
			}
			if ev.Decide != nil {
				ev.Decide(dec)
			}
		}

		if ev.Type.IsTerminal() {
			return
		}
	}
}

// agent.error kind values. Spec's structured-kind taxonomy: aborted and
// producer_crash are synthesized here, for stream-level failures the
// supervisor itself detects; timeout and tool_denied are business-level
// outcomes a producer reports through its own agent.error event (ev.Type ==
// eventlog.EventAgentError, err == nil), so they never flow through
// appendError.
const (
	kindAborted       = "aborted"
	kindProducerCrash = "producer_crash"
)

func (s *Supervisor) appendError(ctx context.Context, sessionKey, kind string, runErr error) {
	payload := fmt.Sprintf(`{"kind":%q,"message":%q}`, kind, runErr.Error())
	if _, err := s.log.Append(ctx, sessionKey, eventlog.EventAgentError, payload); err != nil {
		logging.Error().Err(err).Str("session_key", sessionKey).Msg("failed to append error event")
	}
}

func (s *Supervisor) finishRun(sessionKey string) {
	s.mu.Lock()
	delete(s.runs, sessionKey)
	s.mu.Unlock()

	if err := s.registry.SetActiveRun(sessionKey, ""); err != nil {
		logging.Error().Err(err).Str("session_key", sessionKey).Msg("failed to clear active-run flag")
	}
}

// Abort cancels the active run for sessionKey, if any. The producer's
// subsequent agent.error(aborted) event still reaches the Event Log; Abort
// itself does not block on that.
func (s *Supervisor) Abort(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	run, ok := s.runs[sessionKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no active run for session %s", gatewayerr.ErrNotFound, sessionKey)
	}

	run.cancel()
	s.approvals.CancelAllFor(ctx, sessionKey)
	return nil
}

// AbortAll cancels every active run, e.g. on shutdown or a client-forwarded
// global escape shortcut.
func (s *Supervisor) AbortAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.runs))
	for key := range s.runs {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		_ = s.Abort(ctx, key)
	}
}
