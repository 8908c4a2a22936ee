// Package agentproc implements the Supervisor's Producer contract over an
// external agent process: the agent itself is out of scope for the Gateway,
// but something concrete has to sit behind the supervisor.Producer
// interface, so this wraps any executable that speaks a small
// newline-delimited JSON protocol on its stdin/stdout.
//
// The wire shape deliberately mirrors the pack's MCP stdio transport
// (internal/mcp/transport.go's StdioTransport): one JSON object per line,
// no framing header. Lines are read inline by the iterator, with no separate
// reader goroutine; cancelling the caller's context kills the process
// (exec.CommandContext), which ends the pending read. Unlike MCP's request/response RPC, the traffic here is two lazy
// streams, not a call/reply pair: the Gateway writes exactly one "turn"
// line and, later, zero or more "decision" lines (one per tool-use event the
// agent emits); the agent writes a lazy sequence of event lines ending in
// exactly one terminal "result" or "error" line.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"

	"github.com/dorabot/dorabot/internal/approval"
	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/supervisor"
)

// wireEvent is one line the agent process writes to stdout.
type wireEvent struct {
	Type      string         `json:"type"` // stream | tool_use_request | tool_use_result | result | error
	Payload   string         `json:"payload"`
	ToolName  string         `json:"toolName,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// wireTurn is the single line written to the agent process's stdin to
// start a run.
type wireTurn struct {
	Type string `json:"type"`
	Turn string `json:"turn"`
}

// wireDecision is written to the agent process's stdin in reply to a
// tool_use_request line, once the Approval Coordinator has resolved it.
type wireDecision struct {
	Type      string `json:"type"`
	Allow     bool   `json:"allow"`
	Rationale string `json:"rationale,omitempty"`
}

var eventTypeByWireName = map[string]eventlog.EventType{
	"stream":           eventlog.EventAgentStream,
	"tool_use_request": eventlog.EventAgentToolUseRequest,
	"tool_use_result":  eventlog.EventAgentToolUseResult,
	"result":           eventlog.EventAgentResult,
	"error":            eventlog.EventAgentError,
}

// Config names the external agent executable and any extra environment it
// needs. Command[0] is resolved via exec.LookPath semantics.
type Config struct {
	Command []string
	Env     map[string]string
}

// SubprocessProducer implements supervisor.Producer by launching a fresh
// process per run and translating its stdout protocol into ProducerEvents.
type SubprocessProducer struct {
	cfg Config
}

// New builds a SubprocessProducer from cfg.
func New(cfg Config) *SubprocessProducer {
	return &SubprocessProducer{cfg: cfg}
}

var _ supervisor.Producer = (*SubprocessProducer)(nil)

// Run launches the configured executable, feeds it turn, and lazily yields
// one ProducerEvent per protocol line until the process emits a terminal
// event, exits, or ctx is cancelled. The returned sequence owns the
// process: it is killed when the sequence stops being ranged over, whether
// because the caller broke early or the stream ran to its terminal event.
func (p *SubprocessProducer) Run(ctx context.Context, turn string) iter.Seq2[supervisor.ProducerEvent, error] {
	return func(yield func(supervisor.ProducerEvent, error) bool) {
		if len(p.cfg.Command) == 0 {
			yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: no command configured"))
			return
		}

		cmd := exec.CommandContext(ctx, p.cfg.Command[0], p.cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range p.cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: stdin pipe: %w", err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: stdout pipe: %w", err))
			return
		}
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: start: %w", err))
			return
		}
		defer func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		}()

		var writeMu sync.Mutex
		writeLine := func(v any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			line, err := json.Marshal(v)
			if err != nil {
				return err
			}
			_, err = stdin.Write(append(line, '\n'))
			return err
		}

		if err := writeLine(wireTurn{Type: "turn", Turn: turn}); err != nil {
			yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: write turn: %w", err))
			return
		}

		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF && len(line) == 0 {
					// The process's stdout closed with nothing buffered. On
					// the realistic abort path, exec.CommandContext killed it
					// when ctx was cancelled: surface that as a terminal
					// error rather than returning silently, so the caller
					// (the Supervisor's drive loop) still sees exactly one
					// terminal event for this run.
					if ctxErr := ctx.Err(); ctxErr != nil {
						yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: run cancelled: %w", ctxErr))
					} else {
						yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: process exited before a terminal event"))
					}
					return
				}
				if err != io.EOF {
					yield(supervisor.ProducerEvent{}, fmt.Errorf("agentproc: read: %w", err))
					return
				}
			}

			var wev wireEvent
			if unmarshalErr := json.Unmarshal(line, &wev); unmarshalErr != nil {
				logging.Warn().Err(unmarshalErr).Msg("agentproc: skipping malformed event line")
				if err == io.EOF {
					return
				}
				continue
			}

			evType, known := eventTypeByWireName[wev.Type]
			if !known {
				logging.Warn().Str("type", wev.Type).Msg("agentproc: skipping unrecognized event type")
				if err == io.EOF {
					return
				}
				continue
			}

			producerEvent := supervisor.ProducerEvent{
				Type:      evType,
				Payload:   wev.Payload,
				ToolName:  wev.ToolName,
				Arguments: wev.Arguments,
			}
			if evType == eventlog.EventAgentToolUseRequest {
				producerEvent.Decide = func(dec approval.Decision) {
					if sendErr := writeLine(wireDecision{Type: "decision", Allow: dec.Allow, Rationale: dec.Reason}); sendErr != nil {
						logging.Error().Err(sendErr).Msg("agentproc: failed to relay approval decision")
					}
				}
			}

			if !yield(producerEvent, nil) {
				return
			}
			if evType.IsTerminal() || err == io.EOF {
				return
			}
		}
	}
}
