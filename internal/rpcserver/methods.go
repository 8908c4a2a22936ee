package rpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/gatewayerr"
)

// dispatch decodes and routes one client frame, returning the reply to
// enqueue. It always returns a reply. A failed auth is answered like any
// other error and does not close the connection, so the client may call
// auth again; an unauthenticated connection is closed only when its auth
// grace window elapses.
func (s *Server) dispatch(ctx context.Context, c *connection, req *request) *response {
	if req.JSONRPC != "2.0" {
		return newError(req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	if req.Method != "auth" && !c.authenticated.Load() {
		return errorToResponse(req.ID, fmt.Errorf("%w: call auth before %s", gatewayerr.ErrUnauthenticated, req.Method))
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "auth":
		result, err = s.handleAuth(c, req.Params)
	case "sessions.list":
		result, err = s.handleSessionsList(ctx)
	case "sessions.subscribe":
		result, err = s.handleSubscribe(ctx, c, req.Params)
	case "sessions.unsubscribe":
		result, err = s.handleUnsubscribe(c, req.Params)
	case "sessions.set-active":
		result, err = s.handleSetActive(c, req.Params)
	case "agent.start":
		result, err = s.handleAgentStart(ctx, req.Params)
	case "agent.abort":
		result, err = s.handleAgentAbort(ctx, req.Params)
	case "agent.approval.decide":
		result, err = s.handleApprovalDecide(ctx, req.Params)
	case "events.ack":
		result, err = s.handleEventsAck(c, req.Params)
	default:
		err = fmt.Errorf("%w: %s", gatewayerr.ErrUnknownMethod, req.Method)
	}

	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return newResult(req.ID, result)
}

type authParams struct {
	Token string `json:"token"`
}

func (s *Server) handleAuth(c *connection, raw json.RawMessage) (any, error) {
	var p authParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: auth: %v", gatewayerr.ErrInvalidParams, err)
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(s.token)) != 1 {
		return nil, fmt.Errorf("%w: invalid token", gatewayerr.ErrUnauthenticated)
	}
	c.authenticated.Store(true)
	return map[string]any{"authenticated": true}, nil
}

type sessionSummary struct {
	SessionKey    string `json:"sessionKey"`
	Channel       string `json:"channel"`
	ChatType      string `json:"chatType"`
	ChatID        string `json:"chatId"`
	ExternalID    string `json:"externalId,omitempty"`
	MessageCount  int    `json:"messageCount"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	ActiveRun     bool   `json:"activeRun"`
}

func (s *Server) handleSessionsList(ctx context.Context) (any, error) {
	sessions, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := sessionSummary{
			SessionKey:   sess.Key,
			Channel:      sess.Channel,
			ChatType:     sess.ChatType,
			ChatID:       sess.ChatID,
			ExternalID:   sess.ExternalID,
			MessageCount: sess.MessageCount,
			CreatedAt:    sess.CreatedAt.Unix(),
			ActiveRun:    s.registry.HasActiveRun(sess.Key),
		}
		if !sess.LastMessageAt.IsZero() {
			summary.LastMessageAt = sess.LastMessageAt.Unix()
		}
		out = append(out, summary)
	}
	return map[string]any{"sessions": out}, nil
}

type sessionCursor struct {
	SessionKey string `json:"sessionKey"`
	AfterSeq   int64  `json:"afterSeq"`
}

type subscribeParams struct {
	Sessions []sessionCursor `json:"sessions"`
}

func (s *Server) handleSubscribe(ctx context.Context, c *connection, raw json.RawMessage) (any, error) {
	var p subscribeParams
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Sessions) == 0 {
		return nil, fmt.Errorf("%w: sessions.subscribe requires a non-empty sessions array", gatewayerr.ErrInvalidParams)
	}

	cursors := make([]eventlog.Cursor, 0, len(p.Sessions))
	c.subsMu.Lock()
	for _, sub := range p.Sessions {
		if _, already := c.subs[sub.SessionKey]; !already {
			c.subs[sub.SessionKey] = sub.AfterSeq
		}
		cursors = append(cursors, eventlog.Cursor{SessionKey: sub.SessionKey, AfterSeq: sub.AfterSeq})
	}
	c.subsMu.Unlock()

	for {
		if c.closed.Load() {
			return nil, fmt.Errorf("%w: connection closed during replay", gatewayerr.ErrSlowConsumer)
		}
		events, err := s.log.QueryByCursors(ctx, cursors, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			c.deliverIfNew(ev.SessionKey, ev.Seq, string(ev.Type), ev.Payload)
			for i := range cursors {
				if cursors[i].SessionKey == ev.SessionKey {
					cursors[i].AfterSeq = ev.Seq
				}
			}
		}
		if len(events) < s.pageSize {
			break
		}
	}

	return map[string]any{"subscribed": len(p.Sessions)}, nil
}

type unsubscribeParams struct {
	SessionKeys []string `json:"sessionKeys"`
}

func (s *Server) handleUnsubscribe(c *connection, raw json.RawMessage) (any, error) {
	var p unsubscribeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: sessions.unsubscribe: %v", gatewayerr.ErrInvalidParams, err)
	}
	c.subsMu.Lock()
	for _, key := range p.SessionKeys {
		delete(c.subs, key)
	}
	c.subsMu.Unlock()
	return map[string]any{"unsubscribed": len(p.SessionKeys)}, nil
}

type setActiveParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleSetActive(c *connection, raw json.RawMessage) (any, error) {
	var p setActiveParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, fmt.Errorf("%w: sessions.set-active requires sessionKey", gatewayerr.ErrInvalidParams)
	}
	c.subsMu.Lock()
	c.activeSessionKey = p.SessionKey
	c.subsMu.Unlock()
	return map[string]any{"active": p.SessionKey}, nil
}

type agentStartParams struct {
	SessionKey string `json:"sessionKey"`
	Turn       string `json:"turn"`
}

func (s *Server) handleAgentStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p agentStartParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, fmt.Errorf("%w: agent.start requires sessionKey and turn", gatewayerr.ErrInvalidParams)
	}
	runID, err := s.supervisor.Start(ctx, p.SessionKey, p.Turn)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runId": runID}, nil
}

type agentAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleAgentAbort(ctx context.Context, raw json.RawMessage) (any, error) {
	var p agentAbortParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, fmt.Errorf("%w: agent.abort requires sessionKey", gatewayerr.ErrInvalidParams)
	}
	if err := s.supervisor.Abort(ctx, p.SessionKey); err != nil {
		return nil, err
	}
	return map[string]any{"aborted": p.SessionKey}, nil
}

type approvalDecideParams struct {
	ApprovalID string `json:"approvalId"`
	Allow      bool   `json:"allow"`
	Rationale  string `json:"rationale,omitempty"`
}

func (s *Server) handleApprovalDecide(ctx context.Context, raw json.RawMessage) (any, error) {
	var p approvalDecideParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ApprovalID == "" {
		return nil, fmt.Errorf("%w: agent.approval.decide requires approvalId", gatewayerr.ErrInvalidParams)
	}

	if err := s.approvals.Decide(ctx, p.ApprovalID, p.Allow, p.Rationale); err != nil {
		return nil, err
	}
	return map[string]any{"decided": p.ApprovalID}, nil
}

type eventsAckParams struct {
	SessionKey string `json:"sessionKey"`
	Seq        int64  `json:"seq"`
}

func (s *Server) handleEventsAck(c *connection, raw json.RawMessage) (any, error) {
	var p eventsAckParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, fmt.Errorf("%w: events.ack requires sessionKey and seq", gatewayerr.ErrInvalidParams)
	}
	s.recordAck(c.id, p.SessionKey, p.Seq)
	return map[string]any{"acked": p.Seq}, nil
}
