// Package rpcserver implements the RPC Router & Subscription Multiplexer:
// the Gateway's sole external interface. It terminates authenticated
// WebSocket connections, dispatches JSON-RPC 2.0 calls to the Session
// Registry, Agent Supervisor, and Approval Coordinator, and fans out live
// Event Log appends to every subscribed connection in seq order.
package rpcserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dorabot/dorabot/internal/approval"
	"github.com/dorabot/dorabot/internal/eventlog"
	"github.com/dorabot/dorabot/internal/logging"
	"github.com/dorabot/dorabot/internal/sessionregistry"
	"github.com/dorabot/dorabot/internal/supervisor"
)

// Server is the RPC Router & Subscription Multiplexer. It holds the
// explicit, process-wide Gateway state (registry, event log, outbound
// queues) as named fields rather than module-level globals, and is passed
// to an http.Server as its Handler.
type Server struct {
	token      string
	registry   *sessionregistry.Registry
	log        *eventlog.Log
	approvals  *approval.Coordinator
	supervisor *supervisor.Supervisor

	pageSize     int
	queueBound   int
	pingInterval time.Duration

	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[string]*connection

	ackMu sync.Mutex
	acks  map[string]map[string]int64 // connID -> sessionKey -> highest acked seq
}

// Options configures a Server beyond its required dependencies.
type Options struct {
	PageSize     int
	QueueBound   int
	PingInterval time.Duration
}

// New builds a Server. token is the 256-bit hex bearer token every
// connection must present via auth before any other method succeeds.
func New(token string, registry *sessionregistry.Registry, log *eventlog.Log, approvals *approval.Coordinator, sup *supervisor.Supervisor, opts Options) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = 2000
	}
	if opts.QueueBound <= 0 {
		opts.QueueBound = 10_000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	return &Server{
		token:        token,
		registry:     registry,
		log:          log,
		approvals:    approvals,
		supervisor:   sup,
		pageSize:     opts.PageSize,
		queueBound:   opts.QueueBound,
		pingInterval: opts.PingInterval,
		upgrader: websocket.Upgrader{
			// The Gateway only ever binds loopback; any local process may
			// open the socket, so origin checking adds nothing a bearer
			// token doesn't already cover.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		acks:  make(map[string]map[string]int64),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read loop until the client disconnects or is evicted. It blocks for the
// lifetime of the connection, mirroring the pack's single-goroutine REPL
// handler, generalized here with a companion write-pump goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(s, ws)
	s.connMu.Lock()
	s.conns[c.id] = c
	s.connMu.Unlock()

	c.unsubscribeBus = s.log.Subscribe(func(ev eventlog.Event) {
		c.deliverIfNew(ev.SessionKey, ev.Seq, string(ev.Type), ev.Payload)
	})

	go c.writePump()
	s.readLoop(r.Context(), c)
}

// readLoop is the connection's sole reader.
func (s *Server) readLoop(ctx context.Context, c *connection) {
	defer c.close()

	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}

		resp := s.dispatch(ctx, c, &req)
		if resp == nil {
			// dispatch always returns a reply; a nil one ends the
			// connection without a response.
			return
		}
		if !c.enqueue(resp) {
			c.closeSlowConsumer()
			return
		}
	}
}

func (s *Server) forgetConnection(connID string) {
	s.connMu.Lock()
	delete(s.conns, connID)
	s.connMu.Unlock()

	s.ackMu.Lock()
	delete(s.acks, connID)
	s.ackMu.Unlock()
}

// recordAck advances connID's high-water ack for sessionKey, used to compute
// the retention sweep's floor.
func (s *Server) recordAck(connID, sessionKey string, seq int64) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	perSession, ok := s.acks[connID]
	if !ok {
		perSession = make(map[string]int64)
		s.acks[connID] = perSession
	}
	if seq > perSession[sessionKey] {
		perSession[sessionKey] = seq
	}
}

// ackFloors returns, per session key, the minimum acked seq across every
// connected client that has acked that session. seq is a single sequence
// shared by every session (spec §3), so a floor must never mix acks from
// different sessions together: a client that acked far ahead on session A
// would otherwise license deleting un-acked events on session B. A session
// with no entry here has no floor yet and must not be swept at all.
func (s *Server) ackFloors() map[string]int64 {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	floors := make(map[string]int64)
	have := make(map[string]bool)
	for _, perSession := range s.acks {
		for sessionKey, seq := range perSession {
			if !have[sessionKey] || seq < floors[sessionKey] {
				floors[sessionKey] = seq
				have[sessionKey] = true
			}
		}
	}
	return floors
}

// RunRetentionSweeper invokes the Event Log's sweep on a fixed interval
// until ctx is cancelled, sweeping each session against only its own
// connected clients' ack floor.
func (s *Server) RunRetentionSweeper(ctx context.Context, interval time.Duration, maxAgeSeconds int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var total int64
			for sessionKey, floor := range s.ackFloors() {
				affected, err := s.log.Sweep(ctx, sessionKey, maxAgeSeconds, floor)
				if err != nil {
					logging.Error().Err(err).Str("session_key", sessionKey).Msg("retention sweep failed")
					continue
				}
				total += affected
			}
			if total > 0 {
				logging.Info().Int64("rows", total).Msg("retention sweep removed events")
			}
		}
	}
}

// Shutdown aborts every active agent run and closes every connection.
func (s *Server) Shutdown(ctx context.Context) {
	s.supervisor.AbortAll(ctx)

	s.connMu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
