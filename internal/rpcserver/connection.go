package rpcserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/dorabot/dorabot/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	authGrace  = 5 * time.Second
)

// connection is one authenticated (once past auth) WebSocket client. A
// single goroutine (the ServeHTTP call itself) reads frames off the socket
// and dispatches them; a second, dedicated goroutine owns all writes, so the
// two standard gorilla/websocket invariants (one reader, one writer) hold
// without an extra lock around the socket itself.
type connection struct {
	id     string
	ws     *websocket.Conn
	server *Server

	authenticated atomic.Bool

	subsMu           sync.RWMutex
	subs             map[string]int64 // sessionKey -> last delivered seq (high-water mark)
	activeSessionKey string

	outbound  chan any
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	unsubscribeBus func()
}

func newConnection(server *Server, ws *websocket.Conn) *connection {
	c := &connection{
		id:       ulid.Make().String(),
		ws:       ws,
		server:   server,
		subs:     make(map[string]int64),
		outbound: make(chan any, server.queueBound),
		done:     make(chan struct{}),
	}

	timer := time.AfterFunc(authGrace, func() {
		if !c.authenticated.Load() {
			logging.Warn().Str("conn_id", c.id).Msg("closing connection: auth grace window elapsed")
			c.close()
		}
	})
	go func() {
		<-c.done
		timer.Stop()
	}()

	return c
}

// enqueue attempts a non-blocking send to the outbound queue. false means
// the queue was full: the caller must treat this connection as a slow
// consumer and close it.
func (c *connection) enqueue(frame any) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// deliverIfNew forwards ev to the client if it matches an active
// subscription and is strictly newer than the last seq delivered for that
// session, advancing the high-water mark. Called synchronously from the
// Event Log bus's single pump goroutine, so delivery order across calls is
// append order; it must never block.
func (c *connection) deliverIfNew(sessionKey string, seq int64, eventType, payload string) {
	c.subsMu.Lock()
	last, subscribed := c.subs[sessionKey]
	if !subscribed || seq <= last {
		c.subsMu.Unlock()
		return
	}
	c.subs[sessionKey] = seq
	c.subsMu.Unlock()

	if !c.enqueue(eventFrame{
		JSONRPC: "2.0",
		Method:  "event",
		Params: eventFrameParam{
			SessionKey: sessionKey,
			Seq:        seq,
			EventType:  eventType,
			Data:       payload,
		},
	}) {
		c.closeSlowConsumer()
	}
}

func (c *connection) closeSlowConsumer() {
	logging.Warn().Str("conn_id", c.id).Msg("closing connection: outbound queue overflow")
	c.close()
}

// close tears the connection down exactly once: stops the bus subscription,
// signals the write pump, and closes the socket. Safe to call from either
// goroutine.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.unsubscribeBus != nil {
			c.unsubscribeBus()
		}
		c.server.forgetConnection(c.id)
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump is the connection's sole writer: it drains the outbound queue
// and sends periodic pings, matching the pack's one-writer-goroutine
// idiom for bidirectional socket I/O.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
