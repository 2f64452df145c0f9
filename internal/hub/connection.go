// Package hub implements the per-connection state machine (C5): handshake,
// receive/echo loop, heartbeat and broadcast delivery, and the draining
// sequence used during graceful shutdown. It follows the reader-goroutine +
// single-writer-loop split of go-server/pkg/websocket/client.go, generalized
// from a price-feed client to the spec's session/count/persistence model.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/errs"
	"github.com/adred-codev/wschat/internal/kvstore"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/session"
)

// state enumerates the Connection state machine's four states.
type state int32

const (
	stateHandshaking state = iota
	stateOpen
	stateDraining
	stateClosed
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64 // spec.md §5 recommended per-connection queue depth
	drainFlush  = 100 * time.Millisecond
)

// Deps bundles the shared collaborators every connection needs.
type Deps struct {
	Store      kvstore.Store
	Registry   *session.Registry
	Logger     zerolog.Logger
	TTL        time.Duration
	MaxHistory int64
}

// Connection is one WebSocket client's state (C5). It is owned by its own
// Serve goroutine pair (reader + writer); no other goroutine mutates its
// fields directly — external actors only call the Sink methods
// (TryDeliver/Cancel/Drain).
type Connection struct {
	deps Deps
	conn *websocket.Conn

	// connID identifies this connection in logs independent of session id,
	// so anonymous connections (which carry no session id) are still
	// traceable across their lifecycle events.
	connID         string
	sessionID      string
	anonymous      bool
	usePersistence bool
	createdAt      int64 // epoch seconds, first-seen for this session
	count          int64 // atomic

	send    chan []byte
	drain   chan struct{}
	cancel  chan struct{}
	readErr chan struct{}
	closed  chan struct{}

	drainOnce  sync.Once
	cancelOnce sync.Once
	readOnce   sync.Once

	state atomic.Int32
	wg    sync.WaitGroup
}

// Accept performs the Handshaking state (spec.md §4.5): resolves the
// session's resumed counter from the store, registers the connection in the
// registry if it carries a session id, and returns a Connection ready for
// Serve. Metrics for the accepted upgrade are incremented here.
func Accept(ctx context.Context, deps Deps, conn *websocket.Conn, sessionID string, usePersistence bool) *Connection {
	c := &Connection{
		deps:           deps,
		conn:           conn,
		connID:         uuid.NewString(),
		sessionID:      sessionID,
		anonymous:      sessionID == "",
		usePersistence: usePersistence,
		createdAt:      time.Now().Unix(),
		send:           make(chan []byte, sendBufSize),
		drain:          make(chan struct{}),
		cancel:         make(chan struct{}),
		readErr:        make(chan struct{}),
		closed:         make(chan struct{}),
	}
	c.state.Store(int32(stateHandshaking))

	if sessionID != "" {
		if sess, found, err := deps.Store.SessionGet(ctx, sessionID); err != nil {
			deps.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("session_get failed, starting at count 0")
		} else if found {
			atomic.StoreInt64(&c.count, sess.Count)
			c.createdAt = sess.CreatedAt
		}
	}

	if sessionID != "" {
		deps.Registry.Add(sessionID, c)
	}

	metrics.ConnectionsOpenedTotal.Inc()
	metrics.ActiveConnections.Inc()
	c.state.Store(int32(stateOpen))

	deps.Logger.Debug().Str("conn_id", c.connID).Str("session_id", sessionID).
		Bool("anonymous", c.anonymous).Int64("resumed_count", atomic.LoadInt64(&c.count)).
		Msg("connection accepted")

	return c
}

// Serve runs the connection until it closes, either because the client
// disconnected, it was displaced by a reconnect with the same session id, or
// the shutdown orchestrator drained it. It blocks until fully closed.
func (c *Connection) Serve() {
	defer c.cleanup()

	c.wg.Add(1)
	go c.readPump()

	c.writePump()
	c.wg.Wait()
}

func (c *Connection) cleanup() {
	c.state.Store(int32(stateClosed))
	if c.sessionID != "" {
		c.deps.Registry.Remove(c.sessionID, c)
	}
	metrics.ActiveConnections.Dec()
	metrics.ConnectionsClosedTotal.Inc()
	c.deps.Logger.Debug().Str("conn_id", c.connID).Str("session_id", c.sessionID).Msg("connection closed")
}

func (c *Connection) readPump() {
	defer c.wg.Done()
	defer c.signalReadErr()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wrapped := fmt.Errorf("%w: %v", errs.FrameReadFailed, err)
				c.deps.Logger.Debug().Err(wrapped).Str("conn_id", c.connID).Msg("read pump stopping")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue // binary/ping/pong handled transparently by gorilla
		}
		c.onText(string(data))
	}
}

func (c *Connection) signalReadErr() {
	c.readOnce.Do(func() { close(c.readErr) })
}

// onText implements spec.md §4.5 "Open" / receipt of a text frame.
func (c *Connection) onText(payload string) {
	newCount := atomic.AddInt64(&c.count, 1)
	metrics.MessagesTotal.Inc()

	resp, err := json.Marshal(echoFrame{Count: newCount, Echo: payload})
	if err == nil {
		c.enqueue(resp)
	}

	if c.sessionID == "" {
		return
	}

	now := time.Now()
	if c.usePersistence {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.TTL)
		rec := session.MessageRecord{
			Content:     payload,
			TimestampMS: now.UnixMilli(),
			IsSent:      true,
			SessionID:   c.sessionID,
		}
		if err := c.deps.Store.MessagesAppend(ctx, c.sessionID, rec, c.deps.TTL, c.deps.MaxHistory); err != nil {
			c.deps.Logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("messages_append failed")
		}
		cancel()
	}

	// Regardless of the persistence flag, the session counter is kept alive
	// in the store so a reconnect resumes from the right count.
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.TTL)
	sess := session.Session{Count: newCount, CreatedAt: c.createdAt, LastActivity: now.Unix()}
	if err := c.deps.Store.SessionPut(ctx, c.sessionID, sess, c.deps.TTL); err != nil {
		c.deps.Logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("session_put failed")
	}
	cancel()
}

func (c *Connection) writePump() {
	defer c.conn.Close()
	defer close(c.closed)

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.readErr:
			return

		case <-c.cancel:
			// Displaced by a reconnect; close without a bye frame.
			return

		case <-c.drain:
			c.performDrain()
			return

		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.ErrorsTotal.Inc()
				wrapped := fmt.Errorf("%w: %v", errs.FrameWriteFailed, err)
				c.deps.Logger.Debug().Err(wrapped).Str("conn_id", c.connID).Msg("write pump stopping")
				return
			}
			metrics.MessagesSent.Inc()

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.ErrorsTotal.Inc()
				return
			}
		}
	}
}

// performDrain implements the Draining state (spec.md §4.5): send bye,
// flush briefly, final session_put, close with 1001.
func (c *Connection) performDrain() {
	c.state.Store(int32(stateDraining))

	total := atomic.LoadInt64(&c.count)
	bye, err := json.Marshal(byeFrame{Bye: true, Total: total, Message: "Server is shutting down gracefully"})
	if err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(drainFlush))
		if err := c.conn.WriteMessage(websocket.TextMessage, bye); err != nil {
			metrics.ErrorsTotal.Inc()
		} else {
			metrics.MessagesSent.Inc()
		}
	}

	if c.sessionID != "" && c.usePersistence {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.TTL)
		sess := session.Session{Count: total, CreatedAt: c.createdAt, LastActivity: time.Now().Unix()}
		if err := c.deps.Store.SessionPut(ctx, c.sessionID, sess, c.deps.TTL); err != nil {
			c.deps.Logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("final session_put failed during drain")
		}
		cancel()
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server is shutting down gracefully"),
		time.Now().Add(writeWait),
	)
}

// --- session.Sink implementation -------------------------------------------

// TryDeliver enqueues frame without blocking, dropping the oldest queued
// frame first if the sink is full (spec.md §5).
func (c *Connection) TryDeliver(frame []byte) bool {
	return c.enqueue(frame)
}

func (c *Connection) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
	}

	select {
	case <-c.send:
		c.logQueueFull("oldest frame dropped under backpressure")
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.logQueueFull("send queue full, frame dropped")
		return false
	}
}

func (c *Connection) logQueueFull(msg string) {
	metrics.ErrorsTotal.Inc()
	metrics.BroadcastDropsTotal.Inc()
	wrapped := fmt.Errorf("%w: %s", errs.QueueFull, msg)
	c.deps.Logger.Debug().Err(wrapped).Str("conn_id", c.connID).Msg("connection send queue full")
}

// Cancel closes the connection without a bye frame; used when a new
// connection for the same session id displaces this one.
func (c *Connection) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
}

// Drain requests the Draining sequence and blocks until the connection has
// fully closed or ctx is done.
func (c *Connection) Drain(ctx context.Context) {
	c.drainOnce.Do(func() { close(c.drain) })
	select {
	case <-c.closed:
	case <-ctx.Done():
	}
}
