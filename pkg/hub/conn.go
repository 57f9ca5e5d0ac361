package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/specdeck/specdeck/pkg/wire"
)

// transport abstracts the underlying socket so connection and registry
// behavior can be exercised without a network in tests.
type transport interface {
	// ReadMessage returns the next inbound frame. It blocks until a frame
	// arrives, the peer disconnects, or ctx is canceled.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage writes a single outbound frame.
	WriteMessage(ctx context.Context, data []byte) error

	// Ping sends a protocol-level ping and blocks until the matching pong
	// arrives or ctx is canceled. A nil return means the pong was observed.
	Ping(ctx context.Context) error

	// Close closes the socket with the given status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts *websocket.Conn to the transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// Conn is a single registered client connection. All outbound traffic goes
// through a buffered queue drained by the write loop; broadcasts that find
// the queue full are dropped for this connection without affecting others.
type Conn struct {
	sessionID  string
	remoteAddr string
	tr         transport
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send         chan any
	writeTimeout time.Duration

	mu       sync.Mutex
	topics   map[string]struct{}
	outSeq   uint64
	lastPing time.Time
	lastPong time.Time
	closed   bool

	closeOnce sync.Once
}

func newConn(parent context.Context, sessionID, remoteAddr string, tr transport, cfg hubConfig) *Conn {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Conn{
		sessionID:    sessionID,
		remoteAddr:   remoteAddr,
		tr:           tr,
		logger:       cfg.logger.With("session_id", sessionID),
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan any, cfg.sendBuffer),
		writeTimeout: cfg.writeTimeout,
		topics:       make(map[string]struct{}),
		// A fresh connection counts as live until the first probe cycle.
		lastPong: now,
	}
}

// SessionID returns the server-assigned identifier for this connection.
func (c *Conn) SessionID() string { return c.sessionID }

// RemoteAddr returns the peer address as seen at upgrade time.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Topics returns a snapshot of the connection's current subscriptions.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Seq returns the next sequence number this connection would assign.
func (c *Conn) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outSeq
}

func (c *Conn) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

func (c *Conn) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

// enqueueEvent assigns the connection's next sequence number to the event and
// queues it for delivery. The sequence counter advances only when the frame is
// accepted; a full queue drops the frame and leaves the counter untouched, so
// consumers observe a gap rather than a stall.
func (c *Conn) enqueueEvent(msgID string, ts time.Time, topic, event string, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	ev := &wire.Event{
		MsgID:     msgID,
		Seq:       c.outSeq,
		Timestamp: ts,
		Topic:     topic,
		Event:     event,
		Data:      data,
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- ev:
		c.outSeq++
		return true
	default:
		return false
	}
}

// trySendControl queues a non-event frame (ack or connected) best-effort.
func (c *Conn) trySendControl(v any) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- v:
		return true
	default:
		c.logger.Warn("Control frame dropped, send queue full")
		return false
	}
}

func (c *Conn) markPingSent(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = t
}

func (c *Conn) markPongReceived(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = t
}

func (c *Conn) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Conn) lastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// ping probes the peer and records the pong round-trip on success.
func (c *Conn) ping(ctx context.Context) error {
	c.markPingSent(time.Now())
	if err := c.tr.Ping(ctx); err != nil {
		return err
	}
	c.markPongReceived(time.Now())
	return nil
}

// close tears the connection down exactly once: the write loop is released
// via context cancellation and the socket is closed with the given status.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		if err := c.tr.Close(code, reason); err != nil {
			c.logger.Debug("Error closing transport", "err", err)
		}
	})
}

// writeLoop drains the send queue, marshaling each frame and writing it with
// a per-write deadline. It exits when the connection context is canceled.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("Failed to marshal outbound frame", "err", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err = c.tr.WriteMessage(writeCtx, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("Write failed, closing connection", "err", err)
				}
				c.cancel()
				return
			}
		}
	}
}
