// Package client implements the consumer side of the specdeck realtime
// protocol: a WebSocket client that tracks connectivity, re-subscribes its
// topics after every reconnect, discards redelivered events by sequence
// number, and retries dropped connections with capped exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/specdeck/specdeck/pkg/wire"
)

// Status is the client's connectivity state as exposed to applications.
type Status string

const (
	// StatusDisconnected means no socket is open and no reconnect is pending
	// (initial state, or after Close).
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means a dial is in progress.
	StatusConnecting Status = "connecting"

	// StatusConnected means the socket is open and the session handshake
	// completed.
	StatusConnected Status = "connected"

	// StatusReconnecting means the connection dropped and retry attempts are
	// scheduled.
	StatusReconnecting Status = "reconnecting"

	// StatusConnectionLost is the escalation of StatusReconnecting once the
	// outage has persisted for ConnectionLostAfter, letting a UI distinguish
	// a blip from a sustained outage.
	StatusConnectionLost Status = "connection_lost"

	// StatusGivenUp means the maximum number of consecutive reconnect
	// attempts failed. Only Reset leaves this state.
	StatusGivenUp Status = "given_up"
)

var (
	// ErrClosed is returned for operations on a permanently closed client.
	ErrClosed = errors.New("client is closed")

	// ErrNotConnected is returned when an operation needs an open socket.
	ErrNotConnected = errors.New("client is not connected")
)

// Client is a reconnecting subscriber to a specdeck realtime endpoint.
//
// Events pass through a single dispatch queue, so the event handler observes
// them one at a time in delivery order. The handler may safely call Subscribe,
// Unsubscribe or Ping.
type Client struct {
	config clientConfig
	urlStr string

	conn   *websocket.Conn
	connMu sync.RWMutex

	// writeMu serializes frame writes on the current connection.
	writeMu sync.Mutex

	clientCtx    context.Context
	clientCancel context.CancelFunc

	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup

	dispatchWg sync.WaitGroup
	events     chan wire.Event

	stateMu        sync.Mutex
	state          Status
	sessionID      string
	lastSeq        int64
	attempts       int
	disconnectedAt time.Time
	lostTimer      *time.Timer

	topicsMu sync.Mutex
	topics   map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan wire.Ack

	reqCounter atomic.Uint64

	isClosed bool
	closedMu sync.Mutex

	isReconnecting bool
	reconnectingMu sync.Mutex

	notifyMu     sync.Mutex
	lastNotified Status
}

// Connect dials urlStr, waits for the server's session hello, and returns a
// connected client. After a successful initial connection, drops are retried
// automatically until MaxReconnectAttempts consecutive failures.
func Connect(urlStr string, opts ...Option) (*Client, error) {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	cli := &Client{
		config:       defaultConfig(),
		urlStr:       urlStr,
		clientCtx:    clientCtx,
		clientCancel: clientCancel,
		events:       make(chan wire.Event, defaultEventBuffer),
		state:        StatusDisconnected,
		lastSeq:      -1,
		topics:       make(map[string]struct{}),
		pending:      make(map[string]chan wire.Ack),
	}

	for _, opt := range opts {
		opt(cli)
	}
	if cli.config.dialOptions == nil {
		cli.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}

	cli.dispatchWg.Add(1)
	go cli.dispatchEvents()

	if err := cli.establishConnection(cli.clientCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initial connection failed: %w", err)
	}
	return cli, nil
}

// establishConnection dials the endpoint and completes the session handshake.
// On success the client is StatusConnected with a fresh sequence cursor and
// its full topic set re-subscribed.
func (c *Client) establishConnection(ctx context.Context) error {
	c.closedMu.Lock()
	if c.isClosed {
		c.closedMu.Unlock()
		return ErrClosed
	}
	c.closedMu.Unlock()

	// Tear down pumps of any previous connection before dialing.
	if c.pumpCancel != nil {
		c.pumpCancel()
		c.pumpWg.Wait()
	}

	c.setState(StatusConnecting)

	dialCtx, dialCancel := context.WithTimeout(ctx, c.config.dialTimeout)
	defer dialCancel()

	conn, httpResp, err := websocket.Dial(dialCtx, c.urlStr, c.config.dialOptions)
	if err != nil {
		if httpResp != nil {
			err = fmt.Errorf("%w (status: %s)", err, httpResp.Status)
		}
		c.setState(c.idleState())
		return fmt.Errorf("dial %s: %w", c.urlStr, err)
	}
	conn.SetReadLimit(c.config.readLimit)

	// The hello announcing the session id is always the first frame.
	_, raw, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "no session hello")
		c.setState(c.idleState())
		return fmt.Errorf("read session hello: %w", err)
	}
	frame, err := wire.DecodeServerFrame(raw)
	if err != nil || frame.Connected == nil {
		_ = conn.Close(websocket.StatusProtocolError, "expected session hello")
		c.setState(c.idleState())
		return fmt.Errorf("expected connected hello, got %s", raw)
	}

	pumpCtx, pumpCancel := context.WithCancel(c.clientCtx)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.pumpCancel = pumpCancel

	c.stateMu.Lock()
	c.sessionID = frame.Connected.SessionID
	// Fresh socket, fresh server-side sequence space.
	c.lastSeq = -1
	c.attempts = 0
	c.disconnectedAt = time.Time{}
	if c.lostTimer != nil {
		c.lostTimer.Stop()
		c.lostTimer = nil
	}
	c.state = StatusConnected
	c.stateMu.Unlock()

	c.pumpWg.Add(1)
	go c.readPump(conn, pumpCtx)

	c.config.logger.Info(fmt.Sprintf("Client: connected to %s (session %s)", c.urlStr, frame.Connected.SessionID))
	c.notifyStatus()

	c.resubscribeAll()
	return nil
}

// idleState is the state to fall back to when a connection attempt fails:
// reconnecting while inside an outage, disconnected otherwise.
func (c *Client) idleState() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.disconnectedAt.IsZero() {
		return StatusReconnecting
	}
	return StatusDisconnected
}

// resubscribeAll re-issues subscribe commands for the full desired topic set.
// The server keeps no subscription state across sockets, so this runs after
// every successful connect.
func (c *Client) resubscribeAll() {
	c.topicsMu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.topicsMu.Unlock()
	if len(topics) == 0 {
		return
	}
	sort.Strings(topics)

	c.config.logger.Info(fmt.Sprintf("Client: re-subscribing %d topics", len(topics)))
	if err := c.sendCommand(c.clientCtx, wire.ActionSubscribe, topics); err != nil {
		c.config.logger.Warn(fmt.Sprintf("Client: re-subscribe failed: %v", err))
	}
}

// readPump consumes frames from one connection until it drops. A drop that is
// not part of a deliberate Close marks the outage and triggers the reconnect
// loop.
func (c *Client) readPump(conn *websocket.Conn, pumpCtx context.Context) {
	defer func() {
		defer c.pumpWg.Done()

		c.closedMu.Lock()
		permanentlyClosed := c.isClosed
		c.closedMu.Unlock()
		if permanentlyClosed {
			return
		}

		_ = conn.Close(websocket.StatusAbnormalClosure, "read pump terminated")
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		c.markDisconnected()

		c.reconnectingMu.Lock()
		if !c.isReconnecting {
			c.reconnectingMu.Unlock()
			go c.reconnectLoop()
		} else {
			c.reconnectingMu.Unlock()
		}
	}()

	for {
		_, raw, err := conn.Read(pumpCtx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case pumpCtx.Err() != nil:
				c.config.logger.Debug("Client: read pump stopping, context canceled")
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.config.logger.Info(fmt.Sprintf("Client: server closed connection (status %d)", status))
			default:
				c.config.logger.Warn(fmt.Sprintf("Client: read error: %v", err))
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	frame, err := wire.DecodeServerFrame(raw)
	if err != nil {
		c.config.logger.Warn(fmt.Sprintf("Client: discarding undecodable frame: %v", err))
		return
	}
	switch {
	case frame.Ack != nil:
		c.routeAck(*frame.Ack)
	case frame.Event != nil:
		c.handleEvent(*frame.Event)
	case frame.Connected != nil:
		// The hello is consumed during the handshake; a second one is a
		// protocol violation worth surfacing.
		c.config.logger.Warn(fmt.Sprintf("Client: unexpected connected frame for session %s", frame.Connected.SessionID))
	}
}

// handleEvent filters redelivered events by sequence number, then queues the
// event for the dispatch goroutine. The cursor advances before dispatch, so a
// slow handler never causes duplicate processing.
func (c *Client) handleEvent(ev wire.Event) {
	c.stateMu.Lock()
	if !shouldProcess(ev.Seq, c.lastSeq) {
		last := c.lastSeq
		c.stateMu.Unlock()
		c.config.logger.Debug("Client: duplicate event discarded", "seq", ev.Seq, "last_seq", last)
		return
	}
	c.lastSeq = int64(ev.Seq)
	c.stateMu.Unlock()

	select {
	case c.events <- ev:
	case <-c.clientCtx.Done():
	}
}

// dispatchEvents delivers queued events to the handler one at a time for the
// life of the client, across reconnects.
func (c *Client) dispatchEvents() {
	defer c.dispatchWg.Done()
	for {
		select {
		case <-c.clientCtx.Done():
			return
		case ev := <-c.events:
			if handler := c.config.eventHandler; handler != nil {
				handler(ev)
			}
		}
	}
}

func (c *Client) routeAck(ack wire.Ack) {
	if ack.RequestID == "" {
		c.config.logger.Warn(fmt.Sprintf("Client: server rejected a frame: %s", ack.Error))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[ack.RequestID]
	if ok {
		delete(c.pending, ack.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.config.logger.Debug("Client: ack with no pending request", "request_id", ack.RequestID)
		return
	}
	ch <- ack
}

// markDisconnected records the start of an outage and arms the escalation
// timer that flips Status to StatusConnectionLost if the outage persists.
func (c *Client) markDisconnected() {
	c.stateMu.Lock()
	c.state = StatusReconnecting
	if c.disconnectedAt.IsZero() {
		c.disconnectedAt = time.Now()
	}
	if c.lostTimer != nil {
		c.lostTimer.Stop()
	}
	c.lostTimer = time.AfterFunc(c.config.lostAfter, c.notifyStatus)
	c.stateMu.Unlock()

	c.failPending()
	c.notifyStatus()
}

// failPending unblocks every in-flight command with a failed ack; their
// sockets are gone and no real ack can arrive.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan wire.Ack)
	c.pendingMu.Unlock()
	for id, ch := range pending {
		ch <- wire.Ack{Ack: true, RequestID: id, Success: false, Error: "connection dropped"}
	}
}

// reconnectLoop retries the connection with capped exponential backoff until
// it succeeds, the client closes, or the attempt budget is exhausted.
func (c *Client) reconnectLoop() {
	c.reconnectingMu.Lock()
	if c.isReconnecting {
		c.reconnectingMu.Unlock()
		return
	}
	c.isReconnecting = true
	c.reconnectingMu.Unlock()

	defer func() {
		c.reconnectingMu.Lock()
		c.isReconnecting = false
		c.reconnectingMu.Unlock()
	}()

	for {
		c.closedMu.Lock()
		if c.isClosed {
			c.closedMu.Unlock()
			return
		}
		c.closedMu.Unlock()

		c.stateMu.Lock()
		attempt := c.attempts
		c.stateMu.Unlock()

		if attempt >= c.config.maxAttempts {
			c.giveUp(attempt)
			return
		}

		delay := backoffDelay(attempt, c.config.backoffBase, c.config.backoffMax)
		c.config.logger.Info(fmt.Sprintf("Client: waiting %v before reconnect attempt %d/%d", delay, attempt+1, c.config.maxAttempts))
		select {
		case <-c.clientCtx.Done():
			return
		case <-time.After(delay):
		}

		err := c.establishConnection(c.clientCtx)
		if err == nil {
			c.config.logger.Info("Client: reconnected")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.config.logger.Warn(fmt.Sprintf("Client: reconnect attempt %d failed: %v", attempt+1, err))
		c.stateMu.Lock()
		c.attempts++
		c.stateMu.Unlock()
		c.notifyStatus()
	}
}

func (c *Client) giveUp(attempts int) {
	c.config.logger.Error(fmt.Sprintf("Client: giving up after %d reconnect attempts", attempts))
	c.stateMu.Lock()
	c.state = StatusGivenUp
	if c.lostTimer != nil {
		c.lostTimer.Stop()
		c.lostTimer = nil
	}
	c.stateMu.Unlock()
	c.notifyStatus()
}

// Reset re-arms reconnection after the client has given up. It is a no-op in
// any other state.
func (c *Client) Reset() error {
	c.closedMu.Lock()
	if c.isClosed {
		c.closedMu.Unlock()
		return ErrClosed
	}
	c.closedMu.Unlock()

	c.stateMu.Lock()
	if c.state != StatusGivenUp {
		c.stateMu.Unlock()
		return nil
	}
	c.attempts = 0
	c.state = StatusReconnecting
	c.stateMu.Unlock()

	c.config.logger.Info("Client: reset, resuming reconnect attempts")
	c.notifyStatus()
	go c.reconnectLoop()
	return nil
}

// Subscribe adds topics to the desired subscription set and, when connected,
// issues the subscribe command. Topics recorded while offline are subscribed
// automatically on the next successful connect.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	if err := validTopics(topics); err != nil {
		return err
	}
	c.topicsMu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.topicsMu.Unlock()

	if c.getConn() == nil {
		return nil
	}
	return c.sendCommand(ctx, wire.ActionSubscribe, topics)
}

// Unsubscribe removes topics from the desired subscription set and, when
// connected, issues the unsubscribe command.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := validTopics(topics); err != nil {
		return err
	}
	c.topicsMu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.topicsMu.Unlock()

	if c.getConn() == nil {
		return nil
	}
	return c.sendCommand(ctx, wire.ActionUnsubscribe, topics)
}

// Ping performs an application-level liveness round-trip, distinct from the
// transport pings the server sends.
func (c *Client) Ping(ctx context.Context) error {
	if c.getConn() == nil {
		return ErrNotConnected
	}
	return c.sendCommand(ctx, wire.ActionPing, nil)
}

// sendCommand writes one command frame and waits for its ack.
func (c *Client) sendCommand(ctx context.Context, action string, topics []string) error {
	conn := c.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	reqID := fmt.Sprintf("req-%d", c.reqCounter.Add(1))
	cmd := wire.Command{Action: action, RequestID: reqID}
	if topics != nil {
		payload, err := json.Marshal(wire.TopicsPayload{Topics: topics})
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", action, err)
		}
		cmd.Payload = payload
	}

	ackCh := make(chan wire.Ack, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ackCh
	c.pendingMu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.config.requestTimeout)
	defer cancel()

	c.writeMu.Lock()
	err := wsjson.Write(reqCtx, conn, cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(reqID)
		return fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case ack := <-ackCh:
		if !ack.Success {
			return fmt.Errorf("%s rejected: %s", action, ack.Error)
		}
		return nil
	case <-reqCtx.Done():
		c.dropPending(reqID)
		return fmt.Errorf("await %s ack: %w", action, reqCtx.Err())
	case <-c.clientCtx.Done():
		c.dropPending(reqID)
		return ErrClosed
	}
}

func (c *Client) dropPending(reqID string) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

func (c *Client) getConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setState(s Status) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.notifyStatus()
}

// Status returns the current connectivity status. During an outage that has
// persisted for ConnectionLostAfter it reports StatusConnectionLost in place
// of StatusReconnecting or StatusConnecting.
func (c *Client) Status() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.derivedStatusLocked(time.Now())
}

func (c *Client) derivedStatusLocked(now time.Time) Status {
	switch c.state {
	case StatusConnecting, StatusReconnecting:
		// Inside an outage every state short of connected reads as
		// reconnecting, escalated once the outage persists long enough.
		if !c.disconnectedAt.IsZero() {
			if now.Sub(c.disconnectedAt) >= c.config.lostAfter {
				return StatusConnectionLost
			}
			return StatusReconnecting
		}
	}
	return c.state
}

// notifyStatus invokes the status handler when the derived status changed
// since the last notification. Callbacks are serialized.
func (c *Client) notifyStatus() {
	c.stateMu.Lock()
	status := c.derivedStatusLocked(time.Now())
	c.stateMu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if status == c.lastNotified {
		return
	}
	c.lastNotified = status
	if handler := c.config.statusHandler; handler != nil {
		handler(status)
	}
}

// SessionID returns the server-assigned session id of the current connection,
// or the most recent one if the connection dropped.
func (c *Client) SessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}

// LastSeqProcessed returns the sequence cursor used for duplicate filtering.
// It is -1 immediately after every successful connect.
func (c *Client) LastSeqProcessed() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastSeq
}

// ReconnectAttempts returns the count of consecutive failed reconnect
// attempts in the current outage.
func (c *Client) ReconnectAttempts() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.attempts
}

// Topics returns the desired subscription set in sorted order.
func (c *Client) Topics() []string {
	c.topicsMu.Lock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	c.topicsMu.Unlock()
	sort.Strings(out)
	return out
}

// Close permanently shuts the client down: the socket is closed with a normal
// closure, any scheduled reconnect is canceled, and no further reconnects
// occur.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.isClosed {
		c.closedMu.Unlock()
		return ErrClosed
	}
	c.isClosed = true
	c.closedMu.Unlock()

	c.config.logger.Info("Client: closing")

	if conn := c.getConn(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.clientCancel()
	c.pumpWg.Wait()
	c.dispatchWg.Wait()

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	c.stateMu.Lock()
	if c.lostTimer != nil {
		c.lostTimer.Stop()
		c.lostTimer = nil
	}
	c.state = StatusDisconnected
	c.stateMu.Unlock()
	c.notifyStatus()
	return nil
}

func validTopics(topics []string) error {
	if len(topics) == 0 {
		return errors.New("no topics given")
	}
	for _, t := range topics {
		if t == "" {
			return errors.New("empty topic name")
		}
	}
	return nil
}

// shouldProcess reports whether an event with seq is new relative to the
// lastProcessed cursor. Redelivered events carry a seq at or below the
// cursor.
func shouldProcess(seq uint64, lastProcessed int64) bool {
	return int64(seq) > lastProcessed
}

// backoffDelay returns the wait before reconnect attempt number attempt
// (zero-based): base doubled per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
