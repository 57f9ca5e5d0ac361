package hub

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/specdeck/specdeck/pkg/wire"
)

// fakeTransport is an in-memory transport for exercising registry, command,
// and heartbeat behavior without a network.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte

	mu        sync.Mutex
	pings     int
	pingBlock bool
	pingErr   error
	closed    bool
	code      websocket.StatusCode
	reason    string
	closedCh  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closedCh:
		return nil, net.ErrClosed
	case msg := <-f.inbound:
		return msg, nil
	}
}

func (f *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.closedCh:
		return net.ErrClosed
	case f.outbound <- data:
		return nil
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pings++
	block := f.pingBlock
	err := f.pingErr
	f.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closedCh:
			return net.ErrClosed
		}
	}
	return err
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.closed = true
	f.code = code
	f.reason = reason
	close(f.closedCh)
	return nil
}

func (f *fakeTransport) setPingBlock(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingBlock = block
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) closeStatus() (websocket.StatusCode, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason, f.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := New(append([]Option{WithLogger(testLogger())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

// registerConn registers a connection backed by a fake transport without
// starting its pumps, so queued frames can be inspected directly.
func registerConn(t *testing.T, h *Hub, sessionID string) (*Conn, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	if sessionID == "" {
		sessionID = newID()
	}
	c := newConn(h.ctx, sessionID, "fake:0", f, h.cfg)
	if err := h.AddConnection(c); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	return c, f
}

// startConn registers a connection and starts its pumps, mirroring what the
// upgrade handler does for a real socket.
func startConn(t *testing.T, h *Hub) (*Conn, *fakeTransport) {
	t.Helper()
	c, f := registerConn(t, h, "")
	h.start(c)
	return c, f
}

// nextQueued pops the next frame from an unpumped connection's send queue and
// requires it to be a broadcast event.
func nextQueued(t *testing.T, c *Conn) *wire.Event {
	t.Helper()
	select {
	case msg := <-c.send:
		ev, ok := msg.(*wire.Event)
		if !ok {
			t.Fatalf("queued frame is %T, want *wire.Event", msg)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued event")
		return nil
	}
}

// readFrame reads and decodes the next frame written to a pumped connection's
// transport.
func readFrame(t *testing.T, f *fakeTransport) wire.ServerFrame {
	t.Helper()
	select {
	case raw := <-f.outbound:
		frame, err := wire.DecodeServerFrame(raw)
		if err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return wire.ServerFrame{}
	}
}

// readAck reads frames until it finds a command ack.
func readAck(t *testing.T, f *fakeTransport) *wire.Ack {
	t.Helper()
	for i := 0; i < 8; i++ {
		frame := readFrame(t, f)
		if frame.Ack != nil {
			return frame.Ack
		}
	}
	t.Fatal("no ack frame observed")
	return nil
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
