package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/specdeck/specdeck/pkg/wire"
)

func TestAddConnectionDuplicateSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	registerConn(t, h, "session-1")
	f := newFakeTransport()
	dup := newConn(h.ctx, "session-1", "fake:1", f, h.cfg)
	if err := h.AddConnection(dup); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("AddConnection duplicate = %v, want ErrSessionExists", err)
	}
	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	if err := h.Subscribe("nope", []string{"files:updates"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Subscribe = %v, want ErrUnknownSession", err)
	}
	if err := h.Unsubscribe("nope", []string{"files:updates"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Unsubscribe = %v, want ErrUnknownSession", err)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, _ := registerConn(t, h, "")

	for i := 0; i < 3; i++ {
		if err := h.Subscribe(c.SessionID(), []string{"files:updates"}); err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
	}
	if got := c.Topics(); len(got) != 1 || got[0] != "files:updates" {
		t.Fatalf("Topics = %v, want [files:updates]", got)
	}

	n, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 1 {
		t.Fatalf("Broadcast delivered %d, want 1 (duplicate subscription must not double-deliver)", n)
	}
}

func TestUnsubscribeUnknownTopicIsNoop(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, _ := registerConn(t, h, "")

	if err := h.Subscribe(c.SessionID(), []string{"inbox:updates"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.Unsubscribe(c.SessionID(), []string{"never:subscribed"}); err != nil {
		t.Fatalf("Unsubscribe unknown topic: %v", err)
	}
	if got := c.Topics(); len(got) != 1 || got[0] != "inbox:updates" {
		t.Fatalf("Topics = %v, want [inbox:updates]", got)
	}
}

func TestBroadcastTopicIsolation(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	a, _ := registerConn(t, h, "")
	b, _ := registerConn(t, h, "")

	if err := h.Subscribe(a.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := h.Subscribe(b.SessionID(), []string{"inbox:updates"}); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	n, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", map[string]string{"path": "specs/auth.md"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", n)
	}

	ev := nextQueued(t, a)
	if ev.Topic != "files:updates" || ev.Event != "spec_updated" {
		t.Fatalf("event = %s/%s, want files:updates/spec_updated", ev.Topic, ev.Event)
	}
	if len(b.send) != 0 {
		t.Fatalf("connection b received %d frames for a topic it never subscribed to", len(b.send))
	}
}

func TestBroadcastAssignsPerConnectionSequence(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	a, _ := registerConn(t, h, "")
	b, _ := registerConn(t, h, "")

	if err := h.Subscribe(a.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}

	// b joins the topic two events late, so its sequence trails a's.
	for i := 0; i < 2; i++ {
		if _, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", map[string]int{"rev": i}); err != nil {
			t.Fatalf("Broadcast #%d: %v", i, err)
		}
	}
	if err := h.Subscribe(b.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	if _, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", map[string]int{"rev": 2}); err != nil {
		t.Fatalf("Broadcast #2: %v", err)
	}

	for want := uint64(0); want < 3; want++ {
		ev := nextQueued(t, a)
		if ev.Seq != want {
			t.Fatalf("a seq = %d, want %d", ev.Seq, want)
		}
		if ev.MsgID == "" {
			t.Fatal("event missing msg_id")
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("event missing timestamp")
		}
	}

	ev := nextQueued(t, b)
	if ev.Seq != 0 {
		t.Fatalf("b first seq = %d, want 0 (sequence is per connection)", ev.Seq)
	}
	var payload struct {
		Rev int `json:"rev"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if payload.Rev != 2 {
		t.Fatalf("payload rev = %d, want 2", payload.Rev)
	}
}

func TestBroadcastSharesMessageID(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	a, _ := registerConn(t, h, "")
	b, _ := registerConn(t, h, "")

	for _, c := range []*Conn{a, b} {
		if err := h.Subscribe(c.SessionID(), []string{"files:errors"}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if _, err := h.Broadcast(context.Background(), "files:errors", "parse_error", nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	evA, evB := nextQueued(t, a), nextQueued(t, b)
	if evA.MsgID != evB.MsgID {
		t.Fatalf("msg_id differs across subscribers: %s vs %s", evA.MsgID, evB.MsgID)
	}
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, WithSendBuffer(2))
	c, _ := registerConn(t, h, "")

	if err := h.Subscribe(c.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		n, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", map[string]int{"rev": i})
		if err != nil {
			t.Fatalf("Broadcast #%d: %v", i, err)
		}
		want := 1
		if i == 2 {
			want = 0 // queue full, frame dropped for this connection
		}
		if n != want {
			t.Fatalf("Broadcast #%d delivered %d, want %d", i, n, want)
		}
	}

	if got := c.Seq(); got != 2 {
		t.Fatalf("seq after drop = %d, want 2 (dropped frames must not consume sequence numbers)", got)
	}
	if stats := h.Stats(); stats.EventsDropped != 1 {
		t.Fatalf("EventsDropped = %d, want 1", stats.EventsDropped)
	}

	// Drain one slot; the next broadcast takes the next sequence number with
	// no gap visible to the consumer.
	if ev := nextQueued(t, c); ev.Seq != 0 {
		t.Fatalf("first queued seq = %d, want 0", ev.Seq)
	}
	if _, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", map[string]int{"rev": 3}); err != nil {
		t.Fatalf("Broadcast after drain: %v", err)
	}
	if ev := nextQueued(t, c); ev.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev.Seq)
	}
	if ev := nextQueued(t, c); ev.Seq != 2 {
		t.Fatalf("seq = %d, want 2", ev.Seq)
	}
}

func TestBroadcastNoSubscribers(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	registerConn(t, h, "")

	n, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 0 {
		t.Fatalf("Broadcast delivered %d, want 0", n)
	}
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, f := registerConn(t, h, "")

	if err := h.Subscribe(c.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.RemoveConnection(c.SessionID())
	h.RemoveConnection(c.SessionID())

	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}
	code, _, closed := f.closeStatus()
	if !closed {
		t.Fatal("transport not closed after removal")
	}
	if code != websocket.StatusNormalClosure {
		t.Fatalf("close code = %d, want %d", code, websocket.StatusNormalClosure)
	}

	// The topic index must not retain the removed connection.
	n, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 0 {
		t.Fatalf("Broadcast after removal delivered %d, want 0", n)
	}
}

func TestEvictClosesWithGoingAway(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, f := registerConn(t, h, "")

	h.Evict(c.SessionID(), "heartbeat timeout")

	code, reason, closed := f.closeStatus()
	if !closed {
		t.Fatal("transport not closed after eviction")
	}
	if code != websocket.StatusGoingAway {
		t.Fatalf("close code = %d, want %d", code, websocket.StatusGoingAway)
	}
	if reason != "heartbeat timeout" {
		t.Fatalf("close reason = %q, want %q", reason, "heartbeat timeout")
	}
	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}
	if stats := h.Stats(); stats.Evictions != 1 {
		t.Fatalf("Evictions = %d, want 1", stats.Evictions)
	}

	// Evicting again is harmless.
	h.Evict(c.SessionID(), "heartbeat timeout")
}

func TestConnectedFrameIsFirst(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, f := startConn(t, h)

	frame := readFrame(t, f)
	if frame.Connected == nil {
		t.Fatalf("first frame is not the connected hello: %+v", frame)
	}
	if frame.Connected.SessionID != c.SessionID() {
		t.Fatalf("hello session_id = %q, want %q", frame.Connected.SessionID, c.SessionID())
	}

	if err := h.Subscribe(c.SessionID(), []string{"inbox:updates"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Broadcast(context.Background(), "inbox:updates", "task_added", nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	frame = readFrame(t, f)
	if frame.Event == nil {
		t.Fatalf("second frame is not a broadcast event: %+v", frame)
	}
	if frame.Event.Seq != 0 {
		t.Fatalf("first event seq = %d, want 0", frame.Event.Seq)
	}
}

func TestShutdownClosesAllConnections(t *testing.T) {
	t.Parallel()
	h := New(WithLogger(testLogger()))
	_, f1 := startConn(t, h)
	_, f2 := startConn(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, f := range []*fakeTransport{f1, f2} {
		code, reason, closed := f.closeStatus()
		if !closed {
			t.Fatalf("transport %d not closed after shutdown", i)
		}
		if code != websocket.StatusNormalClosure {
			t.Fatalf("transport %d close code = %d, want %d", i, code, websocket.StatusNormalClosure)
		}
		if reason != "server shutting down" {
			t.Fatalf("transport %d close reason = %q", i, reason)
		}
	}
	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}

	c := newConn(context.Background(), newID(), "fake:9", newFakeTransport(), h.cfg)
	if err := h.AddConnection(c); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("AddConnection after shutdown = %v, want ErrHubClosed", err)
	}
	if _, err := h.Broadcast(context.Background(), "files:updates", "spec_updated", nil); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Broadcast after shutdown = %v, want ErrHubClosed", err)
	}

	// Shutdown is idempotent.
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestConcurrentBroadcastKeepsOrdering(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c, f := startConn(t, h)

	if frame := readFrame(t, f); frame.Connected == nil {
		t.Fatalf("expected hello frame, got %+v", frame)
	}
	if err := h.Subscribe(c.SessionID(), []string{"files:updates"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var seqs []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case raw := <-f.outbound:
				frame, err := wire.DecodeServerFrame(raw)
				if err != nil || frame.Event == nil {
					continue
				}
				seqs = append(seqs, frame.Event.Seq)
			case <-time.After(300 * time.Millisecond):
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 3; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = h.Broadcast(context.Background(), "files:updates", "spec_updated",
					map[string]string{"from": fmt.Sprintf("g%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()
	<-done

	if len(seqs) == 0 {
		t.Fatal("no events observed")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing at %d: %v", i, seqs[i-1:i+1])
		}
	}
}

func TestConcurrentSubscribeAndRemove(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = h.Broadcast(context.Background(), "files:updates", "spec_updated", nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c := newConn(h.ctx, newID(), "fake:0", newFakeTransport(), h.cfg)
			if err := h.AddConnection(c); err != nil {
				return
			}
			if err := h.Subscribe(c.SessionID(), []string{"files:updates"}); err != nil {
				return
			}
			h.RemoveConnection(c.SessionID())
		}
	}()
	wg.Wait()

	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}
}
