package events_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/specdeck/specdeck/internal/events"
	"github.com/specdeck/specdeck/pkg/client"
	"github.com/specdeck/specdeck/pkg/hub"
	"github.com/specdeck/specdeck/pkg/testutil"
	"github.com/specdeck/specdeck/pkg/wire"
)

type collector struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *collector) handle(ev events.Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.got...)
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := events.NewBus(0, testutil.Logger())
	t.Cleanup(bus.Close)

	col := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := bus.Subscribe(ctx, col.handle, wire.TopicFileUpdates); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{
			Topic: wire.TopicFileUpdates,
			Name:  events.FileChanged,
			Data:  events.FileUpdate{Path: "specs/a.md", Change: "write"},
		})
	}
	bus.Publish(events.Event{Topic: wire.TopicInboxUpdates, Name: events.InboxChanged})

	if err := testutil.WaitFor(t, "five events", 2*time.Second, func() bool {
		return col.count() == 5
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := col.count(); got != 5 {
		t.Fatalf("received %d events, want 5 (other topics must not leak)", got)
	}
	for _, ev := range col.snapshot() {
		if ev.Topic != wire.TopicFileUpdates || ev.Name != events.FileChanged {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestBusSubscribeValidation(t *testing.T) {
	bus := events.NewBus(0, testutil.Logger())
	t.Cleanup(bus.Close)

	ctx := context.Background()
	if err := bus.Subscribe(ctx, func(events.Event) {}); err == nil {
		t.Error("expected error for no topics")
	}
	if err := bus.Subscribe(ctx, func(events.Event) {}, ""); err == nil {
		t.Error("expected error for empty topic")
	}
	if err := bus.Subscribe(ctx, nil, wire.TopicFileUpdates); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestBusCancelDetachesSubscriber(t *testing.T) {
	bus := events.NewBus(0, testutil.Logger())
	t.Cleanup(bus.Close)

	col := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	if err := bus.Subscribe(ctx, col.handle, wire.TopicFileUpdates); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(events.Event{Topic: wire.TopicFileUpdates, Name: events.FileChanged})
	if err := testutil.WaitFor(t, "first event", 2*time.Second, func() bool {
		return col.count() == 1
	}); err != nil {
		t.Fatal(err)
	}

	cancel()

	// Detachment is asynchronous; probe until deliveries stop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		before := col.count()
		bus.Publish(events.Event{Topic: wire.TopicFileUpdates, Name: events.FileChanged})
		time.Sleep(30 * time.Millisecond)
		if col.count() == before {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber still receiving events after context cancel")
		}
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := events.NewBus(0, testutil.Logger())

	col := &collector{}
	ctx := context.Background()
	if err := bus.Subscribe(ctx, col.handle, wire.TopicFileUpdates); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Close()

	// Publishing after close must not block or panic.
	bus.Publish(events.Event{Topic: wire.TopicFileUpdates, Name: events.FileChanged})
	time.Sleep(20 * time.Millisecond)
	if got := col.count(); got != 0 {
		t.Fatalf("received %d events after close", got)
	}
}

func TestBridgeForwardsToHub(t *testing.T) {
	h := hub.New(hub.WithLogger(testutil.Logger()))
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", h.UpgradeHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		ts.Close()
	})

	var (
		mu  sync.Mutex
		got []wire.Event
	)
	cli, err := client.Connect(
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws",
		client.WithLogger(testutil.Logger()),
		client.WithEventHandler(func(ev wire.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	if err := cli.Subscribe(context.Background(), wire.TopicFileUpdates); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus := events.NewBus(0, testutil.Logger())
	t.Cleanup(bus.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := events.NewBridge(h, testutil.Logger()).Attach(ctx, bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for _, path := range []string{"specs/auth.md", "specs/billing.md", "tasks/t-1.yaml"} {
		bus.Publish(events.Event{
			Topic: wire.TopicFileUpdates,
			Name:  events.FileChanged,
			Data:  events.FileUpdate{Path: path, Change: "write"},
		})
	}
	// Not subscribed on the client, must not arrive.
	bus.Publish(events.Event{
		Topic: wire.TopicFileErrors,
		Name:  events.FileError,
		Data:  events.FileFailure{Path: "specs/bad.md", Error: "yaml: line 3"},
	})

	if err := testutil.WaitFor(t, "bridged events", 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	wantPaths := []string{"specs/auth.md", "specs/billing.md", "tasks/t-1.yaml"}
	for i, ev := range got {
		if ev.Seq != uint64(i) {
			t.Errorf("event %d: seq = %d, want %d", i, ev.Seq, i)
		}
		if ev.Event != events.FileChanged {
			t.Errorf("event %d: name = %q", i, ev.Event)
		}
		var payload events.FileUpdate
		if err := ev.DecodeData(&payload); err != nil {
			t.Fatalf("DecodeData: %v", err)
		}
		if payload.Path != wantPaths[i] {
			t.Errorf("event %d: path = %q, want %q", i, payload.Path, wantPaths[i])
		}
	}
}

func TestDaemonTopics(t *testing.T) {
	topics := events.Topics()
	want := map[string]bool{
		wire.TopicFileUpdates:  true,
		wire.TopicFileErrors:   true,
		wire.TopicInboxUpdates: true,
	}
	if len(topics) != len(want) {
		t.Fatalf("Topics() = %v", topics)
	}
	for _, tp := range topics {
		if !want[tp] {
			t.Errorf("unexpected topic %q", tp)
		}
	}
}
