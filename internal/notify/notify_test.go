package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	calls  atomic.Int32
	failN  int32 // fail the first failN calls
	block  bool  // block until the attempt context ends
}

func (r *recorder) Notify(ctx context.Context, ev Event) error {
	n := r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= r.failN {
		return errors.New("sink unavailable")
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) delivered() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDispatcher(t *testing.T, sink Notifier, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	sink := &recorder{failN: 2}
	d := startDispatcher(t, sink, DispatcherConfig{Attempts: 3, RetryWait: time.Millisecond})

	if err := d.Notify(context.Background(), Event{Type: EventDuelWon, DuelID: 7, Participant: "alice"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(sink.delivered()) == 1 })

	if got := sink.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	ev := sink.delivered()[0]
	if ev.DuelID != 7 || ev.At.IsZero() {
		t.Errorf("unexpected delivered event: %+v", ev)
	}
}

func TestDispatcher_DropsAfterBoundedAttempts(t *testing.T) {
	sink := &recorder{failN: 1 << 30}
	d := startDispatcher(t, sink, DispatcherConfig{Attempts: 2, RetryWait: time.Millisecond})

	d.Notify(context.Background(), Event{Type: EventDuelLost, DuelID: 1})
	waitFor(t, "two attempts", func() bool { return sink.calls.Load() >= 2 })
	time.Sleep(50 * time.Millisecond)

	if got := sink.calls.Load(); got != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", got)
	}
	if len(sink.delivered()) != 0 {
		t.Error("failing sink should not record deliveries")
	}
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	sink := &recorder{block: true}
	d := startDispatcher(t, sink, DispatcherConfig{Attempts: 2, Timeout: 10 * time.Millisecond, RetryWait: time.Millisecond})

	start := time.Now()
	d.Notify(context.Background(), Event{Type: EventDuelWon, DuelID: 1})
	waitFor(t, "both attempts to time out", func() bool { return sink.calls.Load() >= 2 })
	if time.Since(start) > time.Second {
		t.Errorf("blocking sink held the dispatcher for %v", time.Since(start))
	}
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	// No Run loop: the queue fills and further events are dropped.
	d := NewDispatcher(&recorder{}, DispatcherConfig{QueueSize: 2})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), Event{Type: EventTradeRecorded, DuelID: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	if len(d.queue) != 2 {
		t.Errorf("expected 2 queued events, got %d", len(d.queue))
	}
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &recorder{}
	d := NewDispatcher(sink, DispatcherConfig{})
	d.Notify(context.Background(), Event{Type: EventDuelRefunded, DuelID: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	if len(sink.delivered()) != 1 {
		t.Errorf("expected queued event delivered on shutdown, got %d", len(sink.delivered()))
	}
}

func TestFanout_RetriesOnlyFailingSink(t *testing.T) {
	flaky := &recorder{failN: 2}
	healthy := &recorder{}
	f := NewFanout(DispatcherConfig{Attempts: 3, RetryWait: time.Millisecond}, healthy, flaky)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer func() {
		cancel()
		<-f.Done()
	}()

	f.Notify(context.Background(), Event{Type: EventDuelWon, DuelID: 9, Participant: "alice"})

	waitFor(t, "flaky sink delivery", func() bool { return len(flaky.delivered()) == 1 })
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("flaky sink attempts = %d, want 3", got)
	}
	if got := healthy.calls.Load(); got != 1 {
		t.Errorf("healthy sink saw the event %d times, want 1", got)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_KeysByDuel(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w}

	err := n.Notify(context.Background(), Event{Type: EventDuelWon, DuelID: 42, Participant: "alice", Metadata: map[string]string{"payout": "198"}})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "42" {
		t.Errorf("key = %q, want 42", msg.Key)
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Type != EventDuelWon || ev.Metadata["payout"] != "198" {
		t.Errorf("unexpected payload: %+v", ev)
	}

	w.err = errors.New("leader not available")
	if err := n.Notify(context.Background(), Event{Type: EventDuelLost, DuelID: 42}); err == nil {
		t.Error("expected writer error to propagate to the dispatcher")
	}
}

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("unexpected brokers: %v", got)
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	hub.Notify(context.Background(), Event{Type: EventTradeRecorded, DuelID: 9, Participant: "bob"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventTradeRecorded || ev.DuelID != 9 || ev.Participant != "bob" {
		t.Errorf("unexpected event: %+v", ev)
	}
}
