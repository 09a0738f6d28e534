package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type fakeNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	seen []string
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, n.Event.AlertID)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func note(id string) *Notification {
	return &Notification{
		Alert: &Alert{ID: id},
		Event: &WorkflowEvent{AlertID: id, Action: ActionCreated},
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	t.Parallel()

	ok := &fakeNotifier{name: "ok"}
	failing := &fakeNotifier{name: "failing", err: errors.New("boom")}

	var mu sync.Mutex
	sent, failed := map[string]int{}, map[string]int{}
	hooks := DispatchHooks{
		OnSent:   func(s string, _ float64) { mu.Lock(); sent[s]++; mu.Unlock() },
		OnFailed: func(s string) { mu.Lock(); failed[s]++; mu.Unlock() },
	}

	d := NewDispatcher(DispatcherConfig{QueueSize: 8}, log.Nop(), hooks, failing, ok)
	d.Publish(context.Background(), note("a-1"))
	d.Publish(context.Background(), note("a-2"))
	d.Flush(context.Background())

	if ok.count() != 2 {
		t.Errorf("ok sink got %d, want 2 (a failing sink must not block others)", ok.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if sent["ok"] != 2 || failed["failing"] != 2 {
		t.Errorf("sent=%v failed=%v", sent, failed)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	t.Parallel()

	var dropped int
	d := NewDispatcher(DispatcherConfig{QueueSize: 1}, log.Nop(), DispatchHooks{
		OnDropped: func() { dropped++ },
	}, &fakeNotifier{name: "sink"})

	d.Publish(context.Background(), note("a-1"))
	d.Publish(context.Background(), note("a-2"))

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if d.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", d.Pending())
	}
}

func TestDispatcher_NoSinksIsNoop(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{QueueSize: 1}, log.Nop(), DispatchHooks{})
	for range 5 {
		d.Publish(context.Background(), note("a-1"))
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", d.Pending())
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	sink := &fakeNotifier{name: "sink"}
	d := NewDispatcher(DispatcherConfig{}, log.Nop(), DispatchHooks{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish(context.Background(), note("a-1"))
	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("notification not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDispatcher_FlushDeliversEventHeldAtCancel(t *testing.T) {
	t.Parallel()

	sink := &fakeNotifier{name: "sink"}
	var dropped int
	d := NewDispatcher(DispatcherConfig{QueueSize: 8, RatePerSec: 1, Burst: 1}, log.Nop(), DispatchHooks{
		OnDropped: func() { dropped++ },
	}, sink)

	for _, id := range []string{"e1", "e2", "e3"} {
		d.Publish(context.Background(), note(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// e1 goes out on the burst token; Run then waits on the limiter with e2.
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fcancel()
	d.Flush(fctx)

	sink.mu.Lock()
	seen := append([]string(nil), sink.seen...)
	sink.mu.Unlock()
	got := map[string]bool{}
	for _, id := range seen {
		got[id] = true
	}
	if len(seen) != 3 || !got["e1"] || !got["e2"] || !got["e3"] {
		t.Errorf("delivered %v, want e1 e2 e3 exactly once", seen)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", d.Pending())
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestDispatcher_RequeueDropsWhenFull(t *testing.T) {
	t.Parallel()

	var dropped int
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, RatePerSec: 0.001, Burst: 1}, log.Nop(), DispatchHooks{
		OnDropped: func() { dropped++ },
	}, &fakeNotifier{name: "sink"})

	// spend the only token so the next wait cannot succeed
	if !d.limiter.Allow() {
		t.Fatal("limiter had no initial token")
	}
	d.Publish(context.Background(), note("queued"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d.deliver(ctx, note("held")) {
		t.Fatal("deliver succeeded with a cancelled context")
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if d.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", d.Pending())
	}
}
