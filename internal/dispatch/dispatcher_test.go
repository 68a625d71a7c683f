package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"em-agg-sdk/internal/metrics"
	"em-agg-sdk/internal/types"

	"go.uber.org/zap"
)

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc() { c.n.Add(1) }

func countingMetrics() (*metrics.Metrics, map[string]*countingCounter) {
	counters := map[string]*countingCounter{
		"dispatched": {},
		"failures":   {},
		"discarded":  {},
	}
	m := metrics.NewNoop()
	m.EventsDispatched = counters["dispatched"]
	m.CallbackFailures = counters["failures"]
	m.ResponsesDiscarded = counters["discarded"]
	return m, counters
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
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

func TestDispatcherRoutesEvents(t *testing.T) {
	m, counters := countingMetrics()
	d := New(zap.NewNop(), m)

	var mu sync.Mutex
	var preOrder, onOrder []types.EventType
	d.SetHooks(
		func(ev *types.Event) {
			mu.Lock()
			preOrder = append(preOrder, ev.Event)
			mu.Unlock()
		},
		func(ev *types.Event) {
			mu.Lock()
			onOrder = append(onOrder, ev.Event)
			mu.Unlock()
		},
	)
	runDispatcher(t, d)

	d.Push(json.RawMessage(`{"event":"tick","slot_completion":"10%"}`))
	waitFor(t, "callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(onOrder) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(preOrder) != 1 || preOrder[0] != types.EventTick || onOrder[0] != types.EventTick {
		t.Fatalf("unexpected hook order: pre=%v on=%v", preOrder, onOrder)
	}
	if counters["dispatched"].n.Load() != 1 {
		t.Fatalf("expected one dispatched event")
	}
}

func TestDispatcherResolvesResponses(t *testing.T) {
	m, _ := countingMetrics()
	d := New(zap.NewNop(), m)
	runDispatcher(t, d)

	if err := d.Pending().Register("tx-9", "bid"); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Push(json.RawMessage(`{"command":"bid","transaction_id":"tx-9","status":"ready"}`))
	got, err := d.Pending().Wait(context.Background(), "bid", "tx-9", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	var resp types.CommandResponse
	if err := json.Unmarshal(got, &resp); err != nil || resp.Status != "ready" {
		t.Fatalf("unexpected response %s err=%v", got, err)
	}
}

func TestDispatcherDiscardsUncorrelated(t *testing.T) {
	m, counters := countingMetrics()
	d := New(zap.NewNop(), m)
	runDispatcher(t, d)

	d.Push(json.RawMessage(`{"command":"bid","transaction_id":"unknown"}`))
	d.Push(json.RawMessage(`{"neither":"event nor response"}`))
	d.Push(json.RawMessage(`not json`))
	waitFor(t, "discard counter", func() bool {
		return counters["discarded"].n.Load() == 3
	})
}

func TestDispatcherSurvivesCallbackPanic(t *testing.T) {
	m, counters := countingMetrics()
	d := New(zap.NewNop(), m)

	var handled atomic.Int64
	d.SetHooks(nil, func(ev *types.Event) {
		if handled.Add(1) == 1 {
			panic("strategy bug")
		}
	})
	runDispatcher(t, d)

	d.Push(json.RawMessage(`{"event":"tick"}`))
	d.Push(json.RawMessage(`{"event":"tick"}`))
	waitFor(t, "second callback", func() bool {
		return handled.Load() == 2
	})
	if counters["failures"].n.Load() != 1 {
		t.Fatalf("expected one recorded panic, got %d", counters["failures"].n.Load())
	}
}

func TestDispatcherFailsPendingOnShutdown(t *testing.T) {
	m, _ := countingMetrics()
	d := New(zap.NewNop(), m)
	cancel := runDispatcher(t, d)

	if err := d.Pending().Register("tx-1", "bid"); err != nil {
		t.Fatalf("register: %v", err)
	}
	cancel()
	waitFor(t, "pending table close", func() bool {
		return d.Pending().Register("tx-2", "bid") != nil
	})
}

func TestRunReturnsWhenPoolIsFullOnCancel(t *testing.T) {
	d := New(zap.NewNop(), nil)
	// No workers drain the pool and the channel has no slack, so the
	// consumer blocks on the very first scheduled callback.
	d.workers = 0
	d.tasks = make(chan func())
	d.SetHooks(nil, func(*types.Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Push(json.RawMessage(`{"event":"tick"}`))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation with a full callback pool")
	}
}
