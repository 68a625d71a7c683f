// Package dispatch consumes inbound frames, routes events to user
// callbacks and resolves correlated command responses.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"em-agg-sdk/internal/metrics"
	"em-agg-sdk/internal/types"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 5
)

// Dispatcher is a single-consumer queue. The transport reader pushes raw
// frames; the consumer classifies each frame as an event or a correlated
// response. Events refresh the snapshot hook synchronously, then the user
// callback runs on a bounded worker pool so a slow strategy cannot stall
// frame delivery. Responses complete the pending-transaction table.
type Dispatcher struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	queue   chan json.RawMessage
	tasks   chan func()
	pending *PendingTable
	workers int

	mu       sync.RWMutex
	preEvent func(*types.Event)
	onEvent  func(*types.Event)
}

func New(log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Dispatcher{
		log:     log,
		metrics: m,
		queue:   make(chan json.RawMessage, defaultQueueSize),
		tasks:   make(chan func(), defaultQueueSize),
		pending: NewPendingTable(),
		workers: defaultWorkers,
	}
}

// SetHooks installs the snapshot refresher and the callback router. The
// pre-event hook runs on the consumer before the callback is scheduled, so
// fee queries inside a callback see the snapshot delivered with its event.
func (d *Dispatcher) SetHooks(preEvent, onEvent func(*types.Event)) {
	d.mu.Lock()
	d.preEvent = preEvent
	d.onEvent = onEvent
	d.mu.Unlock()
}

// Pending exposes the transaction table to the session owner.
func (d *Dispatcher) Pending() *PendingTable {
	return d.pending
}

// Push enqueues one raw frame. Blocks when the queue is full; the transport
// reader is the only writer, so per-session ordering is preserved.
func (d *Dispatcher) Push(msg json.RawMessage) {
	d.queue <- msg
}

// Run consumes the queue until the context ends. In-flight transactions
// fail with a transport-closed error on the way out.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-d.tasks:
					task()
				}
			}
		}()
	}
	defer func() {
		d.pending.FailAll(nil)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg json.RawMessage) {
	var head struct {
		Event         string `json:"event"`
		Command       string `json:"command"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		d.log.Warn("malformed inbound frame", zap.Error(err))
		d.metrics.ResponsesDiscarded.Inc()
		return
	}
	switch {
	case head.Event != "":
		d.handleEvent(ctx, msg)
	case head.TransactionID != "":
		if !d.pending.Resolve(head.TransactionID, msg) {
			d.log.Warn("response without pending transaction",
				zap.String("command", head.Command),
				zap.String("transaction_id", head.TransactionID))
			d.metrics.ResponsesDiscarded.Inc()
		}
	default:
		d.log.Warn("unknown event type", zap.ByteString("frame", truncate(msg, 256)))
		d.metrics.ResponsesDiscarded.Inc()
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, msg json.RawMessage) {
	var event types.Event
	if err := json.Unmarshal(msg, &event); err != nil {
		d.log.Warn("malformed event payload", zap.Error(err))
		d.metrics.ResponsesDiscarded.Inc()
		return
	}
	event.Raw = append(json.RawMessage(nil), msg...)

	d.mu.RLock()
	preEvent := d.preEvent
	onEvent := d.onEvent
	d.mu.RUnlock()

	if preEvent != nil {
		preEvent(&event)
	}
	d.metrics.EventsDispatched.Inc()
	if onEvent == nil {
		return
	}
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				d.metrics.CallbackFailures.Inc()
				d.log.Error("event callback panicked",
					zap.String("event", string(event.Event)),
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		onEvent(&event)
	}
	// The workers exit with the context; blocking on a full pool here
	// would wedge the consumer on shutdown.
	select {
	case d.tasks <- task:
	case <-ctx.Done():
	}
}

func truncate(msg json.RawMessage, limit int) []byte {
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}
