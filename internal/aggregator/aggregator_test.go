package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"em-agg-sdk/internal/commands"
	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []fakeRequest
	batches  [][]byte

	requestFn func(areaID, endpoint string, payload map[string]any) (json.RawMessage, error)
	batchErr  error
	onBatch   func(payload []byte)
}

type fakeRequest struct {
	areaID   string
	endpoint string
	payload  map[string]any
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, sessionID string, handler func(json.RawMessage)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Request(_ context.Context, areaID, endpoint string, payload map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{areaID: areaID, endpoint: endpoint, payload: payload})
	f.mu.Unlock()
	if f.requestFn != nil {
		return f.requestFn(areaID, endpoint, payload)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) SendBatch(_ context.Context, _ string, payload []byte) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.mu.Lock()
	f.batches = append(f.batches, payload)
	f.mu.Unlock()
	if f.onBatch != nil {
		f.onBatch(payload)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestAggregator(tr *fakeTransport) *Aggregator {
	agg := New(tr, zap.NewNop(), Options{
		Name:             "test-agg",
		SimulationID:     "sim-1",
		AcceptAllDevices: true,
	})
	agg.setUUID("agg-1")
	return agg
}

func selectDevice(agg *Aggregator, deviceUUID string) {
	agg.beforeEvent(&types.Event{Event: types.EventSelected, DeviceUUID: deviceUUID})
}

func TestResolveUUIDAdoptsListedAggregator(t *testing.T) {
	tr := &fakeTransport{
		requestFn: func(_, endpoint string, _ map[string]any) (json.RawMessage, error) {
			if endpoint != "list-aggregators" {
				t.Errorf("unexpected endpoint %s", endpoint)
			}
			return json.RawMessage(`[{"name":"test-agg","uuid":"existing-1"},{"name":"other","uuid":"x"}]`), nil
		},
	}
	agg := New(tr, zap.NewNop(), Options{Name: "test-agg", SimulationID: "sim-1"})
	if err := agg.resolveUUID(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if agg.UUID() != "existing-1" {
		t.Fatalf("expected adopted uuid, got %s", agg.UUID())
	}
}

func TestResolveUUIDCreatesWhenMissing(t *testing.T) {
	tr := &fakeTransport{
		requestFn: func(_, endpoint string, payload map[string]any) (json.RawMessage, error) {
			switch endpoint {
			case "list-aggregators":
				return json.RawMessage(`[]`), nil
			case "create-aggregator":
				if payload["name"] != "test-agg" {
					t.Errorf("create must carry the name, got %v", payload)
				}
				return json.RawMessage(`{"uuid":"fresh-1"}`), nil
			default:
				t.Errorf("unexpected endpoint %s", endpoint)
				return nil, nil
			}
		},
	}
	agg := New(tr, zap.NewNop(), Options{Name: "test-agg", SimulationID: "sim-1"})
	if err := agg.resolveUUID(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if agg.UUID() != "fresh-1" {
		t.Fatalf("expected created uuid, got %s", agg.UUID())
	}
}

func TestExecuteBatchSendsAndCorrelates(t *testing.T) {
	tr := &fakeTransport{}
	agg := newTestAggregator(tr)
	selectDevice(agg, "load-1")

	tr.onBatch = func(payload []byte) {
		var envelope types.BatchEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Errorf("envelope unmarshal: %v", err)
			return
		}
		if envelope.Type != types.BatchEnvelopeType || envelope.AggregatorUUID != "agg-1" {
			t.Errorf("unexpected envelope: %+v", envelope)
		}
		response := map[string]any{
			"aggregator_uuid": "agg-1",
			"transaction_id":  envelope.TransactionID,
			"responses": map[string]any{
				"load-1": []map[string]any{{"command": "bid", "status": "ready"}},
			},
		}
		raw, _ := json.Marshal(response)
		go agg.dispatcher.Pending().Resolve(envelope.TransactionID, raw)
	}

	agg.Batch().BidEnergy("load-1", commands.Order{
		Energy: decimal.NewFromInt(2),
		Price:  decimal.NewFromInt(30),
	})

	resp, err := agg.ExecuteBatch(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	results := resp.Responses["load-1"]
	if len(results) != 1 || results[0].Command != "bid" || results[0].Status != "ready" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if agg.Batch().Len() != 0 {
		t.Fatalf("buffer must be cleared after success")
	}
}

func TestExecuteBatchEmptyBufferIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	agg := newTestAggregator(tr)
	resp, err := agg.ExecuteBatch(context.Background())
	if err != nil || resp != nil {
		t.Fatalf("empty buffer must return (nil, nil), got %v %v", resp, err)
	}
	if len(tr.batches) != 0 {
		t.Fatalf("nothing must be sent")
	}
}

func TestExecuteBatchGatesUnselectedAreas(t *testing.T) {
	tr := &fakeTransport{}
	agg := newTestAggregator(tr)
	selectDevice(agg, "battery-1")

	agg.Batch().BidEnergyRate("battery-2", decimal.NewFromInt(25), decimal.NewFromInt(1))
	_, err := agg.ExecuteBatch(context.Background())
	if !errors.Is(err, errs.ErrNotSelected) {
		t.Fatalf("expected ErrNotSelected, got %v", err)
	}
	if len(tr.batches) != 0 {
		t.Fatalf("gated batch must not be transmitted")
	}
	if agg.Batch().Len() != 1 {
		t.Fatalf("gated batch must stay staged")
	}
}

func TestLateSelectionUnlocksBatch(t *testing.T) {
	tr := &fakeTransport{}
	agg := newTestAggregator(tr)
	tr.onBatch = func(payload []byte) {
		var envelope types.BatchEnvelope
		_ = json.Unmarshal(payload, &envelope)
		raw, _ := json.Marshal(map[string]any{
			"transaction_id": envelope.TransactionID,
			"responses":      map[string]any{},
		})
		go agg.dispatcher.Pending().Resolve(envelope.TransactionID, raw)
	}

	agg.Batch().BidEnergyRate("battery-1", decimal.NewFromInt(25), decimal.NewFromInt(1))
	if _, err := agg.ExecuteBatch(context.Background()); !errors.Is(err, errs.ErrNotSelected) {
		t.Fatalf("expected ErrNotSelected before selection, got %v", err)
	}

	selectDevice(agg, "battery-1")
	if _, err := agg.ExecuteBatch(context.Background()); err != nil {
		t.Fatalf("batch must send after selection: %v", err)
	}
}

func TestUnselectionRemovesDevice(t *testing.T) {
	agg := newTestAggregator(&fakeTransport{})
	selectDevice(agg, "load-1")
	if !agg.IsSelected("load-1") {
		t.Fatalf("device must be selected")
	}
	agg.beforeEvent(&types.Event{Event: types.EventUnselected, DeviceUUID: "load-1"})
	if agg.IsSelected("load-1") {
		t.Fatalf("device must be removed on unselect")
	}
}

func TestSelectionIgnoredWhenAcceptAllDisabled(t *testing.T) {
	agg := New(&fakeTransport{}, zap.NewNop(), Options{Name: "a", AcceptAllDevices: false})
	selectDevice(agg, "load-1")
	if agg.IsSelected("load-1") {
		t.Fatalf("selection must be ignored when accept_all_devices is off")
	}
}

func TestFinishStopsFurtherBatches(t *testing.T) {
	agg := newTestAggregator(&fakeTransport{})
	selectDevice(agg, "load-1")
	agg.beforeEvent(&types.Event{Event: types.EventFinish})
	if !agg.IsFinished() {
		t.Fatalf("IsFinished must report true after finish")
	}
	agg.Batch().DeviceInfo("load-1")
	if _, err := agg.ExecuteBatch(context.Background()); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected ErrTransport after finish, got %v", err)
	}
}

func TestBufferSurvivesFailedSend(t *testing.T) {
	tr := &fakeTransport{batchErr: errors.New("boom")}
	agg := newTestAggregator(tr)
	selectDevice(agg, "load-1")
	agg.Batch().DeviceInfo("load-1")
	if _, err := agg.ExecuteBatch(context.Background()); err == nil {
		t.Fatalf("expected send failure")
	}
	if agg.Batch().Len() != 1 {
		t.Fatalf("failed batch must stay staged for the strategy to resend")
	}
}

func TestSnapshotFreshBeforeCallback(t *testing.T) {
	agg := newTestAggregator(&fakeTransport{})
	var tree types.Area
	payload := `{
		"uuid": "grid", "name": "Grid", "current_market_fee": 4,
		"children": [{"uuid": "house", "name": "House", "current_market_fee": 1}]
	}`
	if err := json.Unmarshal([]byte(payload), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	agg.beforeEvent(&types.Event{Event: types.EventMarket, GridTree: &tree})

	fee, ok, err := agg.CalculateGridFee("house", "", types.FeeCurrent)
	if err != nil || !ok || !fee.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("calculator must reflect the installed tree: %s ok=%v err=%v", fee, ok, err)
	}
	if agg.GridTree() == nil || len(agg.AreaUUIDs("House")) != 1 {
		t.Fatalf("tree and name map must be installed")
	}
}

func TestRouteEventDispatchesCallbacks(t *testing.T) {
	agg := newTestAggregator(&fakeTransport{})
	var got []types.EventType
	record := func(ev *types.Event) { got = append(got, ev.Event) }
	agg.Callbacks = Callbacks{
		OnMarketSlot:       record,
		OnTick:             record,
		OnTrade:            record,
		OnFinish:           record,
		OnDeviceSelected:   record,
		OnDeviceUnselected: record,
	}
	order := []types.EventType{
		types.EventMarket, types.EventTick, types.EventTrade,
		types.EventFinish, types.EventSelected, types.EventUnselected,
	}
	for _, eventType := range order {
		agg.routeEvent(&types.Event{Event: eventType})
	}
	if len(got) != len(order) {
		t.Fatalf("expected %d callbacks, got %d", len(order), len(got))
	}
	for i, eventType := range order {
		if got[i] != eventType {
			t.Fatalf("callback order mismatch at %d: %v", i, got)
		}
	}
}

func TestExecuteBatchTransactionIDsAreUnique(t *testing.T) {
	tr := &fakeTransport{}
	agg := newTestAggregator(tr)
	selectDevice(agg, "load-1")

	tr.onBatch = func(payload []byte) {
		var envelope types.BatchEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Errorf("envelope unmarshal: %v", err)
			return
		}
		raw, _ := json.Marshal(map[string]any{
			"aggregator_uuid": "agg-1",
			"transaction_id":  envelope.TransactionID,
			"responses":       map[string]any{},
		})
		go agg.dispatcher.Pending().Resolve(envelope.TransactionID, raw)
	}

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		agg.Batch().BidEnergy("load-1", commands.Order{
			Energy: decimal.NewFromInt(1),
			Price:  decimal.NewFromInt(30),
		})
		if _, err := agg.ExecuteBatch(context.Background()); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		var envelope types.BatchEnvelope
		if err := json.Unmarshal(tr.batches[i], &envelope); err != nil {
			t.Fatalf("envelope unmarshal: %v", err)
		}
		if envelope.TransactionID == "" {
			t.Fatalf("batch %d has no transaction id", i)
		}
		if seen[envelope.TransactionID] {
			t.Fatalf("transaction id %s reused on batch %d", envelope.TransactionID, i)
		}
		seen[envelope.TransactionID] = true
	}
}
