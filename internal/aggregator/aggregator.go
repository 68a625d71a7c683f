// Package aggregator implements the trading-side session: one named
// aggregator attached to a simulation, its event stream, its command buffer
// and the correlation of batch responses.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"em-agg-sdk/internal/alerts"
	"em-agg-sdk/internal/commands"
	"em-agg-sdk/internal/dispatch"
	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/gridfee"
	"em-agg-sdk/internal/metrics"
	"em-agg-sdk/internal/state"
	"em-agg-sdk/internal/timescale"
	"em-agg-sdk/internal/transport"
	"em-agg-sdk/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Callbacks are the user hooks invoked by the dispatcher's worker pool. Any
// hook may be nil. By the time a hook runs the grid tree and the fee
// calculator already reflect the event's snapshot.
type Callbacks struct {
	OnMarketSlot       func(*types.Event)
	OnTick             func(*types.Event)
	OnTrade            func(*types.Event)
	OnFinish           func(*types.Event)
	OnDeviceSelected   func(*types.Event)
	OnDeviceUnselected func(*types.Event)
}

// Options parameterize a session beyond its transport.
type Options struct {
	Name             string
	SimulationID     string
	AcceptAllDevices bool

	// Optional collaborators; all nil-safe.
	Store    state.Store
	Metrics  *metrics.Metrics
	Recorder *timescale.Writer
	Alerts   *alerts.Telegram
}

// Aggregator is the session owner. It holds the command buffer, the fee
// calculator, the dispatcher and the pending-transaction table exclusively;
// asset and market clients talk to the exchange directly and only meet the
// aggregator through selection events.
type Aggregator struct {
	name      string
	simID     string
	acceptAll bool

	transport  transport.Transport
	dispatcher *dispatch.Dispatcher
	buffer     *commands.Buffer
	fees       *gridfee.Calculator
	log        *zap.Logger
	metrics    *metrics.Metrics
	store      state.Store
	recorder   *timescale.Writer
	alerts     *alerts.Telegram

	Callbacks Callbacks

	mu          sync.RWMutex
	uuid        string
	selected    map[string]struct{}
	tree        *types.Area
	areaByUUID  map[string]*types.Area
	nameToUUIDs map[string][]string
	finished    bool

	finishOnce sync.Once
	finishCh   chan struct{}
}

func New(tr transport.Transport, log *zap.Logger, opts Options) *Aggregator {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Aggregator{
		name:       opts.Name,
		simID:      opts.SimulationID,
		acceptAll:  opts.AcceptAllDevices,
		transport:  tr,
		dispatcher: dispatch.New(log, m),
		buffer:     commands.NewBuffer(),
		fees:       gridfee.New(),
		log:        log,
		metrics:    m,
		store:      opts.Store,
		recorder:   opts.Recorder,
		alerts:     opts.Alerts,
		selected:   make(map[string]struct{}),
		finishCh:   make(chan struct{}),
	}
}

// Run drives the whole session: connect, resolve the aggregator id, pump
// the event stream through the dispatcher, and block until the simulation
// finishes, the transport dies for good, or the context ends.
func (a *Aggregator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.transport.Open(ctx); err != nil {
		return err
	}
	if err := a.resolveUUID(ctx); err != nil {
		return err
	}
	a.dispatcher.SetHooks(a.beforeEvent, a.routeEvent)
	a.recorder.Start(ctx)

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- a.transport.Run(ctx, a.UUID(), a.dispatcher.Push)
	}()
	dispatcherDone := make(chan struct{})
	go func() {
		a.dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	select {
	case <-ctx.Done():
		<-dispatcherDone
		return ctx.Err()
	case <-a.finishCh:
		a.log.Info("simulation finished", zap.String("aggregator", a.name))
		if a.alerts != nil {
			a.alerts.NotifyFinished(context.Background(), a.name, a.simID)
		}
		cancel()
		<-dispatcherDone
		return nil
	case err := <-streamErr:
		if a.IsFinished() {
			cancel()
			<-dispatcherDone
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%w: event stream closed", errs.ErrTransport)
		}
		a.log.Error("event stream lost", zap.Error(err))
		if a.alerts != nil {
			a.alerts.NotifyFatal(context.Background(), a.name, err)
		}
		cancel()
		<-dispatcherDone
		return err
	}
}

// resolveUUID adopts an existing aggregator with this name or creates one.
// The session cache short-circuits nothing on the happy path; it only
// covers restarts where the listing endpoint is briefly unavailable.
func (a *Aggregator) resolveUUID(ctx context.Context) error {
	cacheKey := state.AggregatorKey(a.simID, a.name)
	listed, err := a.listAggregators(ctx)
	if err != nil {
		if record, ok, cacheErr := state.LoadAggregator(ctx, a.store, cacheKey); cacheErr == nil && ok {
			a.log.Warn("aggregator listing failed, using cached id",
				zap.String("uuid", record.UUID), zap.Error(err))
			a.setUUID(record.UUID)
			return nil
		}
		return err
	}
	for _, entry := range listed {
		if entry.Name == a.name {
			a.setUUID(entry.UUID)
			a.saveCache(ctx, cacheKey, entry.UUID)
			return nil
		}
	}
	created, err := a.createAggregator(ctx)
	if err != nil {
		return err
	}
	a.setUUID(created)
	a.saveCache(ctx, cacheKey, created)
	return nil
}

type aggregatorEntry struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

func (a *Aggregator) listAggregators(ctx context.Context) ([]aggregatorEntry, error) {
	raw, err := a.transport.Request(ctx, "", "list-aggregators", map[string]any{"type": "LIST"})
	if err != nil {
		return nil, err
	}
	var entries []aggregatorEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Aggregators []aggregatorEntry `json:"aggregators_list"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: aggregator listing: %v", errs.ErrProtocol, err)
	}
	return wrapped.Aggregators, nil
}

func (a *Aggregator) createAggregator(ctx context.Context) (string, error) {
	raw, err := a.transport.Request(ctx, "", "create-aggregator", map[string]any{
		"type": "CREATE",
		"name": a.name,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		UUID           string `json:"uuid"`
		AggregatorUUID string `json:"aggregator_uuid"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: create aggregator: %v", errs.ErrProtocol, err)
	}
	id := resp.UUID
	if id == "" {
		id = resp.AggregatorUUID
	}
	if id == "" {
		return "", fmt.Errorf("%w: create aggregator returned no uuid", errs.ErrProtocol)
	}
	a.log.Info("aggregator created", zap.String("name", a.name), zap.String("uuid", id))
	return id, nil
}

func (a *Aggregator) saveCache(ctx context.Context, key, id string) {
	record := state.AggregatorRecord{UUID: id, UpdatedAtMS: time.Now().UnixMilli()}
	if err := state.SaveAggregator(ctx, a.store, key, record); err != nil {
		a.log.Warn("aggregator cache write failed", zap.Error(err))
	}
}

// beforeEvent runs synchronously on the dispatcher's reader path, before the
// user callback is scheduled. Snapshot installation and selection bookkeeping
// happen here so a callback never observes state older than its event.
func (a *Aggregator) beforeEvent(ev *types.Event) {
	if ev.GridTree != nil {
		a.installTree(ev.GridTree)
	}
	switch ev.Event {
	case types.EventMarket:
		a.recordSlotFees(ev)
	case types.EventTrade:
		a.recordTrades(ev)
	case types.EventSelected:
		a.acceptSelection(ev.DeviceUUID)
	case types.EventUnselected:
		a.dropSelection(ev.DeviceUUID)
	case types.EventFinish:
		a.markFinished()
	}
}

func (a *Aggregator) routeEvent(ev *types.Event) {
	var hook func(*types.Event)
	switch ev.Event {
	case types.EventMarket:
		hook = a.Callbacks.OnMarketSlot
	case types.EventTick:
		hook = a.Callbacks.OnTick
	case types.EventTrade:
		hook = a.Callbacks.OnTrade
	case types.EventFinish:
		hook = a.Callbacks.OnFinish
	case types.EventSelected:
		hook = a.Callbacks.OnDeviceSelected
	case types.EventUnselected:
		hook = a.Callbacks.OnDeviceUnselected
	default:
		a.log.Warn("unhandled event type", zap.String("event", string(ev.Event)))
		return
	}
	if hook != nil {
		hook(ev)
	}
}

func (a *Aggregator) installTree(tree *types.Area) {
	flat := tree.Flatten()
	names := tree.NamesToUUIDs()
	a.fees.Refresh(tree)
	a.mu.Lock()
	a.tree = tree
	a.areaByUUID = flat
	a.nameToUUIDs = names
	a.mu.Unlock()
}

func (a *Aggregator) acceptSelection(deviceUUID string) {
	if deviceUUID == "" {
		return
	}
	if !a.acceptAll {
		a.log.Warn("selection ignored, accept_all_devices disabled",
			zap.String("device", deviceUUID))
		return
	}
	a.mu.Lock()
	a.selected[deviceUUID] = struct{}{}
	a.mu.Unlock()
	a.log.Info("device selected", zap.String("device", deviceUUID))
}

func (a *Aggregator) dropSelection(deviceUUID string) {
	if deviceUUID == "" {
		return
	}
	a.mu.Lock()
	delete(a.selected, deviceUUID)
	a.mu.Unlock()
	a.log.Info("device unselected", zap.String("device", deviceUUID))
}

func (a *Aggregator) markFinished() {
	a.mu.Lock()
	a.finished = true
	a.mu.Unlock()
	a.finishOnce.Do(func() { close(a.finishCh) })
}

func (a *Aggregator) recordSlotFees(ev *types.Event) {
	if a.recorder == nil || ev.GridTree == nil {
		return
	}
	now := time.Now().UTC()
	for _, area := range a.Areas() {
		if !area.IsMarket() {
			continue
		}
		fee := timescale.SlotFee{
			Time:       now,
			MarketSlot: ev.MarketSlot,
			MarketUUID: area.UUID,
			MarketName: area.Name,
		}
		fee.CurrentFee, fee.HasCurrent = area.Fee(types.FeeCurrent)
		fee.LastFee, fee.HasLast = area.Fee(types.FeeLast)
		a.recorder.EnqueueSlotFee(fee)
	}
}

func (a *Aggregator) recordTrades(ev *types.Event) {
	if a.recorder == nil {
		return
	}
	now := time.Now().UTC()
	for _, trade := range ev.TradeList {
		a.recorder.EnqueueTrade(timescale.TradeRow{
			Time:         now,
			MarketSlot:   trade.MarketSlot,
			TradeID:      trade.TradeID,
			Buyer:        trade.Buyer,
			Seller:       trade.Seller,
			TradedEnergy: trade.TradedEnergy,
			TradePrice:   trade.TradePrice,
		})
	}
}

// Batch exposes the command buffer for fluent staging.
func (a *Aggregator) Batch() *commands.Buffer {
	return a.buffer
}

// ExecuteBatch renders the staged commands, ships them as one envelope and
// blocks for the correlated response. The buffer survives a failed send so
// the strategy decides whether to resend; it is cleared only on success. An
// empty buffer is a no-op returning (nil, nil).
func (a *Aggregator) ExecuteBatch(ctx context.Context) (*types.BatchResponse, error) {
	if a.IsFinished() {
		return nil, fmt.Errorf("%w: simulation finished", errs.ErrTransport)
	}
	batch, err := a.buffer.Render()
	if err != nil {
		return nil, err
	}
	if batch.Empty() {
		return nil, nil
	}
	for _, area := range batch.AreaOrder {
		if !a.IsSelected(area) {
			return nil, fmt.Errorf("%w: area %s has not selected this aggregator", errs.ErrNotSelected, area)
		}
	}

	transactionID := uuid.NewString()
	envelope := types.BatchEnvelope{
		Type:           types.BatchEnvelopeType,
		TransactionID:  transactionID,
		AggregatorUUID: a.UUID(),
		BatchCommands:  batch.Commands,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	pending := a.dispatcher.Pending()
	if err := pending.Register(transactionID, "batch_commands"); err != nil {
		return nil, err
	}
	if err := a.transport.SendBatch(ctx, a.UUID(), payload); err != nil {
		pending.Discard(transactionID)
		a.metrics.BatchFailures.Inc()
		return nil, err
	}
	a.metrics.BatchesSent.Inc()

	raw, err := pending.Wait(ctx, "batch_commands", transactionID, dispatch.DefaultResponseTimeout)
	if err != nil {
		a.metrics.BatchFailures.Inc()
		return nil, err
	}
	a.buffer.Clear()

	var resp types.BatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: batch response: %v", errs.ErrProtocol, err)
	}
	for area, results := range resp.Responses {
		for _, result := range results {
			if result.Status == "error" {
				a.log.Warn("command rejected by exchange",
					zap.String("area", area), zap.String("command", result.Command))
			}
		}
	}
	return &resp, nil
}

// CalculateGridFee answers fee queries against the last installed snapshot.
// The boolean reports whether a snapshot exists yet.
func (a *Aggregator) CalculateGridFee(start, target string, feeType types.FeeType) (decimal.Decimal, bool, error) {
	return a.fees.Calculate(start, target, feeType)
}

func (a *Aggregator) UUID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.uuid
}

func (a *Aggregator) setUUID(id string) {
	a.mu.Lock()
	a.uuid = id
	a.mu.Unlock()
}

func (a *Aggregator) IsFinished() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.finished
}

func (a *Aggregator) IsSelected(deviceUUID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.selected[deviceUUID]
	return ok
}

// Selected returns the uuids of the assets currently selecting this
// aggregator, in no particular order.
func (a *Aggregator) Selected() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.selected))
	for id := range a.selected {
		out = append(out, id)
	}
	return out
}

// GridTree returns the last installed snapshot, nil before the first
// market or tick event.
func (a *Aggregator) GridTree() *types.Area {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tree
}

// Areas returns every node of the last snapshot keyed by uuid. Callers must
// not mutate the nodes or the map.
func (a *Aggregator) Areas() map[string]*types.Area {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.areaByUUID
}

// AreaUUIDs resolves a display name to the uuids carrying it.
func (a *Aggregator) AreaUUIDs(name string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nameToUUIDs[name]
}
