// Package device holds the thin per-area clients: an Asset for energy
// devices (loads, PVs, batteries) and a Market for grid nodes. Both talk to
// the exchange directly over the shared transport; they meet an aggregator
// only through selection commands and the events those trigger.
package device

import (
	"context"
	"encoding/json"
	"fmt"

	"em-agg-sdk/internal/dispatch"
	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type client struct {
	transport transport.Transport
	log       *zap.Logger
	areaID    string
}

// Asset is one energy asset identified by its area uuid.
type Asset struct {
	client
}

// Market is one market node identified by its area uuid.
type Market struct {
	client
}

func NewAsset(tr transport.Transport, log *zap.Logger, areaID string) *Asset {
	return &Asset{client{transport: tr, log: log, areaID: areaID}}
}

func NewMarket(tr transport.Transport, log *zap.Logger, areaID string) *Market {
	return &Market{client{transport: tr, log: log, areaID: areaID}}
}

func (c *client) AreaID() string {
	return c.areaID
}

// request sends one command and surfaces a server-side rejection as
// ErrServerReported. The raw body is returned for callers that read more
// than the status.
func (c *client) request(ctx context.Context, endpoint string, payload map[string]any) (json.RawMessage, error) {
	raw, err := c.transport.Request(ctx, c.areaID, endpoint, payload)
	if err != nil {
		return nil, err
	}
	var head struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(raw, &head); err == nil && head.Status == "error" {
		msg := head.ErrorMessage
		if msg == "" {
			msg = endpoint + " rejected"
		}
		return raw, fmt.Errorf("%w: %s", errs.ErrServerReported, msg)
	}
	return raw, nil
}

// fireAndForget runs the command without blocking the caller. Errors are
// logged; there is nothing a strategy could do with them afterwards.
func (c *client) fireAndForget(endpoint string, payload map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatch.DefaultResponseTimeout)
		defer cancel()
		if _, err := c.request(ctx, endpoint, payload); err != nil {
			c.log.Warn("async command failed",
				zap.String("area", c.areaID), zap.String("endpoint", endpoint), zap.Error(err))
		}
	}()
}

// Register attaches the client to its external-capable area. The exchange
// may only answer once the simulation starts, so the wait is allowed the
// long registration deadline rather than the command default.
func (c *client) Register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dispatch.RegistrationTimeout)
	defer cancel()
	_, err := c.request(ctx, "register", map[string]any{"name": c.areaID})
	return err
}

func (c *client) Unregister(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dispatch.RegistrationTimeout)
	defer cancel()
	_, err := c.request(ctx, "unregister", map[string]any{"name": c.areaID})
	return err
}

// SelectAggregator asks the named aggregator to trade on this asset's
// behalf. The aggregator observes the grant as a selected_by_device event
// on its own stream; nothing is shared in-process.
func (a *Asset) SelectAggregator(ctx context.Context, aggregatorUUID string) error {
	_, err := a.transport.Request(ctx, "", "select-aggregator", map[string]any{
		"type":            "SELECT",
		"aggregator_uuid": aggregatorUUID,
		"device_uuid":     a.areaID,
	})
	return err
}

func (a *Asset) UnselectAggregator(ctx context.Context, aggregatorUUID string) error {
	_, err := a.transport.Request(ctx, "", "unselect-aggregator", map[string]any{
		"type":            "UNSELECT",
		"aggregator_uuid": aggregatorUUID,
		"device_uuid":     a.areaID,
	})
	return err
}

// SetEnergyForecast posts per-slot forecast values in kWh. With doNotWait
// the correlated response is consumed in the background and the call
// returns immediately.
func (a *Asset) SetEnergyForecast(ctx context.Context, forecast map[string]decimal.Decimal, doNotWait bool) (json.RawMessage, error) {
	payload := map[string]any{"energy_forecast": forecast}
	if doNotWait {
		a.fireAndForget("set_energy_forecast", payload)
		return nil, nil
	}
	return a.request(ctx, "set_energy_forecast", payload)
}

// SetEnergyMeasurement posts per-slot measured values in kWh.
func (a *Asset) SetEnergyMeasurement(ctx context.Context, measurement map[string]decimal.Decimal, doNotWait bool) (json.RawMessage, error) {
	payload := map[string]any{"energy_measurement": measurement}
	if doNotWait {
		a.fireAndForget("set_energy_measurement", payload)
		return nil, nil
	}
	return a.request(ctx, "set_energy_measurement", payload)
}

func (m *Market) SelectAggregator(ctx context.Context, aggregatorUUID string) error {
	_, err := m.transport.Request(ctx, "", "select-aggregator", map[string]any{
		"type":            "SELECT",
		"aggregator_uuid": aggregatorUUID,
		"device_uuid":     m.areaID,
	})
	return err
}

func (m *Market) UnselectAggregator(ctx context.Context, aggregatorUUID string) error {
	_, err := m.transport.Request(ctx, "", "unselect-aggregator", map[string]any{
		"type":            "UNSELECT",
		"aggregator_uuid": aggregatorUUID,
		"device_uuid":     m.areaID,
	})
	return err
}

// GridFeeConst sets the market's constant fee in cents per kWh.
func (m *Market) GridFeeConst(ctx context.Context, fee decimal.Decimal) (json.RawMessage, error) {
	return m.request(ctx, "grid-fee", map[string]any{"fee_const": fee})
}

// GridFeePercent sets the market's percentage fee.
func (m *Market) GridFeePercent(ctx context.Context, percent decimal.Decimal) (json.RawMessage, error) {
	return m.request(ctx, "grid-fee", map[string]any{"fee_percent": percent})
}

// LastMarketDSOStats fetches the DSO statistics of the last completed slot.
func (m *Market) LastMarketDSOStats(ctx context.Context) (json.RawMessage, error) {
	return m.request(ctx, "dso-market-stats", map[string]any{"market_slots": []string{}})
}
