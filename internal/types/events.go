package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventMarket     EventType = "market"
	EventTick       EventType = "tick"
	EventTrade      EventType = "trade"
	EventFinish     EventType = "finish"
	EventSelected   EventType = "selected_by_device"
	EventUnselected EventType = "unselected_by_device"
)

// Trade is one cleared trade reported with a trade event.
type Trade struct {
	TradeID      string          `json:"trade_id"`
	MarketSlot   string          `json:"market_slot"`
	Buyer        string          `json:"buyer"`
	Seller       string          `json:"seller"`
	TradedEnergy decimal.Decimal `json:"traded_energy"`
	TradePrice   decimal.Decimal `json:"trade_price"`
}

// Event is one inbound event message. The grid tree is delivered whole with
// every market and tick event; older snapshots are replaced wholesale.
type Event struct {
	Event          EventType `json:"event"`
	MarketSlot     string    `json:"market_slot,omitempty"`
	SlotCompletion string    `json:"slot_completion,omitempty"`
	DeviceUUID     string    `json:"device_uuid,omitempty"`
	TradeList      []Trade   `json:"trade_list,omitempty"`
	GridTree       *Area     `json:"grid_tree,omitempty"`

	// Raw is the frame as received, for strategies that need fields the
	// typed view does not cover.
	Raw json.RawMessage `json:"-"`
}

// CommandResponse is the envelope of a correlated single-command response.
type CommandResponse struct {
	Command       string `json:"command"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`

	Raw json.RawMessage `json:"-"`
}

// CommandResult is one per-area entry inside a batch response.
type CommandResult struct {
	Command string
	Status  string
	Raw     json.RawMessage
}

func (r *CommandResult) UnmarshalJSON(data []byte) error {
	var head struct {
		Command string `json:"command"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	command := head.Command
	if command == "" {
		command = head.Type
	}
	r.Command = command
	r.Status = head.Status
	r.Raw = append(r.Raw[:0], data...)
	return nil
}

// BatchResponse groups the responses of one batch, keyed by area uuid. The
// per-area slices preserve the order the commands were submitted in.
type BatchResponse struct {
	AggregatorUUID string                     `json:"aggregator_uuid"`
	TransactionID  string                     `json:"transaction_id"`
	Responses      map[string][]CommandResult `json:"responses"`
}

// BatchEnvelope is the outbound batch payload, identical on both transports.
type BatchEnvelope struct {
	Type           string                      `json:"type"`
	TransactionID  string                      `json:"transaction_id"`
	AggregatorUUID string                      `json:"aggregator_uuid"`
	BatchCommands  map[string][]map[string]any `json:"batch_commands"`
}

const BatchEnvelopeType = "BATCHED"
