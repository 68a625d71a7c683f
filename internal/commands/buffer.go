package commands

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Order carries the arguments of an offer or bid. Leave ReplaceExisting nil
// to use the exchange default (true). When Rate is set the price is derived
// client-side as rate * energy; the exchange never multiplies.
type Order struct {
	Energy          decimal.Decimal
	Price           decimal.Decimal
	Rate            *decimal.Decimal
	ReplaceExisting *bool
	Attributes      map[string]any
	Requirements    []map[string]any
	TimeSlot        string
}

type record struct {
	area   string
	action ActionType
	args   map[string]any
}

// Buffer accumulates command records. Every add method appends and returns
// the buffer so calls chain. Insertion order is preserved per area; the
// buffer never reorders, merges or dedupes, and it enforces only the
// structural presence of an area uuid, not domain rules. Zero or negative
// energy passes through untouched; the exchange rejects it, not the client.
type Buffer struct {
	mu      sync.Mutex
	records []record
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) add(area string, action ActionType, args map[string]any) *Buffer {
	b.mu.Lock()
	b.records = append(b.records, record{area: area, action: action, args: args})
	b.mu.Unlock()
	return b
}

func orderArgs(o Order) map[string]any {
	price := o.Price
	if o.Rate != nil {
		price = o.Rate.Mul(o.Energy)
	}
	replace := true
	if o.ReplaceExisting != nil {
		replace = *o.ReplaceExisting
	}
	args := map[string]any{
		"energy":           o.Energy,
		"price":            price,
		"replace_existing": replace,
	}
	if o.Attributes != nil {
		args["attributes"] = o.Attributes
	}
	if o.Requirements != nil {
		args["requirements"] = o.Requirements
	}
	if o.TimeSlot != "" {
		args["time_slot"] = o.TimeSlot
	}
	return args
}

// OfferEnergy stages an offer priced in absolute cents.
func (b *Buffer) OfferEnergy(area string, o Order) *Buffer {
	return b.add(area, ActionOffer, orderArgs(o))
}

// OfferEnergyRate stages an offer priced as cents/kWh; the absolute price
// is computed here so both transports transmit identical numbers.
func (b *Buffer) OfferEnergyRate(area string, rate, energy decimal.Decimal) *Buffer {
	return b.add(area, ActionOffer, orderArgs(Order{Energy: energy, Rate: &rate}))
}

// BidEnergy stages a bid priced in absolute cents.
func (b *Buffer) BidEnergy(area string, o Order) *Buffer {
	return b.add(area, ActionBid, orderArgs(o))
}

// BidEnergyRate stages a bid priced as cents/kWh.
func (b *Buffer) BidEnergyRate(area string, rate, energy decimal.Decimal) *Buffer {
	return b.add(area, ActionBid, orderArgs(Order{Energy: energy, Rate: &rate}))
}

func deleteArgs(key, orderID, timeSlot string) map[string]any {
	args := map[string]any{}
	if orderID == "" {
		args[key] = nil
	} else {
		args[key] = orderID
	}
	if timeSlot != "" {
		args["time_slot"] = timeSlot
	}
	return args
}

// DeleteOffer stages a cancel. An empty order id deletes every offer of the
// asset for the slot.
func (b *Buffer) DeleteOffer(area, offerID, timeSlot string) *Buffer {
	return b.add(area, ActionDeleteOffer, deleteArgs("offer_id", offerID, timeSlot))
}

// DeleteBid stages a cancel. An empty order id deletes every bid.
func (b *Buffer) DeleteBid(area, bidID, timeSlot string) *Buffer {
	return b.add(area, ActionDeleteBid, deleteArgs("bid_id", bidID, timeSlot))
}

func listArgs(timeSlot string) map[string]any {
	args := map[string]any{}
	if timeSlot != "" {
		args["time_slot"] = timeSlot
	}
	return args
}

func (b *Buffer) ListOffers(area, timeSlot string) *Buffer {
	return b.add(area, ActionListOffers, listArgs(timeSlot))
}

func (b *Buffer) ListBids(area, timeSlot string) *Buffer {
	return b.add(area, ActionListBids, listArgs(timeSlot))
}

// DeviceInfo requests the current asset snapshot.
func (b *Buffer) DeviceInfo(area string) *Buffer {
	return b.add(area, ActionDeviceInfo, map[string]any{})
}

// DSOMarketStats requests the last market statistics of a market node.
func (b *Buffer) DSOMarketStats(area string) *Buffer {
	return b.add(area, ActionDSOMarketStats, map[string]any{})
}

// EnergyForecast stages a per-slot energy forecast for an asset.
func (b *Buffer) EnergyForecast(area string, forecast map[string]decimal.Decimal) *Buffer {
	return b.add(area, ActionSetEnergyForecast, map[string]any{"energy_forecast": forecast})
}

// EnergyMeasurement stages a per-slot energy measurement for an asset.
func (b *Buffer) EnergyMeasurement(area string, measurement map[string]decimal.Decimal) *Buffer {
	return b.add(area, ActionSetEnergyMeasurement, map[string]any{"energy_measurement": measurement})
}

// GridFeeConst stages a constant cents/kWh fee change on a market. Constant
// and percent fees are distinct commands and are never merged.
func (b *Buffer) GridFeeConst(area string, fee decimal.Decimal) *Buffer {
	return b.add(area, ActionGridFees, map[string]any{"fee_const": fee})
}

// GridFeePercent stages a percent fee change on a market.
func (b *Buffer) GridFeePercent(area string, percent decimal.Decimal) *Buffer {
	return b.add(area, ActionGridFees, map[string]any{"fee_percent": percent})
}

// Len reports the number of staged commands.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Clear drops every staged command.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()
}

// Batch is a rendered buffer: commands grouped by area uuid, areas in
// first-seen order, per-area order equal to insertion order.
type Batch struct {
	AreaOrder []string
	Commands  map[string][]map[string]any
}

func (b Batch) Empty() bool {
	return len(b.AreaOrder) == 0
}

// Render groups the staged records into a batch payload. The buffer is left
// untouched; callers clear it after a successful send.
func (b *Buffer) Render() (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := Batch{Commands: make(map[string][]map[string]any)}
	for i, rec := range b.records {
		if rec.area == "" {
			return Batch{}, fmt.Errorf("command %d (%s) has no area uuid", i, rec.action)
		}
		if rec.action == "" {
			return Batch{}, fmt.Errorf("command %d for area %s has no action type", i, rec.area)
		}
		if _, seen := batch.Commands[rec.area]; !seen {
			batch.AreaOrder = append(batch.AreaOrder, rec.area)
		}
		cmd := map[string]any{"type": string(rec.action)}
		for k, v := range rec.args {
			cmd[k] = v
		}
		batch.Commands[rec.area] = append(batch.Commands[rec.area], cmd)
	}
	return batch, nil
}
