// Package types holds the grid-tree snapshot model and the wire payloads
// shared by both transports.
package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

func init() {
	// Wire payloads carry plain JSON numbers for energy, price and fees.
	decimal.MarshalJSONWithoutQuotes = true
}

// FeeType selects which per-market fee column a query reads.
type FeeType string

const (
	FeeCurrent FeeType = "current_market_fee"
	FeeLast    FeeType = "last_market_fee"
	FeeNext    FeeType = "next_market_fee"
)

// AssetInfo is present only on leaves that are energy assets. Which keys
// appear depends on the asset kind (load, PV, battery).
type AssetInfo struct {
	EnergyRequirementKWh  *decimal.Decimal           `json:"energy_requirement_kWh,omitempty"`
	AvailableEnergyKWh    *decimal.Decimal           `json:"available_energy_kWh,omitempty"`
	EnergyToBuy           *decimal.Decimal           `json:"energy_to_buy,omitempty"`
	EnergyToSell          *decimal.Decimal           `json:"energy_to_sell,omitempty"`
	UsedStorage           *decimal.Decimal           `json:"used_storage,omitempty"`
	FreeStorage           *decimal.Decimal           `json:"free_storage,omitempty"`
	EnergyActiveInBids    *decimal.Decimal           `json:"energy_active_in_bids,omitempty"`
	EnergyActiveInOffers  *decimal.Decimal           `json:"energy_active_in_offers,omitempty"`
	UnsettledDeviationKWh map[string]decimal.Decimal `json:"unsettled_deviation_kWh,omitempty"`
}

// Area is one node of the grid tree. Internal nodes are markets and carry
// fees; leaves with AssetInfo are energy assets. UUIDs are unique within a
// tree, names are not.
type Area struct {
	UUID             string           `json:"uuid"`
	Name             string           `json:"name"`
	AssetInfo        *AssetInfo       `json:"asset_info,omitempty"`
	CurrentMarketFee *decimal.Decimal `json:"current_market_fee,omitempty"`
	LastMarketFee    *decimal.Decimal `json:"last_market_fee,omitempty"`
	NextMarketFee    *decimal.Decimal `json:"next_market_fee,omitempty"`
	Children         []*Area          `json:"children,omitempty"`
}

// areaWire accepts both the current and the legacy key for asset details.
// Some server versions emit device_info instead of asset_info.
type areaWire struct {
	UUID             string           `json:"uuid"`
	Name             string           `json:"name"`
	AssetInfo        *AssetInfo       `json:"asset_info"`
	DeviceInfo       *AssetInfo       `json:"device_info"`
	CurrentMarketFee *decimal.Decimal `json:"current_market_fee"`
	LastMarketFee    *decimal.Decimal `json:"last_market_fee"`
	NextMarketFee    *decimal.Decimal `json:"next_market_fee"`
	Children         []*Area          `json:"children"`
}

func (a *Area) UnmarshalJSON(data []byte) error {
	var w areaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	info := w.AssetInfo
	if info == nil {
		info = w.DeviceInfo
	}
	*a = Area{
		UUID:             w.UUID,
		Name:             w.Name,
		AssetInfo:        info,
		CurrentMarketFee: w.CurrentMarketFee,
		LastMarketFee:    w.LastMarketFee,
		NextMarketFee:    w.NextMarketFee,
		Children:         w.Children,
	}
	return nil
}

// IsMarket reports whether the node is an internal market node.
func (a *Area) IsMarket() bool {
	if a == nil {
		return false
	}
	return len(a.Children) > 0 || a.CurrentMarketFee != nil || a.LastMarketFee != nil || a.NextMarketFee != nil
}

// Fee returns the requested fee column, or false when the node does not
// carry it.
func (a *Area) Fee(feeType FeeType) (decimal.Decimal, bool) {
	if a == nil {
		return decimal.Zero, false
	}
	var fee *decimal.Decimal
	switch feeType {
	case FeeCurrent:
		fee = a.CurrentMarketFee
	case FeeLast:
		fee = a.LastMarketFee
	case FeeNext:
		fee = a.NextMarketFee
	}
	if fee == nil {
		return decimal.Zero, false
	}
	return *fee, true
}

// Flatten returns every node of the tree keyed by uuid.
func (a *Area) Flatten() map[string]*Area {
	out := make(map[string]*Area)
	a.walk(func(node *Area) {
		out[node.UUID] = node
	})
	return out
}

// NamesToUUIDs returns the name to uuid mapping. Names are not unique, so
// a name may map to several uuids.
func (a *Area) NamesToUUIDs() map[string][]string {
	out := make(map[string][]string)
	a.walk(func(node *Area) {
		out[node.Name] = append(out[node.Name], node.UUID)
	})
	return out
}

func (a *Area) walk(fn func(*Area)) {
	if a == nil {
		return
	}
	fn(a)
	for _, child := range a.Children {
		child.walk(fn)
	}
}
