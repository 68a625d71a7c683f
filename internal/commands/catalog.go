// Package commands holds the closed catalog of market actions and the
// fluent batch buffer that accumulates them per asset.
package commands

// ActionType is the wire name of one market action.
type ActionType string

const (
	ActionOffer                ActionType = "offer"
	ActionBid                  ActionType = "bid"
	ActionDeleteOffer          ActionType = "delete_offer"
	ActionDeleteBid            ActionType = "delete_bid"
	ActionListOffers           ActionType = "list_offers"
	ActionListBids             ActionType = "list_bids"
	ActionDeviceInfo           ActionType = "device_info"
	ActionGridFees             ActionType = "grid_fees"
	ActionDSOMarketStats       ActionType = "dso_market_stats"
	ActionSetEnergyForecast    ActionType = "set_energy_forecast"
	ActionSetEnergyMeasurement ActionType = "set_energy_measurement"
)

// Actions lists every action the exchange understands, in catalog order.
var Actions = []ActionType{
	ActionOffer,
	ActionBid,
	ActionDeleteOffer,
	ActionDeleteBid,
	ActionListOffers,
	ActionListBids,
	ActionDeviceInfo,
	ActionGridFees,
	ActionDSOMarketStats,
	ActionSetEnergyForecast,
	ActionSetEnergyMeasurement,
}
