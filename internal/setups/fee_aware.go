package setups

import (
	"context"

	"em-agg-sdk/internal/aggregator"
	"em-agg-sdk/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	Register("fee_aware", func() Setup { return NewFeeAware() })
}

// FeeAware is a reference strategy: every market slot, loads bid their
// energy requirement and PVs offer their available energy, with rates
// shifted by the accumulated grid fee on the path to the root market so
// the order is competitive at the clearing point, not at the asset.
type FeeAware struct {
	// Rates in cents per kWh at the root market.
	MarketMakerRate decimal.Decimal
	FeedInRate      decimal.Decimal
}

func NewFeeAware() *FeeAware {
	return &FeeAware{
		MarketMakerRate: decimal.NewFromInt(30),
		FeedInRate:      decimal.NewFromInt(11),
	}
}

func (s *FeeAware) Name() string { return "fee_aware" }

func (s *FeeAware) Install(agg *aggregator.Aggregator, log *zap.Logger) {
	agg.Callbacks.OnMarketSlot = func(ev *types.Event) {
		s.placeOrders(agg, log, ev)
	}
	agg.Callbacks.OnFinish = func(*types.Event) {
		log.Info("fee_aware setup finished")
	}
}

func (s *FeeAware) placeOrders(agg *aggregator.Aggregator, log *zap.Logger, ev *types.Event) {
	tree := agg.GridTree()
	if tree == nil {
		return
	}
	root := tree.UUID
	staged := 0
	for uuid, area := range agg.Areas() {
		if area.AssetInfo == nil || !agg.IsSelected(uuid) {
			continue
		}
		fee, ok, err := agg.CalculateGridFee(uuid, root, types.FeeCurrent)
		if err != nil || !ok {
			fee = decimal.Zero
		}
		info := area.AssetInfo
		if info.EnergyRequirementKWh != nil && info.EnergyRequirementKWh.IsPositive() {
			rate := s.MarketMakerRate.Sub(fee)
			if rate.IsNegative() {
				rate = decimal.Zero
			}
			agg.Batch().BidEnergyRate(uuid, rate, *info.EnergyRequirementKWh)
			staged++
		}
		if info.AvailableEnergyKWh != nil && info.AvailableEnergyKWh.IsPositive() {
			agg.Batch().OfferEnergyRate(uuid, s.FeedInRate.Add(fee), *info.AvailableEnergyKWh)
			staged++
		}
	}
	if staged == 0 {
		return
	}
	resp, err := agg.ExecuteBatch(context.Background())
	if err != nil {
		log.Warn("batch failed", zap.String("slot", ev.MarketSlot), zap.Error(err))
		agg.Batch().Clear()
		return
	}
	if resp != nil {
		log.Info("batch placed",
			zap.String("slot", ev.MarketSlot),
			zap.Int("commands", staged),
			zap.Int("areas", len(resp.Responses)))
	}
}
