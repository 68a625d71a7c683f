package gridfee

import (
	"encoding/json"
	"errors"
	"testing"

	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/types"

	"github.com/shopspring/decimal"
)

// Grid(10) -> Street(1) -> House(1.1) -> Load, plus Street2(2) and a
// market-maker leaf directly under Grid. Fees are last_market_fee.
const feeTree = `{
	"uuid": "grid", "name": "Grid", "last_market_fee": 10,
	"children": [
		{
			"uuid": "street", "name": "Street", "last_market_fee": 1,
			"children": [
				{
					"uuid": "house", "name": "House", "last_market_fee": 1.1,
					"children": [
						{"uuid": "load", "name": "Load", "asset_info": {"energy_requirement_kWh": 2}}
					]
				}
			]
		},
		{"uuid": "street2", "name": "Street2", "last_market_fee": 2},
		{"uuid": "mm", "name": "Market Maker", "asset_info": {}},
		{
			"uuid": "house21", "name": "House 2.1", "last_market_fee": 2.1,
			"children": [
				{"uuid": "pv21", "name": "PV 2.1", "asset_info": {"available_energy_kWh": 1}}
			]
		}
	]
}`

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	var tree types.Area
	if err := json.Unmarshal([]byte(feeTree), &tree); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	calc := New()
	calc.Refresh(&tree)
	return calc
}

func mustFee(t *testing.T, calc *Calculator, start, target string) decimal.Decimal {
	t.Helper()
	fee, ok, err := calc.Calculate(start, target, types.FeeLast)
	if err != nil {
		t.Fatalf("calculate %s -> %s: %v", start, target, err)
	}
	if !ok {
		t.Fatalf("calculate %s -> %s: no snapshot", start, target)
	}
	return fee
}

func TestCalculateFeeAlongPath(t *testing.T) {
	calc := newTestCalculator(t)
	fee := mustFee(t, calc, "Load", "Market Maker")
	if !fee.Equal(decimal.RequireFromString("12.1")) {
		t.Fatalf("expected 12.1, got %s", fee)
	}
}

func TestCalculateUnaryOnAsset(t *testing.T) {
	calc := newTestCalculator(t)
	fee := mustFee(t, calc, "PV 2.1", "")
	if !fee.Equal(decimal.RequireFromString("2.1")) {
		t.Fatalf("expected 2.1, got %s", fee)
	}
}

func TestCalculateUnaryOnMarket(t *testing.T) {
	calc := newTestCalculator(t)
	fee := mustFee(t, calc, "street2", "")
	if !fee.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected the market's own fee, got %s", fee)
	}
}

func TestCalculateDirectParentMatchesUnary(t *testing.T) {
	calc := newTestCalculator(t)
	path := mustFee(t, calc, "load", "house")
	unary := mustFee(t, calc, "load", "")
	if !path.Equal(unary) {
		t.Fatalf("parent path %s must equal unary %s", path, unary)
	}
}

func TestCalculateIsSymmetric(t *testing.T) {
	calc := newTestCalculator(t)
	pairs := [][2]string{
		{"load", "mm"},
		{"load", "pv21"},
		{"load", "street2"},
		{"load", "house"},
		{"street", "house21"},
	}
	for _, pair := range pairs {
		forward := mustFee(t, calc, pair[0], pair[1])
		backward := mustFee(t, calc, pair[1], pair[0])
		if !forward.Equal(backward) {
			t.Fatalf("fee %s<->%s asymmetric: %s vs %s", pair[0], pair[1], forward, backward)
		}
	}
}

func TestCalculateRejectsUnknownArea(t *testing.T) {
	calc := newTestCalculator(t)
	_, _, err := calc.Calculate("nonexistent", "", types.FeeLast)
	if !errors.Is(err, errs.ErrUnknownArea) {
		t.Fatalf("expected ErrUnknownArea, got %v", err)
	}
}

func TestCalculateRejectsAmbiguousName(t *testing.T) {
	dup := `{
		"uuid": "root", "name": "Grid", "current_market_fee": 1,
		"children": [
			{"uuid": "h1", "name": "House", "current_market_fee": 1},
			{"uuid": "h2", "name": "House", "current_market_fee": 2}
		]
	}`
	var tree types.Area
	if err := json.Unmarshal([]byte(dup), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	calc := New()
	calc.Refresh(&tree)
	if _, _, err := calc.Calculate("House", "", types.FeeCurrent); !errors.Is(err, errs.ErrUnknownArea) {
		t.Fatalf("ambiguous name must be rejected, got %v", err)
	}
	if fee, ok, err := calc.Calculate("h2", "", types.FeeCurrent); err != nil || !ok || !fee.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("uuid must stay deterministic: %s ok=%v err=%v", fee, ok, err)
	}
}

func TestCalculateWithoutSnapshot(t *testing.T) {
	calc := New()
	fee, ok, err := calc.Calculate("anything", "", types.FeeCurrent)
	if err != nil || ok || !fee.IsZero() {
		t.Fatalf("expected zero/false before first snapshot, got %s ok=%v err=%v", fee, ok, err)
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	calc := newTestCalculator(t)
	updated := `{
		"uuid": "grid", "name": "Grid", "last_market_fee": 5,
		"children": [{"uuid": "street2", "name": "Street2", "last_market_fee": 7}]
	}`
	var tree types.Area
	if err := json.Unmarshal([]byte(updated), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	calc.Refresh(&tree)
	fee := mustFee(t, calc, "street2", "")
	if !fee.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected refreshed fee 7, got %s", fee)
	}
	if _, _, err := calc.Calculate("load", "", types.FeeLast); !errors.Is(err, errs.ErrUnknownArea) {
		t.Fatalf("stale nodes must disappear, got %v", err)
	}
}
