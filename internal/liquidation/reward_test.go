package liquidation_test

import (
	"math/big"
	"testing"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
	"github.com/nzes1/oc-stablecoin-sub000/internal/liquidation"
	"github.com/nzes1/oc-stablecoin-sub000/internal/registry"
)

var (
	hundredUnits  = fixedpoint.MustBig("100000000000000000000")    // 100 * 1e18
	thousandUnits = fixedpoint.MustBig("1000000000000000000000")   // 1000 * 1e18
	highRiskThr   = registry.ThresholdFromOCR(170)                 // high-risk tier
	lowRiskThr    = registry.ThresholdFromOCR(120)                 // low-risk tier
)

// ============================================================
// Time-decay discount
// ============================================================

func TestDiscountRateDecay(t *testing.T) {
	cases := []struct {
		elapsed int64
		want    string
	}{
		{0, "30000000000000000"},     // 3.0% at onset
		{-10, "30000000000000000"},   // clock skew clamps to onset
		{900, "27000000000000000"},   // quarter window: 2.7%
		{1800, "24000000000000000"},  // half window: 2.4%
		{3600, "18000000000000000"},  // full window: 1.8%
		{86400, "18000000000000000"}, // flat after the window
	}
	for _, tc := range cases {
		got := liquidation.DiscountRate(tc.elapsed)
		if got.String() != tc.want {
			t.Errorf("DiscountRate(%d) = %s, want %s", tc.elapsed, got, tc.want)
		}
	}
}

func TestDiscountRateIsMonotonicNonIncreasing(t *testing.T) {
	prev := liquidation.DiscountRate(0)
	for elapsed := int64(60); elapsed <= 4200; elapsed += 60 {
		cur := liquidation.DiscountRate(elapsed)
		if cur.Cmp(prev) > 0 {
			t.Fatalf("discount rate increased at %ds: %s -> %s", elapsed, prev, cur)
		}
		prev = cur
	}
}

func TestDiscountUsd(t *testing.T) {
	// 3% of 100 units at onset.
	got := liquidation.DiscountUsd(hundredUnits, 0)
	want := fixedpoint.MustBig("3000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("DiscountUsd(100, 0) = %s, want %s", got, want)
	}
}

// ============================================================
// Size reward
// ============================================================

func TestSizeRateByRiskTier(t *testing.T) {
	if got := liquidation.SizeRate(highRiskThr); got.String() != "15000000000000000" {
		t.Errorf("high-risk size rate = %s, want 1.5%% as 1.5e16", got)
	}
	if got := liquidation.SizeRate(lowRiskThr); got.String() != "5000000000000000" {
		t.Errorf("low-risk size rate = %s, want 0.5%% as 5e15", got)
	}
}

func TestSizeRateBoundaryAt150(t *testing.T) {
	// An implied OCR of exactly 150% pays the high-risk rate.
	if got := liquidation.SizeRate(registry.ThresholdFromOCR(150)); got.String() != "15000000000000000" {
		t.Errorf("150%% OCR size rate = %s, want high-risk 1.5e16", got)
	}
}

func TestSizeRewardFloor(t *testing.T) {
	// 1.5% of 100 units is 1.5, below the 10-unit floor.
	got := liquidation.SizeRewardUsd(hundredUnits, highRiskThr)
	want := fixedpoint.MustBig("10000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("SizeRewardUsd(100, high) = %s, want floor %s", got, want)
	}
}

func TestSizeRewardInBand(t *testing.T) {
	// 1.5% of 1000 units is 15, inside [10, 5000].
	got := liquidation.SizeRewardUsd(thousandUnits, highRiskThr)
	want := fixedpoint.MustBig("15000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("SizeRewardUsd(1000, high) = %s, want %s", got, want)
	}
}

func TestSizeRewardCap(t *testing.T) {
	// 1.5% of 400000 units is 6000, above the 5000-unit cap.
	debt := fixedpoint.MustBig("400000000000000000000000")
	got := liquidation.SizeRewardUsd(debt, highRiskThr)
	want := fixedpoint.MustBig("5000000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("SizeRewardUsd(400000, high) = %s, want cap %s", got, want)
	}
}

func TestSizeRewardLowRiskFloor(t *testing.T) {
	// 0.5% of 1000 units is 5, still below the floor.
	got := liquidation.SizeRewardUsd(thousandUnits, lowRiskThr)
	want := fixedpoint.MustBig("10000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("SizeRewardUsd(1000, low) = %s, want floor %s", got, want)
	}
}

// ============================================================
// Total reward
// ============================================================

func TestRewardUsdAtOnset(t *testing.T) {
	// 100-unit high-risk debt at onset: 3 discount + 10 floored size reward.
	got := liquidation.RewardUsd(hundredUnits, highRiskThr, 0)
	want := fixedpoint.MustBig("13000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("RewardUsd(100, high, 0) = %s, want %s", got, want)
	}
}

func TestRewardUsdAfterDecay(t *testing.T) {
	// Same debt an hour later: 1.8 discount + 10 size reward.
	got := liquidation.RewardUsd(hundredUnits, highRiskThr, 3600)
	want := fixedpoint.MustBig("11800000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("RewardUsd(100, high, 3600) = %s, want %s", got, want)
	}
}

func TestRewardUsdDoesNotMutateDebt(t *testing.T) {
	debt := new(big.Int).Set(hundredUnits)
	liquidation.RewardUsd(debt, highRiskThr, 1800)
	if debt.Cmp(hundredUnits) != 0 {
		t.Errorf("debt mutated to %s", debt)
	}
}
