// Package liquidation implements the reward curves and outcome split for
// full-debt liquidations. All rates are 18-decimal fixed point; all USD
// values are canonical 18-decimal.
package liquidation

import (
	"math/big"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
	"github.com/nzes1/oc-stablecoin-sub000/internal/registry"
)

var (
	// Time-decay discount: 3.0% at underwater onset, linearly down to 1.8%
	// at onset+3600s, flat thereafter. Rewards fast keepers.
	discountRateOnset = fixedpoint.MustBig("30000000000000000")
	discountRateFloor = fixedpoint.MustBig("18000000000000000")

	// Size reward rates by risk tier.
	sizeRateHighRisk = fixedpoint.MustBig("15000000000000000")
	sizeRateLowRisk  = fixedpoint.MustBig("5000000000000000")

	// Size reward bounds: floor 10 units, cap 5000 units.
	sizeRewardFloor = fixedpoint.MustBig("10000000000000000000")
	sizeRewardCap   = fixedpoint.MustBig("5000000000000000000000")

	// highRiskOCR is the implied overcollateralization ratio (1e36 /
	// threshold) at or above which a collateral type pays the high-risk
	// size rate. 150% as 18-decimal fixed point.
	highRiskOCR = fixedpoint.MustBig("1500000000000000000")
)

// DecayWindowSeconds is the span over which the discount rate decays.
const DecayWindowSeconds = 3600

// DiscountRate returns the time-decayed discount rate for a vault that went
// underwater elapsedSeconds ago.
func DiscountRate(elapsedSeconds int64) *big.Int {
	if elapsedSeconds <= 0 {
		return new(big.Int).Set(discountRateOnset)
	}
	if elapsedSeconds >= DecayWindowSeconds {
		return new(big.Int).Set(discountRateFloor)
	}
	span := new(big.Int).Sub(discountRateOnset, discountRateFloor)
	decay := fixedpoint.MulDiv(span, big.NewInt(elapsedSeconds), big.NewInt(DecayWindowSeconds))
	return new(big.Int).Sub(discountRateOnset, decay)
}

// DiscountUsd computes the speed-bonus portion of the reward:
// rate * debt / 1e18.
func DiscountUsd(debt *big.Int, elapsedSeconds int64) *big.Int {
	return fixedpoint.MulDiv(DiscountRate(elapsedSeconds), debt, fixedpoint.Wad)
}

// SizeRate returns the debt-size reward rate for a collateral threshold.
// Collateral configured with an implied OCR at or above 150% is the
// high-risk tier.
func SizeRate(threshold *big.Int) *big.Int {
	if registry.ImpliedOCR(threshold).Cmp(highRiskOCR) >= 0 {
		return new(big.Int).Set(sizeRateHighRisk)
	}
	return new(big.Int).Set(sizeRateLowRisk)
}

// SizeRewardUsd computes the risk-scaled portion of the reward, clamped to
// [10 units, 5000 units].
func SizeRewardUsd(debt, threshold *big.Int) *big.Int {
	reward := fixedpoint.MulDiv(SizeRate(threshold), debt, fixedpoint.Wad)
	return fixedpoint.Clamp(reward, sizeRewardFloor, sizeRewardCap)
}

// RewardUsd is the total USD reward owed to a liquidator: time-decay
// discount plus clamped size reward.
func RewardUsd(debt, threshold *big.Int, elapsedSeconds int64) *big.Int {
	total := DiscountUsd(debt, elapsedSeconds)
	return total.Add(total, SizeRewardUsd(debt, threshold))
}
