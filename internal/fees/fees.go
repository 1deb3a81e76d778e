// Package fees implements the protocol fee and liquidation penalty math.
// Both functions are pure; settlement against vault state happens in the
// engine.
package fees

import (
	"math/big"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

// ProtocolFee computes the simple-interest protocol fee in stablecoin units:
// debt * APR * elapsedSeconds / (SECONDS_PER_YEAR * 1e18). Prorated by exact
// elapsed seconds since the last settlement; never compounded.
func ProtocolFee(debt *big.Int, elapsedSeconds int64) *big.Int {
	if fixedpoint.IsZero(debt) || elapsedSeconds <= 0 {
		return new(big.Int)
	}
	numerator := new(big.Int).Mul(debt, fixedpoint.AnnualFeeRate)
	numerator.Mul(numerator, big.NewInt(elapsedSeconds))
	denominator := new(big.Int).Mul(big.NewInt(fixedpoint.SecondsPerYear), fixedpoint.Wad)
	return numerator.Quo(numerator, denominator)
}

// LiquidationPenalty computes the flat one-time penalty in stablecoin units:
// debt * PENALTY_RATE / 1e18. Independent of how long the vault was
// underwater.
func LiquidationPenalty(debt *big.Int) *big.Int {
	if fixedpoint.IsZero(debt) {
		return new(big.Int)
	}
	return fixedpoint.MulDiv(debt, fixedpoint.PenaltyRate, fixedpoint.Wad)
}
