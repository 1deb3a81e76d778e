package fees_test

import (
	"math/big"
	"testing"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fees"
	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

var hundredUnits = fixedpoint.MustBig("100000000000000000000") // 100 * 1e18

// ============================================================
// ProtocolFee
// ============================================================

func TestProtocolFeeFullYear(t *testing.T) {
	// 1% APR on 100 units over exactly one year is 1 unit.
	got := fees.ProtocolFee(hundredUnits, fixedpoint.SecondsPerYear)
	want := fixedpoint.Wad
	if got.Cmp(want) != 0 {
		t.Errorf("ProtocolFee(100, 1y) = %s, want %s", got, want)
	}
}

func TestProtocolFeeHalfYear(t *testing.T) {
	got := fees.ProtocolFee(hundredUnits, fixedpoint.SecondsPerYear/2)
	want := fixedpoint.MustBig("500000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("ProtocolFee(100, 6mo) = %s, want %s", got, want)
	}
}

func TestProtocolFeeIsSimpleInterest(t *testing.T) {
	// Two years charged in one settlement equals twice the one-year fee:
	// the fee never compounds on itself.
	oneYear := fees.ProtocolFee(hundredUnits, fixedpoint.SecondsPerYear)
	twoYears := fees.ProtocolFee(hundredUnits, 2*fixedpoint.SecondsPerYear)

	doubled := new(big.Int).Mul(oneYear, big.NewInt(2))
	if twoYears.Cmp(doubled) != 0 {
		t.Errorf("ProtocolFee(100, 2y) = %s, want %s", twoYears, doubled)
	}
}

func TestProtocolFeeOneSecond(t *testing.T) {
	// Exact truncating division, computed independently here.
	num := new(big.Int).Mul(hundredUnits, fixedpoint.AnnualFeeRate)
	denom := new(big.Int).Mul(big.NewInt(fixedpoint.SecondsPerYear), fixedpoint.Wad)
	want := num.Quo(num, denom)

	got := fees.ProtocolFee(hundredUnits, 1)
	if got.Cmp(want) != 0 {
		t.Errorf("ProtocolFee(100, 1s) = %s, want %s", got, want)
	}
	if got.Sign() <= 0 {
		t.Errorf("one-second fee on 100 units should be positive, got %s", got)
	}
}

func TestProtocolFeeZeroCases(t *testing.T) {
	if got := fees.ProtocolFee(hundredUnits, 0); got.Sign() != 0 {
		t.Errorf("zero elapsed fee = %s, want 0", got)
	}
	if got := fees.ProtocolFee(hundredUnits, -5); got.Sign() != 0 {
		t.Errorf("negative elapsed fee = %s, want 0", got)
	}
	if got := fees.ProtocolFee(new(big.Int), fixedpoint.SecondsPerYear); got.Sign() != 0 {
		t.Errorf("zero debt fee = %s, want 0", got)
	}
	if got := fees.ProtocolFee(nil, fixedpoint.SecondsPerYear); got.Sign() != 0 {
		t.Errorf("nil debt fee = %s, want 0", got)
	}
}

func TestProtocolFeeDoesNotMutateDebt(t *testing.T) {
	debt := new(big.Int).Set(hundredUnits)
	fees.ProtocolFee(debt, fixedpoint.SecondsPerYear)
	if debt.Cmp(hundredUnits) != 0 {
		t.Errorf("debt mutated to %s", debt)
	}
}

// ============================================================
// LiquidationPenalty
// ============================================================

func TestLiquidationPenalty(t *testing.T) {
	// Flat 1% of debt, independent of time.
	got := fees.LiquidationPenalty(hundredUnits)
	want := fixedpoint.Wad
	if got.Cmp(want) != 0 {
		t.Errorf("LiquidationPenalty(100) = %s, want %s", got, want)
	}
}

func TestLiquidationPenaltyZeroDebt(t *testing.T) {
	if got := fees.LiquidationPenalty(new(big.Int)); got.Sign() != 0 {
		t.Errorf("penalty on zero debt = %s, want 0", got)
	}
	if got := fees.LiquidationPenalty(nil); got.Sign() != 0 {
		t.Errorf("penalty on nil debt = %s, want 0", got)
	}
}

func TestLiquidationPenaltyTruncates(t *testing.T) {
	// 150 * 1e16 / 1e18 = 1.5 -> 1
	got := fees.LiquidationPenalty(big.NewInt(150))
	if got.Int64() != 1 {
		t.Errorf("LiquidationPenalty(150 wei) = %s, want 1", got)
	}
}
