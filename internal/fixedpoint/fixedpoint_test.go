package fixedpoint_test

import (
	"math/big"
	"testing"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

func big10(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad test constant: " + s)
	}
	return v
}

// ============================================================
// MulDiv
// ============================================================

func TestMulDivMultipliesBeforeDividing(t *testing.T) {
	// 3e18 * 5e17 / 1e18 would lose precision if the division ran first.
	got := fixedpoint.MulDiv(big10("3000000000000000000"), big10("500000000000000000"), fixedpoint.Wad)
	want := big10("1500000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("MulDiv = %s, want %s", got, want)
	}
}

func TestMulDivTruncates(t *testing.T) {
	// 7 * 1 / 2 = 3.5 -> 3
	got := fixedpoint.MulDiv(big.NewInt(7), big.NewInt(1), big.NewInt(2))
	if got.Int64() != 3 {
		t.Errorf("MulDiv(7,1,2) = %s, want 3", got)
	}
}

func TestMulDivZeroDenominator(t *testing.T) {
	got := fixedpoint.MulDiv(big.NewInt(10), big.NewInt(10), new(big.Int))
	if got.Sign() != 0 {
		t.Errorf("MulDiv with zero denom = %s, want 0", got)
	}
}

func TestMulDivNilOperands(t *testing.T) {
	if got := fixedpoint.MulDiv(nil, big.NewInt(1), big.NewInt(1)); got.Sign() != 0 {
		t.Errorf("MulDiv(nil,1,1) = %s, want 0", got)
	}
	if got := fixedpoint.MulDiv(big.NewInt(1), nil, big.NewInt(1)); got.Sign() != 0 {
		t.Errorf("MulDiv(1,nil,1) = %s, want 0", got)
	}
}

func TestMulDivDoesNotMutateInputs(t *testing.T) {
	a := big.NewInt(6)
	b := big.NewInt(7)
	denom := big.NewInt(2)
	fixedpoint.MulDiv(a, b, denom)
	if a.Int64() != 6 || b.Int64() != 7 || denom.Int64() != 2 {
		t.Errorf("inputs mutated: a=%s b=%s denom=%s", a, b, denom)
	}
}

// ============================================================
// Pow10 / Clamp / Min
// ============================================================

func TestPow10(t *testing.T) {
	cases := []struct {
		n    uint8
		want string
	}{
		{0, "1"},
		{1, "10"},
		{8, "100000000"},
		{18, "1000000000000000000"},
	}
	for _, tc := range cases {
		got := fixedpoint.Pow10(tc.n)
		if got.String() != tc.want {
			t.Errorf("Pow10(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestClamp(t *testing.T) {
	min := big.NewInt(10)
	max := big.NewInt(100)

	if got := fixedpoint.Clamp(big.NewInt(5), min, max); got.Int64() != 10 {
		t.Errorf("Clamp(5) = %s, want 10", got)
	}
	if got := fixedpoint.Clamp(big.NewInt(50), min, max); got.Int64() != 50 {
		t.Errorf("Clamp(50) = %s, want 50", got)
	}
	if got := fixedpoint.Clamp(big.NewInt(500), min, max); got.Int64() != 100 {
		t.Errorf("Clamp(500) = %s, want 100", got)
	}
}

func TestClampReturnsCopy(t *testing.T) {
	min := big.NewInt(10)
	got := fixedpoint.Clamp(big.NewInt(5), min, big.NewInt(100))
	got.SetInt64(999)
	if min.Int64() != 10 {
		t.Errorf("Clamp aliased the bound: min = %s", min)
	}
}

func TestMin(t *testing.T) {
	if got := fixedpoint.Min(big.NewInt(3), big.NewInt(9)); got.Int64() != 3 {
		t.Errorf("Min(3,9) = %s, want 3", got)
	}
	if got := fixedpoint.Min(big.NewInt(9), big.NewInt(3)); got.Int64() != 3 {
		t.Errorf("Min(9,3) = %s, want 3", got)
	}
}

// ============================================================
// IsZero / Copy / MustBig
// ============================================================

func TestIsZero(t *testing.T) {
	if !fixedpoint.IsZero(nil) {
		t.Error("IsZero(nil) = false, want true")
	}
	if !fixedpoint.IsZero(new(big.Int)) {
		t.Error("IsZero(0) = false, want true")
	}
	if fixedpoint.IsZero(big.NewInt(1)) {
		t.Error("IsZero(1) = true, want false")
	}
}

func TestCopyNilIsZero(t *testing.T) {
	got := fixedpoint.Copy(nil)
	if got == nil || got.Sign() != 0 {
		t.Errorf("Copy(nil) = %v, want 0", got)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	orig := big.NewInt(42)
	cp := fixedpoint.Copy(orig)
	cp.SetInt64(7)
	if orig.Int64() != 42 {
		t.Errorf("Copy aliased the original: %s", orig)
	}
}

func TestMustBigPanicsOnGarbage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBig did not panic on malformed input")
		}
	}()
	fixedpoint.MustBig("not a number")
}

func TestConstants(t *testing.T) {
	if fixedpoint.Wad.String() != "1000000000000000000" {
		t.Errorf("Wad = %s", fixedpoint.Wad)
	}
	if fixedpoint.AnnualFeeRate.String() != "10000000000000000" {
		t.Errorf("AnnualFeeRate = %s", fixedpoint.AnnualFeeRate)
	}
	if fixedpoint.PenaltyRate.String() != "10000000000000000" {
		t.Errorf("PenaltyRate = %s", fixedpoint.PenaltyRate)
	}
}
