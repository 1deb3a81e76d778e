package fixedpoint

import "math/big"

// All USD-denominated values in the engine use 18-decimal fixed point,
// regardless of source token or oracle decimals. Multiply before dividing.

var (
	// Wad is the 18-decimal fixed-point unit (1.0).
	Wad = MustBig("1000000000000000000")

	// HundredWad is 100 * 1e18, used when deriving thresholds from
	// overcollateralization percentages.
	HundredWad = MustBig("100000000000000000000")

	// AnnualFeeRate is the flat protocol fee APR, 1% as 1e16.
	AnnualFeeRate = MustBig("10000000000000000")

	// PenaltyRate is the flat liquidation penalty, 1% of debt as 1e16.
	PenaltyRate = MustBig("10000000000000000")
)

// SecondsPerYear prorates the annual fee rate by exact elapsed seconds.
const SecondsPerYear = 31_536_000

// MustBig parses a base-10 big integer constant, panicking on malformed input.
func MustBig(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant: " + value)
	}
	return v
}

// MulDiv computes a * b / denom with the multiplication performed first so no
// precision is lost before the division. Truncating division; result is a new
// big.Int.
func MulDiv(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, denom)
}

// Pow10 returns 10^n as a big.Int. n must be small (token/oracle decimals).
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Clamp bounds x to [min, max], returning a copy.
func Clamp(x, min, max *big.Int) *big.Int {
	if x.Cmp(min) < 0 {
		return new(big.Int).Set(min)
	}
	if x.Cmp(max) > 0 {
		return new(big.Int).Set(max)
	}
	return new(big.Int).Set(x)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}

// Copy returns a defensive copy of x, treating nil as zero.
func Copy(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
