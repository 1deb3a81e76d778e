package valuation

import (
	"fmt"
	"math/big"
	"time"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
	"github.com/nzes1/oc-stablecoin-sub000/internal/registry"
)

// StalenessWindow is how old a price may be before valuation refuses it.
const StalenessWindow = 2 * time.Hour

// ErrStalePrice is returned when the latest oracle observation is older than
// the staleness window. No stale-price fallback exists; the whole action
// using the price is rejected.
type ErrStalePrice struct {
	Feed string
	AsOf time.Time
}

func (e *ErrStalePrice) Error() string {
	return fmt.Sprintf("stale oracle price for feed %s (as of %s)", e.Feed, e.AsOf.UTC().Format(time.RFC3339))
}

// ErrNoPrice is returned when no observation exists for a feed yet.
type ErrNoPrice struct {
	Feed string
}

func (e *ErrNoPrice) Error() string {
	return fmt.Sprintf("no oracle price for feed %s", e.Feed)
}

// PricePoint is a single oracle observation. Value is in the oracle's native
// decimal scale; observations arrive as versioned events, never from
// wall-clock reads.
type PricePoint struct {
	Value    *big.Int
	Decimals uint8
	AsOf     time.Time
	Sequence int64
}

// PriceTable holds the latest observation per oracle feed. The oracle decimal
// count is fetched once per feed and cached; decimals never exceed 18.
type PriceTable struct {
	prices   map[string]PricePoint
	decimals map[string]uint8
}

func NewPriceTable() *PriceTable {
	return &PriceTable{
		prices:   make(map[string]PricePoint),
		decimals: make(map[string]uint8),
	}
}

// Set records an observation for a feed. The first observation pins the
// feed's decimal count.
func (pt *PriceTable) Set(feed string, p PricePoint) error {
	if cached, ok := pt.decimals[feed]; ok && cached != p.Decimals {
		return fmt.Errorf("feed %s decimals changed from %d to %d", feed, cached, p.Decimals)
	}
	if p.Decimals > 18 {
		return fmt.Errorf("feed %s has unsupported decimals %d", feed, p.Decimals)
	}
	pt.decimals[feed] = p.Decimals
	pt.prices[feed] = PricePoint{
		Value:    fixedpoint.Copy(p.Value),
		Decimals: p.Decimals,
		AsOf:     p.AsOf,
		Sequence: p.Sequence,
	}
	return nil
}

// Latest returns the freshest observation for a feed, rejecting stale ones.
// now comes from the event being processed, not the wall clock.
func (pt *PriceTable) Latest(feed string, now time.Time) (PricePoint, error) {
	p, ok := pt.prices[feed]
	if !ok {
		return PricePoint{}, &ErrNoPrice{Feed: feed}
	}
	if now.Sub(p.AsOf) > StalenessWindow {
		return PricePoint{}, &ErrStalePrice{Feed: feed, AsOf: p.AsOf}
	}
	return p, nil
}

// Snapshot returns a copy of all observations for state snapshots.
func (pt *PriceTable) Snapshot() map[string]PricePoint {
	out := make(map[string]PricePoint, len(pt.prices))
	for feed, p := range pt.prices {
		out[feed] = PricePoint{
			Value:    fixedpoint.Copy(p.Value),
			Decimals: p.Decimals,
			AsOf:     p.AsOf,
			Sequence: p.Sequence,
		}
	}
	return out
}

// Restore replaces all observations from a snapshot, re-pinning decimals.
func (pt *PriceTable) Restore(snapshot map[string]PricePoint) {
	pt.prices = make(map[string]PricePoint, len(snapshot))
	pt.decimals = make(map[string]uint8, len(snapshot))
	for feed, p := range snapshot {
		pt.decimals[feed] = p.Decimals
		pt.prices[feed] = PricePoint{
			Value:    fixedpoint.Copy(p.Value),
			Decimals: p.Decimals,
			AsOf:     p.AsOf,
			Sequence: p.Sequence,
		}
	}
}

// Service converts collateral token amounts to canonical 18-decimal USD
// values and back, using the registry for token decimals and the price table
// for oracle observations.
type Service struct {
	registry *registry.Registry
	prices   *PriceTable
}

func NewService(reg *registry.Registry, prices *PriceTable) *Service {
	return &Service{registry: reg, prices: prices}
}

// Prices exposes the underlying table for the core's price-update handler.
func (s *Service) Prices() *PriceTable {
	return s.prices
}

// RawUsdValue converts a token amount to USD in the oracle's native decimal
// scale: amount * price / 10^tokenDecimals.
func (s *Service) RawUsdValue(collateralID string, amount *big.Int, now time.Time) (*big.Int, error) {
	cfg, ok := s.registry.Get(collateralID)
	if !ok {
		return nil, fmt.Errorf("collateral %s not registered", collateralID)
	}
	p, err := s.prices.Latest(cfg.OracleFeed, now)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(amount, p.Value, fixedpoint.Pow10(cfg.TokenDecimals)), nil
}

// ScaleToCanonical lifts a raw oracle-scale value to 18 decimals. Oracle
// decimals never exceed 18, so this only ever multiplies up.
func (s *Service) ScaleToCanonical(collateralID string, rawValue *big.Int, now time.Time) (*big.Int, error) {
	cfg, ok := s.registry.Get(collateralID)
	if !ok {
		return nil, fmt.Errorf("collateral %s not registered", collateralID)
	}
	p, err := s.prices.Latest(cfg.OracleFeed, now)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(rawValue, fixedpoint.Pow10(18-p.Decimals)), nil
}

// UsdValue converts a token amount straight to canonical 18-decimal USD.
func (s *Service) UsdValue(collateralID string, amount *big.Int, now time.Time) (*big.Int, error) {
	raw, err := s.RawUsdValue(collateralID, amount, now)
	if err != nil {
		return nil, err
	}
	return s.ScaleToCanonical(collateralID, raw, now)
}

// TokenAmountFor is the inverse conversion: how many collateral tokens a
// canonical USD value buys at the current price. Used to turn USD fees,
// penalties, and rewards into deductible collateral amounts.
func (s *Service) TokenAmountFor(collateralID string, usdValue18 *big.Int, now time.Time) (*big.Int, error) {
	cfg, ok := s.registry.Get(collateralID)
	if !ok {
		return nil, fmt.Errorf("collateral %s not registered", collateralID)
	}
	p, err := s.prices.Latest(cfg.OracleFeed, now)
	if err != nil {
		return nil, err
	}
	scaledPrice := new(big.Int).Mul(p.Value, fixedpoint.Pow10(18-p.Decimals))
	if scaledPrice.Sign() == 0 {
		return nil, fmt.Errorf("zero price for feed %s", cfg.OracleFeed)
	}
	return fixedpoint.MulDiv(usdValue18, fixedpoint.Pow10(cfg.TokenDecimals), scaledPrice), nil
}
