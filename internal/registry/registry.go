package registry

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

// NativeTokenRef is the sentinel token reference recorded for the
// chain-native asset when a registration carries no explicit token reference.
const NativeTokenRef = "native"

// CollateralConfig holds the per-collateral-type risk configuration.
// Immutable after registration except for the aggregate-debt counter and the
// monotonic fee/penalty totals.
type CollateralConfig struct {
	CollateralID  string
	TokenRef      string
	OracleFeed    string
	TokenDecimals uint8

	// Threshold is the trusted-value fraction in 18-decimal fixed point,
	// derived from the target overcollateralization percentage at
	// registration time.
	Threshold *big.Int

	// AggregateDebt is the sum of outstanding debt across all vaults of
	// this collateral type. Must always equal the per-vault sum.
	AggregateDebt *big.Int

	// AccruedFees and AccruedPenalty count collateral swept into the
	// protocol reserve. Monotonic; never decremented.
	AccruedFees    *big.Int
	AccruedPenalty *big.Int
}

// ThresholdFromOCR derives the trusted-value threshold from a target
// overcollateralization percentage: threshold = 10^20 / OCR.
// OCR 170 yields 588235294117647058 (58.82% of raw value is trusted).
func ThresholdFromOCR(ocrPercent uint64) *big.Int {
	if ocrPercent == 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(fixedpoint.HundredWad, new(big.Int).SetUint64(ocrPercent))
}

// ImpliedOCR inverts a threshold back to the 18-decimal overcollateralization
// ratio: 10^36 / threshold. Used for risk-tier classification.
func ImpliedOCR(threshold *big.Int) *big.Int {
	if fixedpoint.IsZero(threshold) {
		return new(big.Int)
	}
	num := new(big.Int).Mul(fixedpoint.Wad, fixedpoint.Wad)
	return num.Quo(num, threshold)
}

// Registry is the keyed store of collateral configurations. The engine owns
// all entries; not safe for concurrent use outside the single-threaded core.
type Registry struct {
	configs map[string]*CollateralConfig
}

func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]*CollateralConfig),
	}
}

// Register adds a collateral type. Fails if the identifier is taken.
func (r *Registry) Register(id, tokenRef, oracleFeed string, tokenDecimals uint8, ocrPercent uint64) (*CollateralConfig, error) {
	if _, exists := r.configs[id]; exists {
		return nil, fmt.Errorf("collateral %s already registered", id)
	}
	if tokenDecimals > 18 {
		return nil, fmt.Errorf("collateral %s has unsupported decimals %d", id, tokenDecimals)
	}
	if ocrPercent < 100 {
		return nil, fmt.Errorf("collateral %s OCR %d%% below 100%%", id, ocrPercent)
	}
	if tokenRef == "" {
		tokenRef = NativeTokenRef
	}
	cfg := &CollateralConfig{
		CollateralID:   id,
		TokenRef:       tokenRef,
		OracleFeed:     oracleFeed,
		TokenDecimals:  tokenDecimals,
		Threshold:      ThresholdFromOCR(ocrPercent),
		AggregateDebt:  new(big.Int),
		AccruedFees:    new(big.Int),
		AccruedPenalty: new(big.Int),
	}
	r.configs[id] = cfg
	return cfg, nil
}

// Remove deletes a collateral type. Fails while any debt is outstanding so
// open positions cannot be orphaned.
func (r *Registry) Remove(id string) error {
	cfg, exists := r.configs[id]
	if !exists {
		return fmt.Errorf("collateral %s not registered", id)
	}
	if cfg.AggregateDebt.Sign() != 0 {
		return fmt.Errorf("collateral %s has outstanding debt %s", id, cfg.AggregateDebt)
	}
	delete(r.configs, id)
	return nil
}

// Get returns the configuration for a collateral type.
func (r *Registry) Get(id string) (*CollateralConfig, bool) {
	cfg, ok := r.configs[id]
	return cfg, ok
}

// List returns all registered collateral identifiers in sorted order.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConfigSnapshot is the JSON-serializable form of a CollateralConfig.
type ConfigSnapshot struct {
	CollateralID   string `json:"collateral_id"`
	TokenRef       string `json:"token_ref"`
	OracleFeed     string `json:"oracle_feed"`
	TokenDecimals  uint8  `json:"token_decimals"`
	Threshold      string `json:"threshold"`
	AggregateDebt  string `json:"aggregate_debt"`
	AccruedFees    string `json:"accrued_fees"`
	AccruedPenalty string `json:"accrued_penalty"`
}

// Snapshot returns all configurations in sorted order for state snapshots.
func (r *Registry) Snapshot() []ConfigSnapshot {
	out := make([]ConfigSnapshot, 0, len(r.configs))
	for _, id := range r.List() {
		c := r.configs[id]
		out = append(out, ConfigSnapshot{
			CollateralID:   c.CollateralID,
			TokenRef:       c.TokenRef,
			OracleFeed:     c.OracleFeed,
			TokenDecimals:  c.TokenDecimals,
			Threshold:      c.Threshold.String(),
			AggregateDebt:  c.AggregateDebt.String(),
			AccruedFees:    c.AccruedFees.String(),
			AccruedPenalty: c.AccruedPenalty.String(),
		})
	}
	return out
}

// Restore replaces the registry contents from a snapshot.
func (r *Registry) Restore(snapshot []ConfigSnapshot) error {
	r.configs = make(map[string]*CollateralConfig, len(snapshot))
	for _, s := range snapshot {
		cfg := &CollateralConfig{
			CollateralID:  s.CollateralID,
			TokenRef:      s.TokenRef,
			OracleFeed:    s.OracleFeed,
			TokenDecimals: s.TokenDecimals,
		}
		var err error
		if cfg.Threshold, err = parseBig(s.Threshold); err != nil {
			return fmt.Errorf("collateral %s: %w", s.CollateralID, err)
		}
		if cfg.AggregateDebt, err = parseBig(s.AggregateDebt); err != nil {
			return fmt.Errorf("collateral %s: %w", s.CollateralID, err)
		}
		if cfg.AccruedFees, err = parseBig(s.AccruedFees); err != nil {
			return fmt.Errorf("collateral %s: %w", s.CollateralID, err)
		}
		if cfg.AccruedPenalty, err = parseBig(s.AccruedPenalty); err != nil {
			return fmt.Errorf("collateral %s: %w", s.CollateralID, err)
		}
		r.configs[s.CollateralID] = cfg
	}
	return nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}
	return v, nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (c *CollateralConfig) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	for _, s := range []string{c.CollateralID, c.TokenRef, c.OracleFeed} {
		buf = append(buf, byte(len(s)))
		buf = append(buf, []byte(s)...)
	}
	buf = append(buf, c.TokenDecimals)
	for _, v := range []*big.Int{c.Threshold, c.AggregateDebt, c.AccruedFees, c.AccruedPenalty} {
		b := v.Bytes()
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
	}
	return buf
}

// AddDebt increases the aggregate-debt counter.
func (c *CollateralConfig) AddDebt(amount *big.Int) {
	c.AggregateDebt.Add(c.AggregateDebt, amount)
}

// SubDebt decreases the aggregate-debt counter. The per-vault sum invariant
// means this can never go negative; a violation is a corrupted ledger.
func (c *CollateralConfig) SubDebt(amount *big.Int) {
	c.AggregateDebt.Sub(c.AggregateDebt, amount)
	if c.AggregateDebt.Sign() < 0 {
		panic(fmt.Sprintf("FATAL: aggregate debt for %s went negative: %s", c.CollateralID, c.AggregateDebt))
	}
}

// SweepFees records collateral taken as protocol fee.
func (c *CollateralConfig) SweepFees(amount *big.Int) {
	c.AccruedFees.Add(c.AccruedFees, amount)
}

// SweepPenalty records collateral taken as liquidation penalty.
func (c *CollateralConfig) SweepPenalty(amount *big.Int) {
	c.AccruedPenalty.Add(c.AccruedPenalty, amount)
}
