package engine

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

// DebtToken is the mintable/burnable unit-of-account ledger for the
// stablecoin. Mint and burn are engine-gated; both fail loudly rather than
// silently. Not thread-safe — only accessed from the single-threaded core.
type DebtToken struct {
	balances    map[uuid.UUID]*big.Int
	totalSupply *big.Int
}

func NewDebtToken() *DebtToken {
	return &DebtToken{
		balances:    make(map[uuid.UUID]*big.Int),
		totalSupply: new(big.Int),
	}
}

// Mint credits freshly created tokens to a holder.
func (t *DebtToken) Mint(holder uuid.UUID, amount *big.Int) error {
	if fixedpoint.IsZero(amount) || amount.Sign() < 0 {
		return fmt.Errorf("mint amount must be positive, got %s", amount)
	}
	b, ok := t.balances[holder]
	if !ok {
		b = new(big.Int)
		t.balances[holder] = b
	}
	b.Add(b, amount)
	t.totalSupply.Add(t.totalSupply, amount)
	return nil
}

// BurnFrom transfers tokens from a holder to the engine and destroys them.
func (t *DebtToken) BurnFrom(holder uuid.UUID, amount *big.Int) error {
	if fixedpoint.IsZero(amount) || amount.Sign() < 0 {
		return fmt.Errorf("burn amount must be positive, got %s", amount)
	}
	b, ok := t.balances[holder]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient token balance for %s: have=%s, need=%s", holder, t.BalanceOf(holder), amount)
	}
	b.Sub(b, amount)
	if b.Sign() == 0 {
		delete(t.balances, holder)
	}
	t.totalSupply.Sub(t.totalSupply, amount)
	return nil
}

// BalanceOf returns a copy of a holder's balance.
func (t *DebtToken) BalanceOf(holder uuid.UUID) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the outstanding supply.
func (t *DebtToken) TotalSupply() *big.Int {
	return new(big.Int).Set(t.totalSupply)
}

// Snapshot returns holder balances as decimal strings keyed by holder UUID.
func (t *DebtToken) Snapshot() map[string]string {
	out := make(map[string]string, len(t.balances))
	for holder, b := range t.balances {
		out[holder.String()] = b.String()
	}
	return out
}

// Restore replaces the ledger from a snapshot.
func (t *DebtToken) Restore(snapshot map[string]string) error {
	t.balances = make(map[uuid.UUID]*big.Int, len(snapshot))
	t.totalSupply = new(big.Int)
	for holder, value := range snapshot {
		id, err := uuid.Parse(holder)
		if err != nil {
			return fmt.Errorf("parse token holder %q: %w", holder, err)
		}
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return fmt.Errorf("invalid token balance %q for holder %s", value, holder)
		}
		t.balances[id] = amount
		t.totalSupply.Add(t.totalSupply, amount)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for state hashing.
func (t *DebtToken) CanonicalBytes() []byte {
	holders := make([]string, 0, len(t.balances))
	for holder := range t.balances {
		holders = append(holders, holder.String())
	}
	sort.Strings(holders)

	buf := make([]byte, 0, len(holders)*48)
	for _, holder := range holders {
		id, _ := uuid.Parse(holder)
		buf = append(buf, id[:]...)
		b := t.balances[id].Bytes()
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
	}
	return buf
}
