package vault

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe — only accessed from the single-threaded core.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) balanceRef(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.balanceRef(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.balanceRef(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// GetUserUnlocked returns collateral held by an account but not locked into
// any vault
func (bt *BalanceTracker) GetUserUnlocked(owner uuid.UUID, asset string) *big.Int {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypeUnlocked, asset))
}

// GetUserLocked returns collateral locked into the owner's vault
func (bt *BalanceTracker) GetUserLocked(owner uuid.UUID, asset string) *big.Int {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypeLocked, asset))
}

// ValidateSufficientUnlocked checks if an owner has enough unlocked collateral
func (bt *BalanceTracker) ValidateSufficientUnlocked(owner uuid.UUID, asset string, required *big.Int) error {
	unlocked := bt.GetUserUnlocked(owner, asset)
	if unlocked.Cmp(required) < 0 {
		return fmt.Errorf("insufficient unlocked balance: have=%s, need=%s", unlocked, required)
	}
	return nil
}

// ValidateSufficientLocked checks if an owner's vault holds enough collateral
func (bt *BalanceTracker) ValidateSufficientLocked(owner uuid.UUID, asset string, required *big.Int) error {
	locked := bt.GetUserLocked(owner, asset)
	if locked.Cmp(required) < 0 {
		return fmt.Errorf("insufficient locked balance: have=%s, need=%s", locked, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if b, ok := bt.balances[key]; ok && b.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), b)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger spanning user, system, and external scopes)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns balances keyed by account path with decimal-string values
// (for state hashing and JSON snapshots)
func (bt *BalanceTracker) Snapshot() map[string]string {
	snapshot := make(map[string]string, len(bt.balances))
	for k, v := range bt.balances {
		if v.Sign() == 0 {
			continue
		}
		snapshot[k.AccountPath()] = v.String()
	}
	return snapshot
}

// Restore replaces tracked balances from a snapshot. Paths must round-trip
// through ParseAccountPath.
func (bt *BalanceTracker) Restore(snapshot map[string]string) error {
	bt.balances = make(map[AccountKey]*big.Int, len(snapshot))
	for path, value := range snapshot {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return fmt.Errorf("invalid balance %q for account %s", value, path)
		}
		bt.balances[key] = amount
	}
	return nil
}
