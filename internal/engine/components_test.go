package engine_test

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/engine"
)

// ============================================================
// Sequence validator
// ============================================================

func TestValidateSequenceStrictOrdering(t *testing.T) {
	sv := engine.NewSequenceValidator()

	for seq := int64(0); seq < 3; seq++ {
		if err := sv.ValidateSequence("actions:ETH", seq, false); err != nil {
			t.Fatalf("ValidateSequence(%d): %v", seq, err)
		}
	}
	if sv.GetExpectedSequence("actions:ETH") != 3 {
		t.Errorf("expected next = %d, want 3", sv.GetExpectedSequence("actions:ETH"))
	}

	if err := sv.ValidateSequence("actions:ETH", 5, false); err == nil {
		t.Error("sequence gap accepted")
	}
	if err := sv.ValidateSequence("actions:ETH", 1, false); err == nil {
		t.Error("replayed non-duplicate accepted")
	}
	// The same lower sequence with the duplicate flag is a redelivery.
	if err := sv.ValidateSequence("actions:ETH", 1, true); err != nil {
		t.Errorf("duplicate redelivery rejected: %v", err)
	}
}

func TestValidateSequencePartitionsAreIndependent(t *testing.T) {
	sv := engine.NewSequenceValidator()

	if err := sv.ValidateSequence("actions:ETH", 0, false); err != nil {
		t.Fatalf("ETH seq 0: %v", err)
	}
	// A fresh partition starts at zero regardless of the other.
	if err := sv.ValidateSequence("actions:WBTC", 0, false); err != nil {
		t.Fatalf("WBTC seq 0: %v", err)
	}
}

func TestValidatePriceSequenceSkipsStale(t *testing.T) {
	sv := engine.NewSequenceValidator()

	if !sv.ValidatePriceSequence("ETH/USD", 5) {
		t.Fatal("first observation rejected")
	}
	if sv.ValidatePriceSequence("ETH/USD", 5) {
		t.Error("same sequence accepted twice")
	}
	if sv.ValidatePriceSequence("ETH/USD", 3) {
		t.Error("older sequence accepted")
	}
	// Gaps are fine: only the latest observation matters.
	if !sv.ValidatePriceSequence("ETH/USD", 100) {
		t.Error("gapped newer sequence rejected")
	}
	if sv.ValidatePriceSequence("ETH/USD", 0) {
		t.Error("zero sequence accepted after progress")
	}
}

func TestSequenceValidatorSnapshotRestore(t *testing.T) {
	sv := engine.NewSequenceValidator()
	sv.ValidateSequence("actions:ETH", 0, false)
	sv.ValidateSequence("actions:ETH", 1, false)
	sv.ValidatePriceSequence("ETH/USD", 9)

	restored := engine.NewSequenceValidator()
	restored.Restore(sv.Snapshot())

	if restored.GetExpectedSequence("actions:ETH") != 2 {
		t.Errorf("restored actions cursor = %d, want 2", restored.GetExpectedSequence("actions:ETH"))
	}
	if restored.ValidatePriceSequence("ETH/USD", 9) {
		t.Error("restored validator accepted a pre-snapshot price sequence")
	}
	if err := restored.ValidateSequence("actions:ETH", 2, false); err != nil {
		t.Errorf("restored validator rejected next action: %v", err)
	}
}

// ============================================================
// Idempotency LRU
// ============================================================

func TestIdempotencyLRUEvictsOldest(t *testing.T) {
	lru := engine.NewIdempotencyLRU(3)
	for i := 0; i < 3; i++ {
		lru.Add(fmt.Sprintf("key-%d", i))
	}

	// Touch key-0 so key-1 becomes the eviction candidate.
	if !lru.Contains("key-0") {
		t.Fatal("key-0 missing")
	}
	lru.Add("key-3")

	if lru.Contains("key-1") {
		t.Error("key-1 survived eviction")
	}
	if !lru.Contains("key-0") || !lru.Contains("key-2") || !lru.Contains("key-3") {
		t.Error("recently used keys evicted")
	}
	if lru.Size() != 3 {
		t.Errorf("size = %d, want 3", lru.Size())
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", lru.Evictions())
	}
}

func TestIdempotencyLRUWarmFromKeys(t *testing.T) {
	lru := engine.NewIdempotencyLRU(10)
	lru.Add("existing")
	lru.WarmFromKeys([]string{"existing", "warm-1", "warm-2"})

	if lru.Size() != 3 {
		t.Errorf("size = %d, want 3", lru.Size())
	}
	keys := lru.Keys()
	if len(keys) != 3 {
		t.Fatalf("Keys() = %d entries, want 3", len(keys))
	}
}

func TestIdempotencyCheckerTwoTier(t *testing.T) {
	ic := engine.NewIdempotencyChecker(16, nil)

	if ic.IsDuplicate("Deposit", "action-1") {
		t.Error("unseen key reported duplicate")
	}
	ic.MarkProcessed("Deposit", "action-1")
	if !ic.IsDuplicate("Deposit", "action-1") {
		t.Error("marked key not reported duplicate")
	}
	// The composite key includes the event type.
	if ic.IsDuplicate("Withdraw", "action-1") {
		t.Error("same action id under a different event type reported duplicate")
	}
	if !ic.IsDuplicateCached("Deposit", "action-1") {
		t.Error("cached tier missed a marked key")
	}
}

// ============================================================
// State hash chain
// ============================================================

func TestStateHasherChains(t *testing.T) {
	a := engine.NewStateHasher()
	b := engine.NewStateHasher()

	if a.GetPrevHash() != b.GetPrevHash() {
		t.Fatal("genesis hashes differ")
	}

	h1 := a.ComputeHash(1, []byte("digest-1"))
	if a.GetPrevHash() != h1 {
		t.Error("chain tip not advanced")
	}

	// Same inputs, same chain.
	if b.ComputeHash(1, []byte("digest-1")) != h1 {
		t.Error("identical inputs produced different hashes")
	}

	// Any input difference changes the hash.
	c := engine.NewStateHasher()
	if c.ComputeHash(2, []byte("digest-1")) == h1 {
		t.Error("different sequence produced identical hash")
	}

	// The chain tip feeds the next hash: continuing from h1 differs from
	// continuing from genesis.
	h2 := a.ComputeHash(2, []byte("digest-2"))
	d := engine.NewStateHasher()
	if d.ComputeHash(2, []byte("digest-2")) == h2 {
		t.Error("chain tip not included in hash input")
	}
}

func TestStateHasherSetPrevHash(t *testing.T) {
	a := engine.NewStateHasher()
	a.ComputeHash(1, []byte("digest-1"))
	tip := a.GetPrevHash()

	b := engine.NewStateHasher()
	b.SetPrevHash(tip)
	if a.ComputeHash(2, []byte("digest-2")) != b.ComputeHash(2, []byte("digest-2")) {
		t.Error("restored chain tip diverged")
	}
}

// ============================================================
// Debt token
// ============================================================

func TestDebtTokenMintBurn(t *testing.T) {
	tok := engine.NewDebtToken()
	holder := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	if err := tok.Mint(holder, units(100)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok.BalanceOf(holder).Cmp(units(100)) != 0 {
		t.Errorf("balance = %s, want %s", tok.BalanceOf(holder), units(100))
	}
	if tok.TotalSupply().Cmp(units(100)) != 0 {
		t.Errorf("supply = %s, want %s", tok.TotalSupply(), units(100))
	}

	if err := tok.BurnFrom(holder, units(101)); err == nil {
		t.Error("burn above balance succeeded")
	}
	if err := tok.BurnFrom(holder, units(100)); err != nil {
		t.Fatalf("BurnFrom: %v", err)
	}
	if tok.TotalSupply().Sign() != 0 {
		t.Errorf("supply after full burn = %s, want 0", tok.TotalSupply())
	}

	if err := tok.Mint(holder, new(big.Int)); err == nil {
		t.Error("zero mint succeeded")
	}
	if err := tok.BurnFrom(holder, big.NewInt(-1)); err == nil {
		t.Error("negative burn succeeded")
	}
}

func TestDebtTokenBalanceOfReturnsCopy(t *testing.T) {
	tok := engine.NewDebtToken()
	holder := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	if err := tok.Mint(holder, units(100)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	b := tok.BalanceOf(holder)
	b.SetInt64(0)
	if tok.BalanceOf(holder).Cmp(units(100)) != 0 {
		t.Error("BalanceOf leaked internal state")
	}
}

func TestDebtTokenSnapshotRestore(t *testing.T) {
	tok := engine.NewDebtToken()
	h1 := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	h2 := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	tok.Mint(h1, units(100))
	tok.Mint(h2, units(40))

	restored := engine.NewDebtToken()
	if err := restored.Restore(tok.Snapshot()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.TotalSupply().Cmp(units(140)) != 0 {
		t.Errorf("restored supply = %s, want %s", restored.TotalSupply(), units(140))
	}
	if restored.BalanceOf(h2).Cmp(units(40)) != 0 {
		t.Errorf("restored balance = %s, want %s", restored.BalanceOf(h2), units(40))
	}

	if err := restored.Restore(map[string]string{"not-a-uuid": "1"}); err == nil {
		t.Error("Restore accepted malformed holder")
	}
}

func TestDebtTokenCanonicalBytesDeterministic(t *testing.T) {
	build := func() *engine.DebtToken {
		tok := engine.NewDebtToken()
		tok.Mint(uuid.MustParse("22222222-2222-2222-2222-222222222222"), units(40))
		tok.Mint(uuid.MustParse("11111111-1111-1111-1111-111111111111"), units(100))
		return tok
	}

	a := build().CanonicalBytes()
	b := build().CanonicalBytes()
	if string(a) != string(b) {
		t.Error("CanonicalBytes not deterministic")
	}

	tok := build()
	tok.Mint(uuid.MustParse("11111111-1111-1111-1111-111111111111"), big.NewInt(1))
	if string(a) == string(tok.CanonicalBytes()) {
		t.Error("CanonicalBytes unchanged after mint")
	}
}
