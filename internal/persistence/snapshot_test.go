package persistence_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/engine"
	"github.com/nzes1/oc-stablecoin-sub000/internal/event"
	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
	"github.com/nzes1/oc-stablecoin-sub000/internal/persistence"
	"github.com/nzes1/oc-stablecoin-sub000/internal/registry"
	"github.com/nzes1/oc-stablecoin-sub000/internal/valuation"
	"github.com/nzes1/oc-stablecoin-sub000/internal/vault"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// ============================================================
// Row mappers
// ============================================================

func TestEventRowFromEnvelope(t *testing.T) {
	coll := "ETH"
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "key-7",
		EventType:      event.EventTypeDeposit,
		CollateralID:   &coll,
		Timestamp:      t0,
		SourceSequence: 3,
		Payload:        []byte(`{"Amount":"100"}`),
		StateHash:      [32]byte{1, 2, 3},
		PrevHash:       [32]byte{4, 5, 6},
	}

	row := persistence.EventRowFromEnvelope(env)
	if row.Sequence != 7 || row.SourceSequence != 3 {
		t.Errorf("sequences = %d/%d, want 7/3", row.Sequence, row.SourceSequence)
	}
	if row.EventType != "Deposit" {
		t.Errorf("event type = %q, want Deposit", row.EventType)
	}
	if row.CollateralID == nil || *row.CollateralID != "ETH" {
		t.Errorf("collateral id = %v, want ETH", row.CollateralID)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		t.Errorf("hash lengths = %d/%d, want 32/32", len(row.StateHash), len(row.PrevHash))
	}
	if row.StateHash[0] != 1 || row.PrevHash[0] != 4 {
		t.Error("hash bytes not carried through")
	}
}

func TestJournalRowsFromBatch(t *testing.T) {
	if rows := persistence.JournalRowsFromBatch(nil); rows != nil {
		t.Errorf("nil batch produced %d rows", len(rows))
	}

	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID:  batchID,
		EventRef: "evt-1",
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      "evt-1",
			Sequence:      5,
			DebitAccount:  vault.NewUserAccountKey(alice, vault.SubTypeUnlocked, "ETH"),
			CreditAccount: vault.NewExternalAccountKey(vault.SubTypeCustody, "ETH"),
			Asset:         "ETH",
			Amount:        fixedpoint.MustBig("140000000000000000000"),
			JournalType:   vault.JournalTypeDeposit,
			Timestamp:     t0.UnixMicro(),
		}},
	}

	rows := persistence.JournalRowsFromBatch(batch)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.Amount != "140000000000000000000" {
		t.Errorf("amount = %q, want decimal string", r.Amount)
	}
	if r.DebitAccount != "user:11111111-1111-1111-1111-111111111111:unlocked:ETH" {
		t.Errorf("debit account = %q", r.DebitAccount)
	}
	if r.CreditAccount != "external:custody:ETH" {
		t.Errorf("credit account = %q", r.CreditAccount)
	}
	if r.JournalType != "deposit" {
		t.Errorf("journal type = %q, want deposit", r.JournalType)
	}
}

// ============================================================
// Snapshot codec
// ============================================================

func testEngineState() *engine.SnapshotState {
	underwater := t0.Add(time.Hour)
	return &engine.SnapshotState{
		Sequence:  42,
		StateHash: [32]byte{0xaa, 0xbb},
		Registry: []registry.ConfigSnapshot{{
			CollateralID:   "ETH",
			TokenRef:       "0xWETH",
			OracleFeed:     "ETH/USD",
			TokenDecimals:  18,
			Threshold:      "588235294117647058",
			AggregateDebt:  "100000000000000000000",
			AccruedFees:    "0",
			AccruedPenalty: "1000000000000000000",
		}},
		Vaults: []*vault.Vault{{
			CollateralID:      "ETH",
			Owner:             alice,
			LockedCollateral:  fixedpoint.MustBig("140000000000000000000"),
			Debt:              fixedpoint.MustBig("100000000000000000000"),
			LastFeeSettlement: t0,
			UnderwaterSince:   &underwater,
			State:             vault.StateUnderwater,
		}},
		Absorbed: []*vault.AbsorbedVault{{
			CollateralID:       "ETH",
			Owner:              alice,
			ResidualCollateral: fixedpoint.MustBig("138000000000000000000"),
			UnrecoveredDebt:    fixedpoint.MustBig("100000000000000000000"),
			AbsorbedAt:         t0,
		}},
		Balances: map[string]string{
			"user:11111111-1111-1111-1111-111111111111:locked:ETH": "140000000000000000000",
			"external:custody:ETH":                                 "-140000000000000000000",
		},
		TokenBalances: map[string]string{
			alice.String(): "100000000000000000000",
		},
		Prices: map[string]valuation.PricePoint{
			"ETH/USD": {
				Value:    fixedpoint.MustBig("2000000000000000000"),
				Decimals: 18,
				AsOf:     t0,
				Sequence: 5,
			},
		},
		SequenceState:   map[string]int64{"actions:ETH": 9},
		IdempotencyKeys: []string{"key-1", "key-2"},
		JournalSequence: 17,
	}
}

func TestSnapshotDataRoundTrip(t *testing.T) {
	state := testEngineState()
	sd := persistence.FromEngineState(state, t0.Add(2*time.Hour))

	restored, err := sd.ToEngineState()
	if err != nil {
		t.Fatalf("ToEngineState: %v", err)
	}

	if restored.Sequence != 42 || restored.JournalSequence != 17 {
		t.Errorf("sequences = %d/%d, want 42/17", restored.Sequence, restored.JournalSequence)
	}
	if restored.StateHash != state.StateHash {
		t.Error("state hash not preserved")
	}

	if len(restored.Vaults) != 1 {
		t.Fatalf("got %d vaults, want 1", len(restored.Vaults))
	}
	v := restored.Vaults[0]
	if v.LockedCollateral.String() != "140000000000000000000" {
		t.Errorf("locked = %s", v.LockedCollateral)
	}
	if v.State != vault.StateUnderwater {
		t.Errorf("state = %s, want Underwater", v.State)
	}
	if v.UnderwaterSince == nil || !v.UnderwaterSince.Equal(t0.Add(time.Hour)) {
		t.Errorf("underwater since = %v", v.UnderwaterSince)
	}
	if !v.LastFeeSettlement.Equal(t0) {
		t.Errorf("fee settlement = %s, want %s", v.LastFeeSettlement, t0)
	}

	if len(restored.Absorbed) != 1 {
		t.Fatalf("got %d absorbed records, want 1", len(restored.Absorbed))
	}
	if restored.Absorbed[0].ResidualCollateral.String() != "138000000000000000000" {
		t.Errorf("residual = %s", restored.Absorbed[0].ResidualCollateral)
	}

	price, ok := restored.Prices["ETH/USD"]
	if !ok {
		t.Fatal("ETH/USD price missing")
	}
	if price.Value.String() != "2000000000000000000" || price.Sequence != 5 {
		t.Errorf("price = %s seq %d", price.Value, price.Sequence)
	}
	if !price.AsOf.Equal(t0) {
		t.Errorf("price as-of = %s, want %s", price.AsOf, t0)
	}

	if restored.SequenceState["actions:ETH"] != 9 {
		t.Errorf("sequence state = %d, want 9", restored.SequenceState["actions:ETH"])
	}
	if len(restored.IdempotencyKeys) != 2 {
		t.Errorf("idempotency keys = %d, want 2", len(restored.IdempotencyKeys))
	}
	if restored.Balances["external:custody:ETH"] != "-140000000000000000000" {
		t.Error("custody balance not preserved")
	}
}

func TestSnapshotDataRejectsBadHashLength(t *testing.T) {
	sd := persistence.FromEngineState(testEngineState(), t0)
	sd.StateHash = sd.StateHash[:16]

	if _, err := sd.ToEngineState(); err == nil {
		t.Error("truncated state hash accepted")
	}
}

func TestSnapshotDataRejectsBadAmounts(t *testing.T) {
	sd := persistence.FromEngineState(testEngineState(), t0)
	sd.Vaults[0].Debt = "not-a-number"

	if _, err := sd.ToEngineState(); err == nil {
		t.Error("malformed vault debt accepted")
	}
}

func TestSnapshotDataRejectsBadOwner(t *testing.T) {
	sd := persistence.FromEngineState(testEngineState(), t0)
	sd.Vaults[0].Owner = "not-a-uuid"

	if _, err := sd.ToEngineState(); err == nil {
		t.Error("malformed vault owner accepted")
	}
}
