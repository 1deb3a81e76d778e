package vault_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/nzes1/oc-stablecoin-sub000/internal/vault"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to vault.State
		allowed  bool
	}{
		{vault.StateHealthy, vault.StateUnderwater, true},
		{vault.StateHealthy, vault.StateLiquidated, false},
		{vault.StateHealthy, vault.StateAbsorbed, false},
		{vault.StateUnderwater, vault.StateLiquidated, true},
		{vault.StateUnderwater, vault.StateAbsorbed, true},
		{vault.StateUnderwater, vault.StateHealthy, false},
		{vault.StateLiquidated, vault.StateHealthy, false},
		{vault.StateLiquidated, vault.StateUnderwater, false},
		{vault.StateAbsorbed, vault.StateUnderwater, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestStateStrings(t *testing.T) {
	cases := []struct {
		state vault.State
		want  string
	}{
		{vault.StateHealthy, "Healthy"},
		{vault.StateUnderwater, "Underwater"},
		{vault.StateLiquidated, "Liquidated"},
		{vault.StateAbsorbed, "Absorbed"},
		{vault.State(42), "Unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestNewVaultStartsHealthyAndClosed(t *testing.T) {
	v := vault.NewVault("ETH", alice, t0)
	if v.State != vault.StateHealthy {
		t.Errorf("new vault state = %s, want Healthy", v.State)
	}
	if !v.IsClosed() {
		t.Error("empty vault should report closed")
	}
	if !v.LastFeeSettlement.Equal(t0) {
		t.Errorf("LastFeeSettlement = %s, want %s", v.LastFeeSettlement, t0)
	}

	v.Debt = big.NewInt(1)
	if v.IsClosed() {
		t.Error("vault with debt reports closed")
	}
}

func TestMarkUnderwaterIsIdempotent(t *testing.T) {
	v := vault.NewVault("ETH", alice, t0)

	if !v.MarkUnderwater(t0) {
		t.Fatal("first MarkUnderwater returned false")
	}
	if v.State != vault.StateUnderwater {
		t.Errorf("state = %s, want Underwater", v.State)
	}
	if v.UnderwaterSince == nil || !v.UnderwaterSince.Equal(t0) {
		t.Fatalf("UnderwaterSince = %v, want %s", v.UnderwaterSince, t0)
	}

	// A later mark never moves the onset timestamp.
	if v.MarkUnderwater(t0.Add(time.Hour)) {
		t.Error("second MarkUnderwater returned true")
	}
	if !v.UnderwaterSince.Equal(t0) {
		t.Errorf("onset moved to %s, want %s", v.UnderwaterSince, t0)
	}
}

func TestVaultCanonicalBytesTracksState(t *testing.T) {
	v := vault.NewVault("ETH", alice, t0)
	v.LockedCollateral = big.NewInt(140)
	v.Debt = big.NewInt(100)

	a := v.CanonicalBytes()
	b := v.CanonicalBytes()
	if string(a) != string(b) {
		t.Error("CanonicalBytes not deterministic")
	}

	v.MarkUnderwater(t0.Add(time.Minute))
	c := v.CanonicalBytes()
	if string(a) == string(c) {
		t.Error("CanonicalBytes unchanged after underwater marker")
	}
}

func TestAbsorbedVaultCanonicalBytes(t *testing.T) {
	a := &vault.AbsorbedVault{
		CollateralID:       "ETH",
		Owner:              alice,
		ResidualCollateral: big.NewInt(138),
		UnrecoveredDebt:    big.NewInt(100),
		AbsorbedAt:         t0,
	}
	x := a.CanonicalBytes()
	y := a.CanonicalBytes()
	if string(x) != string(y) {
		t.Error("CanonicalBytes not deterministic")
	}

	a.ResidualCollateral = big.NewInt(139)
	if string(x) == string(a.CanonicalBytes()) {
		t.Error("CanonicalBytes unchanged after mutation")
	}
}
