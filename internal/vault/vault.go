package vault

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// State tracks a vault through the liquidation lifecycle
type State int32

const (
	StateHealthy State = iota
	StateUnderwater
	StateLiquidated
	StateAbsorbed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateUnderwater:
		return "Underwater"
	case StateLiquidated:
		return "Liquidated"
	case StateAbsorbed:
		return "Absorbed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Underwater is not terminal:
// the onset marker survives price recovery, but only an underwater vault can
// be liquidated or absorbed.
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateHealthy: {
			StateUnderwater,
		},
		StateUnderwater: {
			StateLiquidated,
			StateAbsorbed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Vault is a per-owner, per-collateral-type position pairing locked
// collateral with outstanding debt. Locked collateral is tracked in the
// balance ledger; the copies here are the position view the engine reasons
// about.
type Vault struct {
	CollateralID string
	Owner        uuid.UUID

	LockedCollateral *big.Int
	Debt             *big.Int

	// LastFeeSettlement advances on every settlement, even when the
	// triggering action reduced debt to zero.
	LastFeeSettlement time.Time

	// UnderwaterSince is set exactly once: the first moment the health
	// factor was observed below 1.0. Cleared only when the vault record is
	// deleted (closed or absorbed).
	UnderwaterSince *time.Time

	State State
}

func NewVault(collateralID string, owner uuid.UUID, at time.Time) *Vault {
	return &Vault{
		CollateralID:      collateralID,
		Owner:             owner,
		LockedCollateral:  new(big.Int),
		Debt:              new(big.Int),
		LastFeeSettlement: at,
		State:             StateHealthy,
	}
}

// IsClosed reports whether the vault is logically closed (zero debt and
// collateral).
func (v *Vault) IsClosed() bool {
	return v.Debt.Sign() == 0 && v.LockedCollateral.Sign() == 0
}

// MarkUnderwater records the insolvency onset if no marker exists yet.
// Idempotent: repeat calls never move the timestamp.
func (v *Vault) MarkUnderwater(at time.Time) bool {
	if v.UnderwaterSince != nil {
		return false
	}
	ts := at
	v.UnderwaterSince = &ts
	v.State = StateUnderwater
	return true
}

// CanonicalBytes returns deterministic serialization for state hashing
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendString(buf, v.CollateralID)
	buf = append(buf, v.Owner[:]...)
	buf = appendBig(buf, v.LockedCollateral)
	buf = appendBig(buf, v.Debt)
	buf = appendInt64LE(buf, v.LastFeeSettlement.UnixMicro())

	if v.UnderwaterSince != nil {
		buf = append(buf, 1)
		buf = appendInt64LE(buf, v.UnderwaterSince.UnixMicro())
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, byte(v.State))

	return buf
}

// AbsorbedVault records a position taken over by the protocol as bad debt.
// The residual collateral and unrecovered debt are what the liquidation could
// not cover; ownership conceptually transfers to the protocol.
type AbsorbedVault struct {
	CollateralID       string
	Owner              uuid.UUID
	ResidualCollateral *big.Int
	UnrecoveredDebt    *big.Int
	AbsorbedAt         time.Time
}

// CanonicalBytes returns deterministic serialization for state hashing
func (a *AbsorbedVault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = appendString(buf, a.CollateralID)
	buf = append(buf, a.Owner[:]...)
	buf = appendBig(buf, a.ResidualCollateral)
	buf = appendBig(buf, a.UnrecoveredDebt)
	buf = appendInt64LE(buf, a.AbsorbedAt.UnixMicro())

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, []byte(s)...)
}

// appendBig length-prefixes the magnitude bytes with a sign byte. All vault
// amounts are non-negative; the sign byte keeps the encoding total anyway.
func appendBig(buf []byte, v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
