package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// RegisterCollateral is an admin action adding a collateral type.
type RegisterCollateral struct {
	ActionID      uuid.UUID
	Collateral    string
	TokenRef      string
	OracleFeed    string
	TokenDecimals uint8
	OCRPercent    uint64
	Sequence      int64
	Timestamp     time.Time
}

func (e *RegisterCollateral) IdempotencyKey() string { return e.ActionID.String() }
func (e *RegisterCollateral) EventType() EventType   { return EventTypeRegisterCollateral }
func (e *RegisterCollateral) CollateralID() *string  { return &e.Collateral }
func (e *RegisterCollateral) SourceSequence() int64  { return e.Sequence }

// RemoveCollateral is an admin action deleting a collateral type with no
// outstanding debt.
type RemoveCollateral struct {
	ActionID   uuid.UUID
	Collateral string
	Sequence   int64
	Timestamp  time.Time
}

func (e *RemoveCollateral) IdempotencyKey() string { return e.ActionID.String() }
func (e *RemoveCollateral) EventType() EventType   { return EventTypeRemoveCollateral }
func (e *RemoveCollateral) CollateralID() *string  { return &e.Collateral }
func (e *RemoveCollateral) SourceSequence() int64  { return e.Sequence }

// Deposit credits an owner's unlocked collateral balance.
type Deposit struct {
	ActionID   uuid.UUID
	Owner      uuid.UUID
	Collateral string
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (e *Deposit) IdempotencyKey() string { return e.ActionID.String() }
func (e *Deposit) EventType() EventType   { return EventTypeDeposit }
func (e *Deposit) CollateralID() *string  { return &e.Collateral }
func (e *Deposit) SourceSequence() int64  { return e.Sequence }

// Withdraw transfers unlocked collateral out of the protocol.
type Withdraw struct {
	ActionID   uuid.UUID
	Owner      uuid.UUID
	Collateral string
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (e *Withdraw) IdempotencyKey() string { return e.ActionID.String() }
func (e *Withdraw) EventType() EventType   { return EventTypeWithdraw }
func (e *Withdraw) CollateralID() *string  { return &e.Collateral }
func (e *Withdraw) SourceSequence() int64  { return e.Sequence }

// OpenVault locks collateral and mints debt against it for an owner with no
// existing vault of this collateral type.
type OpenVault struct {
	ActionID         uuid.UUID
	Owner            uuid.UUID
	Collateral       string
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	Sequence         int64
	Timestamp        time.Time
}

func (e *OpenVault) IdempotencyKey() string { return e.ActionID.String() }
func (e *OpenVault) EventType() EventType   { return EventTypeOpenVault }
func (e *OpenVault) CollateralID() *string  { return &e.Collateral }
func (e *OpenVault) SourceSequence() int64  { return e.Sequence }

// ExpandVault settles the pending fee, then locks additional collateral
// and/or mints additional debt on top of an existing vault.
type ExpandVault struct {
	ActionID         uuid.UUID
	Owner            uuid.UUID
	Collateral       string
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	Sequence         int64
	Timestamp        time.Time
}

func (e *ExpandVault) IdempotencyKey() string { return e.ActionID.String() }
func (e *ExpandVault) EventType() EventType   { return EventTypeExpandVault }
func (e *ExpandVault) CollateralID() *string  { return &e.Collateral }
func (e *ExpandVault) SourceSequence() int64  { return e.Sequence }

// BurnDebt settles the pending fee and reduces the vault's debt.
type BurnDebt struct {
	ActionID   uuid.UUID
	Owner      uuid.UUID
	Collateral string
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (e *BurnDebt) IdempotencyKey() string { return e.ActionID.String() }
func (e *BurnDebt) EventType() EventType   { return EventTypeBurnDebt }
func (e *BurnDebt) CollateralID() *string  { return &e.Collateral }
func (e *BurnDebt) SourceSequence() int64  { return e.Sequence }

// RedeemCollateral moves collateral from locked to unlocked; the action is
// rejected if it would leave the vault unhealthy.
type RedeemCollateral struct {
	ActionID   uuid.UUID
	Owner      uuid.UUID
	Collateral string
	Amount     *big.Int
	Sequence   int64
	Timestamp  time.Time
}

func (e *RedeemCollateral) IdempotencyKey() string { return e.ActionID.String() }
func (e *RedeemCollateral) EventType() EventType   { return EventTypeRedeemCollateral }
func (e *RedeemCollateral) CollateralID() *string  { return &e.Collateral }
func (e *RedeemCollateral) SourceSequence() int64  { return e.Sequence }

// MarkUnderwater asks the engine to evaluate a vault's health and record the
// insolvency onset timestamp if it is below 1.0 and unmarked.
type MarkUnderwater struct {
	ActionID   uuid.UUID
	Keeper     uuid.UUID
	Owner      uuid.UUID
	Collateral string
	Sequence   int64
	Timestamp  time.Time
}

func (e *MarkUnderwater) IdempotencyKey() string { return e.ActionID.String() }
func (e *MarkUnderwater) EventType() EventType   { return EventTypeMarkUnderwater }
func (e *MarkUnderwater) CollateralID() *string  { return &e.Collateral }
func (e *MarkUnderwater) SourceSequence() int64  { return e.Sequence }

// Liquidate is a third party repaying a vault's entire debt in exchange for
// discounted collateral.
type Liquidate struct {
	ActionID      uuid.UUID
	Liquidator    uuid.UUID
	Owner         uuid.UUID
	Collateral    string
	SuppliedDebt  *big.Int
	WantsWithdraw bool
	Sequence      int64
	Timestamp     time.Time
}

func (e *Liquidate) IdempotencyKey() string { return e.ActionID.String() }
func (e *Liquidate) EventType() EventType   { return EventTypeLiquidate }
func (e *Liquidate) CollateralID() *string  { return &e.Collateral }
func (e *Liquidate) SourceSequence() int64  { return e.Sequence }
