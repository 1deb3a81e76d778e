package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRegisterCollateral
	EventTypeRemoveCollateral
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeOpenVault
	EventTypeExpandVault
	EventTypeBurnDebt
	EventTypeRedeemCollateral
	EventTypeMarkUnderwater
	EventTypeLiquidate
	EventTypePriceUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Collateral context (nullable for global events)
	CollateralID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// CollateralID returns the collateral context (nil for global events)
	CollateralID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeRegisterCollateral:
		return "RegisterCollateral"
	case EventTypeRemoveCollateral:
		return "RemoveCollateral"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeOpenVault:
		return "OpenVault"
	case EventTypeExpandVault:
		return "ExpandVault"
	case EventTypeBurnDebt:
		return "BurnDebt"
	case EventTypeRedeemCollateral:
		return "RedeemCollateral"
	case EventTypeMarkUnderwater:
		return "MarkUnderwater"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}
