package event

import (
	"fmt"
	"math/big"
	"time"
)

// PriceUpdate is a versioned oracle observation for one feed. Stale updates
// (sequence at or below the last seen) are silently ignored; gaps are
// tolerated — the engine only ever needs the latest price.
type PriceUpdate struct {
	Feed          string
	Value         *big.Int
	Decimals      uint8
	PriceSequence int64
	Timestamp     time.Time
}

func (e *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.Feed, e.PriceSequence)
}
func (e *PriceUpdate) EventType() EventType  { return EventTypePriceUpdate }
func (e *PriceUpdate) CollateralID() *string { return nil }
func (e *PriceUpdate) SourceSequence() int64 { return e.PriceSequence }
