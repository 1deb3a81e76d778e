package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/nzes1/oc-stablecoin-sub000/internal/event"
)

// DecodeStoredEvent reconstructs a typed event from an event_log payload.
// Stored payloads are the JSON form of the typed event structs (written by
// the engine when the envelope is built), not the NATS wire format — replay
// therefore round-trips through plain unmarshalling instead of ParseRawEvent.
func DecodeStoredEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event

	switch eventType {
	case "RegisterCollateral":
		evt = &event.RegisterCollateral{}
	case "RemoveCollateral":
		evt = &event.RemoveCollateral{}
	case "Deposit":
		evt = &event.Deposit{}
	case "Withdraw":
		evt = &event.Withdraw{}
	case "OpenVault":
		evt = &event.OpenVault{}
	case "ExpandVault":
		evt = &event.ExpandVault{}
	case "BurnDebt":
		evt = &event.BurnDebt{}
	case "RedeemCollateral":
		evt = &event.RedeemCollateral{}
	case "MarkUnderwater":
		evt = &event.MarkUnderwater{}
	case "Liquidate":
		evt = &event.Liquidate{}
	case "PriceUpdate":
		evt = &event.PriceUpdate{}
	default:
		return nil, fmt.Errorf("unknown stored event type %q", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}

	return evt, nil
}
