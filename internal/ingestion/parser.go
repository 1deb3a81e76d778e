package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates and converts raw events
// before sending anything to the engine.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "RegisterCollateral":
		return parseRegisterCollateral(raw.Data)
	case "RemoveCollateral":
		return parseRemoveCollateral(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "OpenVault":
		return parseOpenVault(raw.Data)
	case "ExpandVault":
		return parseExpandVault(raw.Data)
	case "BurnDebt":
		return parseBurnDebt(raw.Data)
	case "RedeemCollateral":
		return parseRedeemCollateral(raw.Data)
	case "MarkUnderwater":
		return parseMarkUnderwater(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel as
// decimal strings: 18-decimal values do not fit in JSON numbers.

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid amount %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: negative amount %q", field, s)
	}
	return v, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

type registerCollateralJSON struct {
	ActionID      string `json:"action_id"`
	Collateral    string `json:"collateral"`
	TokenRef      string `json:"token_ref"`
	OracleFeed    string `json:"oracle_feed"`
	TokenDecimals uint8  `json:"token_decimals"`
	OCRPercent    uint64 `json:"ocr_percent"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseRegisterCollateral(data []byte) (*event.RegisterCollateral, error) {
	var j registerCollateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterCollateral: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	return &event.RegisterCollateral{
		ActionID:      actionID,
		Collateral:    j.Collateral,
		TokenRef:      j.TokenRef,
		OracleFeed:    j.OracleFeed,
		TokenDecimals: j.TokenDecimals,
		OCRPercent:    j.OCRPercent,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type removeCollateralJSON struct {
	ActionID    string `json:"action_id"`
	Collateral  string `json:"collateral"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRemoveCollateral(data []byte) (*event.RemoveCollateral, error) {
	var j removeCollateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemoveCollateral: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	return &event.RemoveCollateral{
		ActionID:   actionID,
		Collateral: j.Collateral,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type balanceActionJSON struct {
	ActionID    string `json:"action_id"`
	Owner       string `json:"owner"`
	Collateral  string `json:"collateral"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j balanceActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		ActionID:   actionID,
		Owner:      owner,
		Collateral: j.Collateral,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	var j balanceActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Withdraw{
		ActionID:   actionID,
		Owner:      owner,
		Collateral: j.Collateral,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type vaultActionJSON struct {
	ActionID         string `json:"action_id"`
	Owner            string `json:"owner"`
	Collateral       string `json:"collateral"`
	CollateralAmount string `json:"collateral_amount"`
	DebtAmount       string `json:"debt_amount"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseOpenVault(data []byte) (*event.OpenVault, error) {
	var j vaultActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenVault: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	collateralAmount, err := parseAmount("collateral_amount", j.CollateralAmount)
	if err != nil {
		return nil, err
	}
	debtAmount, err := parseAmount("debt_amount", j.DebtAmount)
	if err != nil {
		return nil, err
	}
	return &event.OpenVault{
		ActionID:         actionID,
		Owner:            owner,
		Collateral:       j.Collateral,
		CollateralAmount: collateralAmount,
		DebtAmount:       debtAmount,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseExpandVault(data []byte) (*event.ExpandVault, error) {
	var j vaultActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExpandVault: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	collateralAmount, err := parseAmount("collateral_amount", j.CollateralAmount)
	if err != nil {
		return nil, err
	}
	debtAmount, err := parseAmount("debt_amount", j.DebtAmount)
	if err != nil {
		return nil, err
	}
	return &event.ExpandVault{
		ActionID:         actionID,
		Owner:            owner,
		Collateral:       j.Collateral,
		CollateralAmount: collateralAmount,
		DebtAmount:       debtAmount,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseBurnDebt(data []byte) (*event.BurnDebt, error) {
	var j balanceActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BurnDebt: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.BurnDebt{
		ActionID:   actionID,
		Owner:      owner,
		Collateral: j.Collateral,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRedeemCollateral(data []byte) (*event.RedeemCollateral, error) {
	var j balanceActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RedeemCollateral: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.RedeemCollateral{
		ActionID:   actionID,
		Owner:      owner,
		Collateral: j.Collateral,
		Amount:     amount,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type markUnderwaterJSON struct {
	ActionID    string `json:"action_id"`
	Keeper      string `json:"keeper"`
	Owner       string `json:"owner"`
	Collateral  string `json:"collateral"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMarkUnderwater(data []byte) (*event.MarkUnderwater, error) {
	var j markUnderwaterJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkUnderwater: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	keeper, err := parseUUID("keeper", j.Keeper)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.MarkUnderwater{
		ActionID:   actionID,
		Keeper:     keeper,
		Owner:      owner,
		Collateral: j.Collateral,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidateJSON struct {
	ActionID      string `json:"action_id"`
	Liquidator    string `json:"liquidator"`
	Owner         string `json:"owner"`
	Collateral    string `json:"collateral"`
	SuppliedDebt  string `json:"supplied_debt"`
	WantsWithdraw bool   `json:"wants_withdraw"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	actionID, err := parseUUID("action_id", j.ActionID)
	if err != nil {
		return nil, err
	}
	liquidator, err := parseUUID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	suppliedDebt, err := parseAmount("supplied_debt", j.SuppliedDebt)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		ActionID:      actionID,
		Liquidator:    liquidator,
		Owner:         owner,
		Collateral:    j.Collateral,
		SuppliedDebt:  suppliedDebt,
		WantsWithdraw: j.WantsWithdraw,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Feed          string `json:"feed"`
	Value         string `json:"value"`
	Decimals      uint8  `json:"decimals"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	value, err := parseAmount("value", j.Value)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Feed:          j.Feed,
		Value:         value,
		Decimals:      j.Decimals,
		PriceSequence: j.PriceSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}
