package engine

import (
	"errors"
	"fmt"
	"math/big"
)

// Code classifies every rejection the engine can produce. Each rejected
// action is atomic: no state change is visible for any non-nil error.
type Code int32

const (
	// CodeValidation: zero amounts, unsupported collateral, below-minimum
	// debt size. Rejected before any state change.
	CodeValidation Code = iota

	// CodeSolvency: the tentative mutation would leave the vault's health
	// factor below 1.0. The whole action is rolled back.
	CodeSolvency

	// CodeOracle: the latest price is stale or missing. Blocks the entire
	// action; no stale-price fallback exists.
	CodeOracle

	// CodeLiquidationPrecondition: vault not underwater, or supplied
	// repayment not equal to the full debt. Rejected before any
	// penalty/reward computation.
	CodeLiquidationPrecondition

	// CodeTokenOperation: a debt-token mint/burn or collateral transfer
	// failed. Fatal for the action.
	CodeTokenOperation
)

func (c Code) String() string {
	switch c {
	case CodeValidation:
		return "validation"
	case CodeSolvency:
		return "solvency"
	case CodeOracle:
		return "oracle"
	case CodeLiquidationPrecondition:
		return "liquidation_precondition"
	case CodeTokenOperation:
		return "token_operation"
	default:
		return "unknown"
	}
}

// Error is the discriminated rejection type carried out of every handler.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func reject(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the rejection code from an error chain, defaulting to
// validation for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeValidation
}

var (
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrUnsupportedCollateral = errors.New("collateral not registered")
	ErrBelowMinimumDebt      = errors.New("debt below minimum size")
	ErrVaultExists           = errors.New("vault already open")
	ErrNoVault               = errors.New("no vault for owner")
	ErrNotUnderwater         = errors.New("vault is not underwater")
	ErrInsufficientRepayment = errors.New("supplied repayment must equal the full debt")
	ErrReentrant             = errors.New("re-entrant engine call rejected")
)

// ErrUnderCollateralized carries the failing health factor so callers and
// the audit trail can see how far under the vault was.
type ErrUnderCollateralized struct {
	HealthFactor *big.Int
}

func (e *ErrUnderCollateralized) Error() string {
	return fmt.Sprintf("undercollateralized: health factor %s below 1e18", e.HealthFactor)
}
