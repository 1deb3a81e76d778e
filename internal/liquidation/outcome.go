package liquidation

import (
	"math/big"

	"github.com/nzes1/oc-stablecoin-sub000/internal/fixedpoint"
)

// OutcomeKind discriminates the three-way liquidation result
type OutcomeKind int32

const (
	// OutcomeFullReward: remaining collateral covers base repayment plus
	// the full reward; any excess is returned to the vault owner.
	OutcomeFullReward OutcomeKind = iota

	// OutcomePartialReward: collateral covers the base repayment but not
	// the full reward; the liquidator takes everything that is left.
	OutcomePartialReward

	// OutcomeBadDebt: collateral cannot cover even the base repayment.
	// The liquidator receives no collateral and is refunded by freshly
	// minted debt tokens; the protocol absorbs the position.
	OutcomeBadDebt
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFullReward:
		return "full_reward"
	case OutcomePartialReward:
		return "partial_reward"
	case OutcomeBadDebt:
		return "bad_debt"
	default:
		return "unknown"
	}
}

// Outcome is the collateral split of a liquidation, all in collateral token
// units.
type Outcome struct {
	Kind OutcomeKind

	// LiquidatorTokens is the collateral credited to the liquidator.
	LiquidatorTokens *big.Int

	// OwnerSurplus is collateral returned to the original owner. Non-zero
	// only in the full-reward branch.
	OwnerSurplus *big.Int

	// AbsorbedTokens is residual collateral swept into the protocol's
	// absorbed account. Non-zero only in the bad-debt branch.
	AbsorbedTokens *big.Int

	// MintRefund is the debt-token amount freshly minted to refund the
	// liquidator. Non-zero only in the bad-debt branch — a deliberate,
	// explicit socialization of the loss.
	MintRefund *big.Int
}

// ComputeOutcome splits the vault's remaining locked collateral between the
// liquidator, the owner, and the protocol. remainingTokens is the locked
// collateral after penalty and fee deductions; baseTokens and rewardTokens
// are the repaid debt and the reward converted to collateral units;
// suppliedDebt is the full debt the liquidator burned.
func ComputeOutcome(remainingTokens, baseTokens, rewardTokens, suppliedDebt *big.Int) Outcome {
	totalPayout := new(big.Int).Add(baseTokens, rewardTokens)

	if remainingTokens.Cmp(totalPayout) >= 0 {
		return Outcome{
			Kind:             OutcomeFullReward,
			LiquidatorTokens: totalPayout,
			OwnerSurplus:     new(big.Int).Sub(remainingTokens, totalPayout),
			AbsorbedTokens:   new(big.Int),
			MintRefund:       new(big.Int),
		}
	}

	if remainingTokens.Cmp(baseTokens) >= 0 {
		return Outcome{
			Kind:             OutcomePartialReward,
			LiquidatorTokens: fixedpoint.Copy(remainingTokens),
			OwnerSurplus:     new(big.Int),
			AbsorbedTokens:   new(big.Int),
			MintRefund:       new(big.Int),
		}
	}

	return Outcome{
		Kind:             OutcomeBadDebt,
		LiquidatorTokens: new(big.Int),
		OwnerSurplus:     new(big.Int),
		AbsorbedTokens:   fixedpoint.Copy(remainingTokens),
		MintRefund:       fixedpoint.Copy(suppliedDebt),
	}
}
