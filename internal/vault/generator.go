package vault

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for engine actions.
// Every amount it accepts has already been computed by the engine; the
// generator re-checks balance sufficiency so an arithmetic slip upstream can
// never drive an account negative.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the next journal sequence (for snapshots).
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence initializes the sequence during recovery.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, legs int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) appendLeg(b *Batch, debit, credit AccountKey, asset string, amount *big.Int, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit moves funds: external:custody → user:unlocked
func (jg *JournalGenerator) GenerateDeposit(
	owner uuid.UUID,
	collateralID string,
	amount *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.appendLeg(batch,
		NewUserAccountKey(owner, SubTypeUnlocked, collateralID),
		NewExternalAccountKey(SubTypeCustody, collateralID),
		collateralID, amount, JournalTypeDeposit)

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal moves funds: user:unlocked → external:custody.
// Pre-check: the owner must have sufficient unlocked collateral.
func (jg *JournalGenerator) GenerateWithdrawal(
	owner uuid.UUID,
	collateralID string,
	amount *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientUnlocked(owner, collateralID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeCustody, collateralID),
		NewUserAccountKey(owner, SubTypeUnlocked, collateralID),
		collateralID, amount, JournalTypeWithdrawal)

	jg.sequence++
	return batch, nil
}

// GenerateVaultLock moves collateral into the vault: user:unlocked →
// user:locked. Pre-check: sufficient unlocked balance.
func (jg *JournalGenerator) GenerateVaultLock(
	owner uuid.UUID,
	collateralID string,
	amount *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientUnlocked(owner, collateralID, amount); err != nil {
		return nil, fmt.Errorf("vault lock pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.appendLeg(batch,
		NewUserAccountKey(owner, SubTypeLocked, collateralID),
		NewUserAccountKey(owner, SubTypeUnlocked, collateralID),
		collateralID, amount, JournalTypeVaultLock)

	jg.sequence++
	return batch, nil
}

// GenerateVaultRelease moves collateral out of the vault: user:locked →
// user:unlocked. Pre-check: sufficient locked balance. Callers re-check
// health afterwards.
func (jg *JournalGenerator) GenerateVaultRelease(
	owner uuid.UUID,
	collateralID string,
	amount *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientLocked(owner, collateralID, amount); err != nil {
		return nil, fmt.Errorf("vault release pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.appendLeg(batch,
		NewUserAccountKey(owner, SubTypeUnlocked, collateralID),
		NewUserAccountKey(owner, SubTypeLocked, collateralID),
		collateralID, amount, JournalTypeVaultRelease)

	jg.sequence++
	return batch, nil
}

// GenerateFeeSettle sweeps the protocol fee from LOCKED collateral into the
// fee reserve: user:locked → system:fee_reserve. Charging locked collateral
// ties fee payment to the health factor.
func (jg *JournalGenerator) GenerateFeeSettle(
	owner uuid.UUID,
	collateralID string,
	amount *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientLocked(owner, collateralID, amount); err != nil {
		return nil, fmt.Errorf("fee settle pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)

	jg.appendLeg(batch,
		NewSystemAccountKey(SubTypeFeeReserve, collateralID),
		NewUserAccountKey(owner, SubTypeLocked, collateralID),
		collateralID, amount, JournalTypeFeeSettle)

	jg.sequence++
	return batch, nil
}

// GenerateVaultChange builds a combined batch for actions that settle the
// accrued fee and then move collateral in one step: expand (fee + lock),
// burn (fee only) and redeem (fee + release). Any zero leg is skipped; a
// batch with no legs comes back nil.
func (jg *JournalGenerator) GenerateVaultChange(
	owner uuid.UUID,
	collateralID string,
	feeTokens *big.Int,
	lockTokens *big.Int,
	releaseTokens *big.Int,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	fromLocked := new(big.Int)
	if feeTokens != nil {
		fromLocked.Add(fromLocked, feeTokens)
	}
	if releaseTokens != nil {
		fromLocked.Add(fromLocked, releaseTokens)
	}
	if fromLocked.Sign() > 0 {
		if err := jg.balanceTracker.ValidateSufficientLocked(owner, collateralID, fromLocked); err != nil {
			return nil, fmt.Errorf("vault change pre-check failed: %w", err)
		}
	}
	if lockTokens != nil && lockTokens.Sign() > 0 {
		if err := jg.balanceTracker.ValidateSufficientUnlocked(owner, collateralID, lockTokens); err != nil {
			return nil, fmt.Errorf("vault change pre-check failed: %w", err)
		}
	}

	batch := jg.newBatch(eventRef, timestamp, 3)

	ownerLocked := NewUserAccountKey(owner, SubTypeLocked, collateralID)
	ownerUnlocked := NewUserAccountKey(owner, SubTypeUnlocked, collateralID)

	if feeTokens != nil && feeTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewSystemAccountKey(SubTypeFeeReserve, collateralID),
			ownerLocked, collateralID, feeTokens, JournalTypeFeeSettle)
	}

	if lockTokens != nil && lockTokens.Sign() > 0 {
		jg.appendLeg(batch, ownerLocked, ownerUnlocked, collateralID, lockTokens, JournalTypeVaultLock)
	}

	if releaseTokens != nil && releaseTokens.Sign() > 0 {
		jg.appendLeg(batch, ownerUnlocked, ownerLocked, collateralID, releaseTokens, JournalTypeVaultRelease)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// LiquidationLegs are the collateral movements of a single liquidation,
// computed by the engine. Any leg may be zero; zero legs are skipped.
type LiquidationLegs struct {
	FeeTokens      *big.Int // owner locked → fee reserve
	PenaltyTokens  *big.Int // owner locked → penalty reserve
	PayoutTokens   *big.Int // owner locked → liquidator unlocked
	SurplusTokens  *big.Int // owner locked → owner unlocked
	AbsorbTokens   *big.Int // owner locked → system absorbed
	WithdrawTokens *big.Int // liquidator unlocked → external custody
}

// GenerateLiquidation builds the multi-leg batch for a liquidation outcome.
// Pre-check: the sum drawn from the owner's locked collateral must not
// exceed what the vault holds.
func (jg *JournalGenerator) GenerateLiquidation(
	owner uuid.UUID,
	liquidator uuid.UUID,
	collateralID string,
	legs LiquidationLegs,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	fromLocked := new(big.Int)
	for _, a := range []*big.Int{legs.FeeTokens, legs.PenaltyTokens, legs.PayoutTokens, legs.SurplusTokens, legs.AbsorbTokens} {
		if a != nil {
			fromLocked.Add(fromLocked, a)
		}
	}
	if err := jg.balanceTracker.ValidateSufficientLocked(owner, collateralID, fromLocked); err != nil {
		return nil, fmt.Errorf("liquidation pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 6)

	ownerLocked := NewUserAccountKey(owner, SubTypeLocked, collateralID)

	if legs.PenaltyTokens != nil && legs.PenaltyTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewSystemAccountKey(SubTypePenaltyReserve, collateralID),
			ownerLocked, collateralID, legs.PenaltyTokens, JournalTypePenaltySweep)
	}

	if legs.FeeTokens != nil && legs.FeeTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewSystemAccountKey(SubTypeFeeReserve, collateralID),
			ownerLocked, collateralID, legs.FeeTokens, JournalTypeFeeSettle)
	}

	if legs.PayoutTokens != nil && legs.PayoutTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewUserAccountKey(liquidator, SubTypeUnlocked, collateralID),
			ownerLocked, collateralID, legs.PayoutTokens, JournalTypeLiquidationPayout)
	}

	if legs.SurplusTokens != nil && legs.SurplusTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewUserAccountKey(owner, SubTypeUnlocked, collateralID),
			ownerLocked, collateralID, legs.SurplusTokens, JournalTypeSurplusReturn)
	}

	if legs.AbsorbTokens != nil && legs.AbsorbTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewSystemAccountKey(SubTypeAbsorbed, collateralID),
			ownerLocked, collateralID, legs.AbsorbTokens, JournalTypeAbsorption)
	}

	if legs.WithdrawTokens != nil && legs.WithdrawTokens.Sign() > 0 {
		jg.appendLeg(batch,
			NewExternalAccountKey(SubTypeCustody, collateralID),
			NewUserAccountKey(liquidator, SubTypeUnlocked, collateralID),
			collateralID, legs.WithdrawTokens, JournalTypeLiquidationPayout)
	}

	jg.sequence++
	return batch, nil
}
