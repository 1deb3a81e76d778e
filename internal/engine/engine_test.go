package engine_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/engine"
	"github.com/nzes1/oc-stablecoin-sub000/internal/event"
	"github.com/nzes1/oc-stablecoin-sub000/internal/vault"
)

var (
	owner      = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	liquidator = uuid.MustParse("22222222-2222-2222-2222-222222222222")

	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// units converts whole stablecoin/token units to 18-decimal fixed point.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// fixture drives a DebtEngine with deterministic source sequences per
// collateral partition and an inspectable persistence channel.
type fixture struct {
	t        *testing.T
	eng      *engine.DebtEngine
	out      chan engine.Output
	seqs     map[string]int64
	priceSeq int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	out := make(chan engine.Output, 256)
	eng := engine.NewDebtEngine(0, units(10), out, nil, nil, nil)
	return &fixture{t: t, eng: eng, out: out, seqs: make(map[string]int64)}
}

func (f *fixture) nextSeq(collateral string) int64 {
	s := f.seqs[collateral]
	f.seqs[collateral]++
	return s
}

func (f *fixture) mustProcess(evt event.Event) {
	f.t.Helper()
	if err := f.eng.ProcessEvent(evt); err != nil {
		f.t.Fatalf("ProcessEvent(%T): %v", evt, err)
	}
}

// drainOutputs empties the persistence channel.
func (f *fixture) drainOutputs() []engine.Output {
	var outs []engine.Output
	for {
		select {
		case o := <-f.out:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func (f *fixture) lastOutput() engine.Output {
	f.t.Helper()
	outs := f.drainOutputs()
	if len(outs) == 0 {
		f.t.Fatal("no outputs emitted")
	}
	return outs[len(outs)-1]
}

// --- event builders (all against the ETH collateral type) ---

func (f *fixture) register(ocr uint64, at time.Time) *event.RegisterCollateral {
	return &event.RegisterCollateral{
		ActionID:      uuid.New(),
		Collateral:    "ETH",
		TokenRef:      "0xWETH",
		OracleFeed:    "ETH/USD",
		TokenDecimals: 18,
		OCRPercent:    ocr,
		Sequence:      f.nextSeq("ETH"),
		Timestamp:     at,
	}
}

func (f *fixture) remove(at time.Time) *event.RemoveCollateral {
	return &event.RemoveCollateral{
		ActionID:   uuid.New(),
		Collateral: "ETH",
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) price(value *big.Int, at time.Time) *event.PriceUpdate {
	f.priceSeq++
	return &event.PriceUpdate{
		Feed:          "ETH/USD",
		Value:         value,
		Decimals:      18,
		PriceSequence: f.priceSeq,
		Timestamp:     at,
	}
}

func (f *fixture) deposit(who uuid.UUID, amount *big.Int, at time.Time) *event.Deposit {
	return &event.Deposit{
		ActionID:   uuid.New(),
		Owner:      who,
		Collateral: "ETH",
		Amount:     amount,
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) withdraw(who uuid.UUID, amount *big.Int, at time.Time) *event.Withdraw {
	return &event.Withdraw{
		ActionID:   uuid.New(),
		Owner:      who,
		Collateral: "ETH",
		Amount:     amount,
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) open(who uuid.UUID, collateral, debt *big.Int, at time.Time) *event.OpenVault {
	return &event.OpenVault{
		ActionID:         uuid.New(),
		Owner:            who,
		Collateral:       "ETH",
		CollateralAmount: collateral,
		DebtAmount:       debt,
		Sequence:         f.nextSeq("ETH"),
		Timestamp:        at,
	}
}

func (f *fixture) expand(who uuid.UUID, collateral, debt *big.Int, at time.Time) *event.ExpandVault {
	return &event.ExpandVault{
		ActionID:         uuid.New(),
		Owner:            who,
		Collateral:       "ETH",
		CollateralAmount: collateral,
		DebtAmount:       debt,
		Sequence:         f.nextSeq("ETH"),
		Timestamp:        at,
	}
}

func (f *fixture) burn(who uuid.UUID, amount *big.Int, at time.Time) *event.BurnDebt {
	return &event.BurnDebt{
		ActionID:   uuid.New(),
		Owner:      who,
		Collateral: "ETH",
		Amount:     amount,
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) redeem(who uuid.UUID, amount *big.Int, at time.Time) *event.RedeemCollateral {
	return &event.RedeemCollateral{
		ActionID:   uuid.New(),
		Owner:      who,
		Collateral: "ETH",
		Amount:     amount,
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) mark(who uuid.UUID, at time.Time) *event.MarkUnderwater {
	return &event.MarkUnderwater{
		ActionID:   uuid.New(),
		Keeper:     liquidator,
		Owner:      who,
		Collateral: "ETH",
		Sequence:   f.nextSeq("ETH"),
		Timestamp:  at,
	}
}

func (f *fixture) liquidate(who uuid.UUID, supplied *big.Int, withdraw bool, at time.Time) *event.Liquidate {
	return &event.Liquidate{
		ActionID:      uuid.New(),
		Liquidator:    liquidator,
		Owner:         who,
		Collateral:    "ETH",
		SuppliedDebt:  supplied,
		WantsWithdraw: withdraw,
		Sequence:      f.nextSeq("ETH"),
		Timestamp:     at,
	}
}

// setupOpenVault registers ETH at 170% OCR, prices it at $2, funds the owner
// with 140 tokens and opens a 140-collateral / 100-debt vault.
func (f *fixture) setupOpenVault() {
	f.t.Helper()
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.price(units(2), t0))
	f.mustProcess(f.deposit(owner, units(140), t0))
	f.mustProcess(f.open(owner, units(140), units(100), t0))
}

// setupLiquidatorFunds gives the liquidator their own vault so they hold 100
// debt tokens to supply. Safe at prices down to $0.38.
func (f *fixture) setupLiquidatorFunds() {
	f.t.Helper()
	f.mustProcess(f.deposit(liquidator, units(400), t0))
	f.mustProcess(f.open(liquidator, units(400), units(100), t0))
}

// ============================================================
// Admin
// ============================================================

func TestRegisterAndRemoveCollateral(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))

	if err := f.eng.ProcessEvent(f.register(160, t0)); err == nil {
		t.Error("duplicate register succeeded")
	}

	f.mustProcess(f.remove(t0))

	// Gone: deposits are now rejected.
	err := f.eng.ProcessEvent(f.deposit(owner, units(1), t0))
	if !errors.Is(err, engine.ErrUnsupportedCollateral) {
		t.Errorf("deposit after removal = %v, want ErrUnsupportedCollateral", err)
	}
}

func TestRemoveCollateralBlockedByDebt(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	if err := f.eng.ProcessEvent(f.remove(t0)); err == nil {
		t.Error("remove with outstanding debt succeeded")
	}
}

// ============================================================
// Deposits and withdrawals
// ============================================================

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.deposit(owner, units(100), t0))
	f.mustProcess(f.withdraw(owner, units(40), t0))

	err := f.eng.ProcessEvent(f.withdraw(owner, units(61), t0))
	if engine.CodeOf(err) != engine.CodeTokenOperation {
		t.Errorf("over-withdrawal code = %s, want token_operation", engine.CodeOf(err))
	}

	err = f.eng.ProcessEvent(f.deposit(owner, new(big.Int), t0))
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Errorf("zero deposit = %v, want ErrZeroAmount", err)
	}
}

// ============================================================
// Vault lifecycle
// ============================================================

func TestOpenVaultMintsDebt(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	if got := f.eng.TotalSupply(); got.Cmp(units(100)) != 0 {
		t.Errorf("total supply = %s, want %s", got, units(100))
	}

	out := f.lastOutput()
	if len(out.Vaults) != 1 {
		t.Fatalf("open emitted %d vault views, want 1", len(out.Vaults))
	}
	v := out.Vaults[0]
	if v.LockedCollateral.Cmp(units(140)) != 0 {
		t.Errorf("locked = %s, want %s", v.LockedCollateral, units(140))
	}
	if v.Debt.Cmp(units(100)) != 0 {
		t.Errorf("debt = %s, want %s", v.Debt, units(100))
	}
	if v.State != vault.StateHealthy {
		t.Errorf("state = %s, want Healthy", v.State)
	}
	// $280 collateral at the 170% threshold: HF = 280 * (1e20/170) / 100.
	if v.HealthFactor == nil || v.HealthFactor.String() != "1647058823529411762" {
		t.Errorf("health factor = %v, want 1647058823529411762", v.HealthFactor)
	}
}

func TestOpenVaultRejections(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.price(units(2), t0))
	f.mustProcess(f.deposit(owner, units(500), t0))

	// Below the 10-unit minimum debt.
	err := f.eng.ProcessEvent(f.open(owner, units(140), units(5), t0))
	if !errors.Is(err, engine.ErrBelowMinimumDebt) {
		t.Errorf("tiny debt = %v, want ErrBelowMinimumDebt", err)
	}

	// Undercollateralized: $280 of collateral trusts to ~$164.7, below 165.
	err = f.eng.ProcessEvent(f.open(owner, units(140), units(165), t0))
	if engine.CodeOf(err) != engine.CodeSolvency {
		t.Errorf("unhealthy open code = %s, want solvency", engine.CodeOf(err))
	}

	// A healthy open, then a second vault for the same owner/collateral.
	f.mustProcess(f.open(owner, units(140), units(100), t0))
	err = f.eng.ProcessEvent(f.open(owner, units(140), units(100), t0))
	if !errors.Is(err, engine.ErrVaultExists) {
		t.Errorf("second open = %v, want ErrVaultExists", err)
	}
}

func TestOpenVaultNoPriceRejected(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.deposit(owner, units(140), t0))

	err := f.eng.ProcessEvent(f.open(owner, units(140), units(100), t0))
	if engine.CodeOf(err) != engine.CodeOracle {
		t.Errorf("open without price code = %s, want oracle", engine.CodeOf(err))
	}
}

func TestStalePriceBlocksActions(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.price(units(2), t0))
	f.mustProcess(f.deposit(owner, units(140), t0))

	// Three hours later the $2 observation is past the staleness window.
	err := f.eng.ProcessEvent(f.open(owner, units(140), units(100), t0.Add(3*time.Hour)))
	if engine.CodeOf(err) != engine.CodeOracle {
		t.Errorf("open on stale price code = %s, want oracle", engine.CodeOf(err))
	}
}

func TestExpandVaultSettlesFee(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	// One year later: 1% APR on 100 debt is $1, or 0.5 tokens at $2.
	t1 := t0.Add(365 * 24 * time.Hour)
	f.mustProcess(f.price(units(2), t1))
	f.mustProcess(f.expand(owner, units(10), new(big.Int), t1))

	out := f.lastOutput()
	v := out.Vaults[0]
	want, _ := new(big.Int).SetString("149500000000000000000", 10) // 140 - 0.5 + 10
	if v.LockedCollateral.Cmp(want) != 0 {
		t.Errorf("locked after expand = %s, want %s", v.LockedCollateral, want)
	}
	if !v.LastFeeSettlement.Equal(t1) {
		t.Errorf("fee settlement stamp = %s, want %s", v.LastFeeSettlement, t1)
	}

	if len(out.Batch.Journals) != 2 {
		t.Fatalf("expand batch has %d legs, want fee + lock", len(out.Batch.Journals))
	}
	fee := out.Batch.Journals[0]
	if fee.JournalType != vault.JournalTypeFeeSettle {
		t.Errorf("first leg = %s, want fee_settle", fee.JournalType)
	}
	halfToken, _ := new(big.Int).SetString("500000000000000000", 10)
	if fee.Amount.Cmp(halfToken) != 0 {
		t.Errorf("fee leg = %s, want %s", fee.Amount, halfToken)
	}
}

func TestExpandVaultRejectsZeroDeltas(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	err := f.eng.ProcessEvent(f.expand(owner, new(big.Int), new(big.Int), t0))
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Errorf("zero expand = %v, want ErrZeroAmount", err)
	}
}

func TestBurnDebtSkipsHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	// Crash the price: the vault is now underwater, but repayment must
	// still go through.
	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.burn(owner, units(95), t0))

	out := f.lastOutput()
	v := out.Vaults[0]
	if v.Debt.Cmp(units(5)) != 0 {
		t.Errorf("debt after burn = %s, want %s (below the open minimum is fine)", v.Debt, units(5))
	}
	if got := f.eng.TotalSupply(); got.Cmp(units(5)) != 0 {
		t.Errorf("total supply = %s, want %s", got, units(5))
	}
}

func TestBurnDebtCannotExceedOutstanding(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	if err := f.eng.ProcessEvent(f.burn(owner, units(101), t0)); err == nil {
		t.Error("burning more than the outstanding debt succeeded")
	}
}

func TestRedeemRequiresHealth(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	// Dropping to 40 locked leaves ~$47 trusted against 100 debt.
	err := f.eng.ProcessEvent(f.redeem(owner, units(100), t0))
	if engine.CodeOf(err) != engine.CodeSolvency {
		t.Errorf("unhealthy redeem code = %s, want solvency", engine.CodeOf(err))
	}

	f.mustProcess(f.redeem(owner, units(10), t0))
	out := f.lastOutput()
	if got := out.Vaults[0].LockedCollateral; got.Cmp(units(130)) != 0 {
		t.Errorf("locked after redeem = %s, want %s", got, units(130))
	}
}

func TestFullRepayClosesVault(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	f.mustProcess(f.burn(owner, units(100), t0))
	// Zero debt is unconditionally healthy: all collateral can leave.
	f.mustProcess(f.redeem(owner, units(140), t0))

	out := f.lastOutput()
	v := out.Vaults[0]
	if v.Debt.Sign() != 0 || v.LockedCollateral.Sign() != 0 {
		t.Errorf("closed vault has debt=%s locked=%s", v.Debt, v.LockedCollateral)
	}

	// A closed vault no longer blocks a fresh open.
	f.mustProcess(f.deposit(owner, units(140), t0))
	f.mustProcess(f.open(owner, units(140), units(100), t0))
}

// ============================================================
// Underwater marking
// ============================================================

func TestMarkUnderwaterRejectsHealthyVault(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	err := f.eng.ProcessEvent(f.mark(owner, t0))
	if !errors.Is(err, engine.ErrNotUnderwater) {
		t.Errorf("mark on healthy vault = %v, want ErrNotUnderwater", err)
	}
}

func TestMarkUnderwaterOnsetIsSticky(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.mark(owner, t0))

	first := f.lastOutput().Vaults[0]
	if first.State != vault.StateUnderwater {
		t.Fatalf("state = %s, want Underwater", first.State)
	}
	if first.UnderwaterSince == nil || !first.UnderwaterSince.Equal(t0) {
		t.Fatalf("onset = %v, want %s", first.UnderwaterSince, t0)
	}

	// A second keeper marks an hour later: accepted, onset unchanged.
	t1 := t0.Add(time.Hour)
	f.mustProcess(f.price(units(1), t1))
	f.mustProcess(f.mark(owner, t1))

	second := f.lastOutput().Vaults[0]
	if !second.UnderwaterSince.Equal(t0) {
		t.Errorf("onset moved to %s, want %s", second.UnderwaterSince, t0)
	}
}

// ============================================================
// Liquidation
// ============================================================

func TestLiquidationFullReward(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	f.setupLiquidatorFunds()

	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.mark(owner, t0))
	f.drainOutputs()

	f.mustProcess(f.liquidate(owner, units(100), false, t0))
	out := f.lastOutput()

	rec := out.Liquidation
	if rec == nil {
		t.Fatal("no liquidation record emitted")
	}
	// At $1: 1 token penalty, 0 fee, 139 remaining. Reward is 3% discount
	// + floored 10-unit size reward = $13. 100 base + 13 reward = 113
	// tokens to the liquidator, 26 back to the owner.
	if rec.Outcome.String() != "full_reward" {
		t.Fatalf("outcome = %s, want full_reward", rec.Outcome)
	}
	if rec.LiquidatorTokens.Cmp(units(113)) != 0 {
		t.Errorf("liquidator tokens = %s, want %s", rec.LiquidatorTokens, units(113))
	}
	if rec.OwnerSurplus.Cmp(units(26)) != 0 {
		t.Errorf("owner surplus = %s, want %s", rec.OwnerSurplus, units(26))
	}
	if rec.MintRefund.Sign() != 0 {
		t.Errorf("mint refund = %s, want 0", rec.MintRefund)
	}

	// Supplied tokens burned: only the owner's own 100 remain outstanding.
	if got := f.eng.TotalSupply(); got.Cmp(units(100)) != 0 {
		t.Errorf("total supply = %s, want %s", got, units(100))
	}

	v := out.Vaults[0]
	if v.State != vault.StateLiquidated {
		t.Errorf("final state = %s, want Liquidated", v.State)
	}
	if v.Debt.Sign() != 0 || v.LockedCollateral.Sign() != 0 {
		t.Errorf("liquidated vault holds debt=%s locked=%s", v.Debt, v.LockedCollateral)
	}

	// Penalty, payout, surplus: three legs, no fee at zero elapsed.
	if len(out.Batch.Journals) != 3 {
		t.Errorf("liquidation batch has %d legs, want 3", len(out.Batch.Journals))
	}

	// The vault record is gone.
	err := f.eng.ProcessEvent(f.liquidate(owner, units(100), false, t0))
	if !errors.Is(err, engine.ErrNoVault) {
		t.Errorf("second liquidation = %v, want ErrNoVault", err)
	}
}

func TestLiquidationPartialReward(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	f.setupLiquidatorFunds()

	// At $0.75 the 1% penalty costs 4/3 tokens and the base repayment alone
	// needs ~133.3 of the remaining ~138.7: enough for the base, not for the
	// full $13 reward.
	price, _ := new(big.Int).SetString("750000000000000000", 10)
	f.mustProcess(f.price(price, t0))
	f.mustProcess(f.mark(owner, t0))
	f.drainOutputs()

	f.mustProcess(f.liquidate(owner, units(100), false, t0))
	out := f.lastOutput()

	rec := out.Liquidation
	if rec.Outcome.String() != "partial_reward" {
		t.Fatalf("outcome = %s, want partial_reward", rec.Outcome)
	}
	// The liquidator takes everything after the penalty; nothing is left
	// for the owner and nothing is absorbed or refunded.
	wantPayout, _ := new(big.Int).SetString("138666666666666666667", 10)
	if rec.LiquidatorTokens.Cmp(wantPayout) != 0 {
		t.Errorf("liquidator tokens = %s, want %s", rec.LiquidatorTokens, wantPayout)
	}
	if rec.OwnerSurplus.Sign() != 0 {
		t.Errorf("owner surplus = %s, want 0", rec.OwnerSurplus)
	}
	if rec.AbsorbedTokens.Sign() != 0 || rec.MintRefund.Sign() != 0 {
		t.Errorf("partial reward has absorbed=%s refund=%s, want both 0", rec.AbsorbedTokens, rec.MintRefund)
	}

	// Penalty and payout only: no fee at zero elapsed, no surplus leg, and
	// together they drain the vault's 140 tokens exactly.
	if len(out.Batch.Journals) != 2 {
		t.Fatalf("batch has %d legs, want 2", len(out.Batch.Journals))
	}
	if out.Batch.Journals[0].JournalType != vault.JournalTypePenaltySweep {
		t.Errorf("first leg = %s, want penalty_sweep", out.Batch.Journals[0].JournalType)
	}
	if out.Batch.Journals[1].JournalType != vault.JournalTypeLiquidationPayout {
		t.Errorf("second leg = %s, want liquidation_payout", out.Batch.Journals[1].JournalType)
	}
	wantPenalty, _ := new(big.Int).SetString("1333333333333333333", 10)
	if out.Batch.Journals[0].Amount.Cmp(wantPenalty) != 0 {
		t.Errorf("penalty leg = %s, want %s", out.Batch.Journals[0].Amount, wantPenalty)
	}

	v := out.Vaults[0]
	if v.State != vault.StateLiquidated {
		t.Errorf("final state = %s, want Liquidated", v.State)
	}
	if got := f.eng.TotalSupply(); got.Cmp(units(100)) != 0 {
		t.Errorf("total supply = %s, want %s", got, units(100))
	}
}

func TestLiquidationBadDebt(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	f.setupLiquidatorFunds()

	// At $0.50 the 140 tokens are worth $70 against 100 debt: the base
	// repayment alone would need 200 tokens.
	half, _ := new(big.Int).SetString("500000000000000000", 10)
	f.mustProcess(f.price(half, t0))
	f.mustProcess(f.mark(owner, t0))
	f.drainOutputs()

	f.mustProcess(f.liquidate(owner, units(100), false, t0))
	out := f.lastOutput()

	rec := out.Liquidation
	if rec.Outcome.String() != "bad_debt" {
		t.Fatalf("outcome = %s, want bad_debt", rec.Outcome)
	}
	if rec.LiquidatorTokens.Sign() != 0 {
		t.Errorf("liquidator tokens = %s, want 0", rec.LiquidatorTokens)
	}
	// 2-token penalty leaves 138 residual, all absorbed.
	if rec.AbsorbedTokens.Cmp(units(138)) != 0 {
		t.Errorf("absorbed tokens = %s, want %s", rec.AbsorbedTokens, units(138))
	}
	if rec.MintRefund.Cmp(units(100)) != 0 {
		t.Errorf("mint refund = %s, want %s", rec.MintRefund, units(100))
	}

	if out.Absorbed == nil {
		t.Fatal("no absorbed-vault record emitted")
	}
	if out.Absorbed.ResidualCollateral.Cmp(units(138)) != 0 {
		t.Errorf("residual collateral = %s, want %s", out.Absorbed.ResidualCollateral, units(138))
	}
	if out.Absorbed.UnrecoveredDebt.Cmp(units(100)) != 0 {
		t.Errorf("unrecovered debt = %s, want %s", out.Absorbed.UnrecoveredDebt, units(100))
	}

	if out.Vaults[0].State != vault.StateAbsorbed {
		t.Errorf("final state = %s, want Absorbed", out.Vaults[0].State)
	}

	// The refund re-minted what the liquidator burned: supply is the
	// owner's 100 plus the socialized 100.
	if got := f.eng.TotalSupply(); got.Cmp(units(200)) != 0 {
		t.Errorf("total supply = %s, want %s", got, units(200))
	}
}

func TestLiquidationWantsWithdraw(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	f.setupLiquidatorFunds()

	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.mark(owner, t0))
	f.drainOutputs()

	f.mustProcess(f.liquidate(owner, units(100), true, t0))
	out := f.lastOutput()

	// Penalty, payout, surplus, plus the custody withdraw leg.
	if len(out.Batch.Journals) != 4 {
		t.Fatalf("batch has %d legs, want 4", len(out.Batch.Journals))
	}
	last := out.Batch.Journals[3]
	if last.DebitAccount.Scope != vault.AccountScopeExternal {
		t.Errorf("withdraw leg debits scope %d, want external custody", last.DebitAccount.Scope)
	}
	if last.Amount.Cmp(units(113)) != 0 {
		t.Errorf("withdraw leg = %s, want %s", last.Amount, units(113))
	}
}

func TestLiquidationPreconditions(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	f.setupLiquidatorFunds()

	// Not underwater yet.
	err := f.eng.ProcessEvent(f.liquidate(owner, units(100), false, t0))
	if !errors.Is(err, engine.ErrNotUnderwater) {
		t.Errorf("liquidate healthy vault = %v, want ErrNotUnderwater", err)
	}

	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.mark(owner, t0))

	// Partial repayment is never accepted.
	err = f.eng.ProcessEvent(f.liquidate(owner, units(99), false, t0))
	if !errors.Is(err, engine.ErrInsufficientRepayment) {
		t.Errorf("partial repayment = %v, want ErrInsufficientRepayment", err)
	}

	// Overpayment neither.
	err = f.eng.ProcessEvent(f.liquidate(owner, units(101), false, t0))
	if !errors.Is(err, engine.ErrInsufficientRepayment) {
		t.Errorf("overpayment = %v, want ErrInsufficientRepayment", err)
	}
}

func TestLiquidationRequiresTokenBalance(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()
	// No liquidator funding: their token balance is zero.

	f.mustProcess(f.price(units(1), t0))
	f.mustProcess(f.mark(owner, t0))

	err := f.eng.ProcessEvent(f.liquidate(owner, units(100), false, t0))
	if engine.CodeOf(err) != engine.CodeTokenOperation {
		t.Errorf("broke liquidator code = %s, want token_operation", engine.CodeOf(err))
	}
}

// ============================================================
// Ordering, dedup, determinism
// ============================================================

func TestDuplicateEventIgnored(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))

	dep := f.deposit(owner, units(100), t0)
	f.mustProcess(dep)
	seqAfter := f.eng.GetSequence()
	f.drainOutputs()

	// Redelivery of the exact same event: silently dropped.
	if err := f.eng.ProcessEvent(dep); err != nil {
		t.Fatalf("redelivered event errored: %v", err)
	}
	if f.eng.GetSequence() != seqAfter {
		t.Errorf("sequence moved to %d on duplicate, want %d", f.eng.GetSequence(), seqAfter)
	}
	if outs := f.drainOutputs(); len(outs) != 0 {
		t.Errorf("duplicate emitted %d outputs, want 0", len(outs))
	}
}

func TestSequenceGapRejected(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))

	gap := f.deposit(owner, units(100), t0)
	gap.Sequence += 5
	if err := f.eng.ProcessEvent(gap); err == nil {
		t.Error("sequence gap accepted")
	}
}

func TestStalePriceObservationSkipped(t *testing.T) {
	f := newFixture(t)
	f.mustProcess(f.register(170, t0))
	f.mustProcess(f.price(units(2), t0))
	seqAfter := f.eng.GetSequence()

	// Same price sequence again: skipped without error or output.
	stale := &event.PriceUpdate{
		Feed:          "ETH/USD",
		Value:         units(3),
		Decimals:      18,
		PriceSequence: 1,
		Timestamp:     t0,
	}
	if err := f.eng.ProcessEvent(stale); err != nil {
		t.Fatalf("stale price errored: %v", err)
	}
	if f.eng.GetSequence() != seqAfter {
		t.Errorf("sequence moved on stale price")
	}
}

func TestReplayReproducesStateHash(t *testing.T) {
	f := newFixture(t)
	events := []event.Event{
		f.register(170, t0),
		f.price(units(2), t0),
		f.deposit(owner, units(140), t0),
		f.open(owner, units(140), units(100), t0),
		f.deposit(liquidator, units(400), t0),
		f.open(liquidator, units(400), units(100), t0),
		f.price(units(1), t0),
		f.mark(owner, t0),
		f.liquidate(owner, units(100), false, t0),
	}
	for _, evt := range events {
		f.mustProcess(evt)
	}

	// A cold engine replaying the same log must land on the same chain tip.
	replayed := engine.NewDebtEngine(0, units(10), nil, nil, nil, nil)
	for _, evt := range events {
		if err := replayed.Replay(evt); err != nil {
			t.Fatalf("Replay(%T): %v", evt, err)
		}
	}

	if replayed.GetSequence() != f.eng.GetSequence() {
		t.Errorf("replayed sequence = %d, want %d", replayed.GetSequence(), f.eng.GetSequence())
	}
	if replayed.GetStateHash() != f.eng.GetStateHash() {
		t.Errorf("replayed state hash diverged:\n got %x\nwant %x", replayed.GetStateHash(), f.eng.GetStateHash())
	}
}

func TestSnapshotRestoreContinuesChain(t *testing.T) {
	f := newFixture(t)
	f.setupOpenVault()

	snap := f.eng.CreateSnapshotState()

	restored := engine.NewDebtEngine(0, units(10), nil, nil, nil, nil)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if restored.GetSequence() != f.eng.GetSequence() {
		t.Fatalf("restored sequence = %d, want %d", restored.GetSequence(), f.eng.GetSequence())
	}
	if restored.GetStateHash() != f.eng.GetStateHash() {
		t.Fatal("restored state hash diverged")
	}
	if restored.TotalSupply().Cmp(f.eng.TotalSupply()) != 0 {
		t.Errorf("restored supply = %s, want %s", restored.TotalSupply(), f.eng.TotalSupply())
	}

	// Both engines process the same next event and must stay in lockstep.
	next := f.deposit(owner, units(7), t0)
	f.mustProcess(next)
	if err := restored.ProcessEvent(next); err != nil {
		t.Fatalf("restored engine rejected next event: %v", err)
	}
	if restored.GetStateHash() != f.eng.GetStateHash() {
		t.Error("state hash diverged after post-restore event")
	}

	// The warmed idempotency cache also survives: redelivering an event
	// from before the snapshot is a no-op.
	if err := restored.ProcessEvent(next); err != nil {
		t.Fatalf("redelivery after restore errored: %v", err)
	}
}
