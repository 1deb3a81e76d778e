package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables and the
// event log. All responses carry as_of_sequence — the projection watermark at
// read time — so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetVault returns one vault by collateral type and owner.
func (qs *QueryService) GetVault(ctx context.Context, collateralID string, owner uuid.UUID) (*VaultResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT collateral_id, owner, locked_collateral, debt, health_factor,
		       state, last_fee_settlement, underwater_since
		FROM projections.vaults
		WHERE collateral_id = $1 AND owner = $2
	`, collateralID, owner)

	v, err := scanVault(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.AsOfSequence = asOfSeq
	return v, nil
}

// ListVaults returns vaults filtered by collateral type and/or state,
// ordered by debt descending so keepers see the largest exposures first.
func (qs *QueryService) ListVaults(ctx context.Context, collateralID, state *string, limit int) ([]VaultResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT collateral_id, owner, locked_collateral, debt, health_factor,
		       state, last_fee_settlement, underwater_since
		FROM projections.vaults
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if collateralID != nil {
		query += fmt.Sprintf(" AND collateral_id = $%d", argIdx)
		args = append(args, *collateralID)
		argIdx++
	}
	if state != nil {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *state)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY debt DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []VaultResponse
	for rows.Next() {
		v, err := scanVault(rows.Scan)
		if err != nil {
			return nil, err
		}
		v.AsOfSequence = asOfSeq
		vaults = append(vaults, *v)
	}

	return vaults, rows.Err()
}

// GetBalances returns all ledger account balances for an owner across
// collateral types and sub-accounts (unlocked, locked).
func (qs *QueryService) GetBalances(ctx context.Context, owner uuid.UUID) ([]BalanceEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", owner)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, accountPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceEntry
	for rows.Next() {
		var b BalanceEntry
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance); err != nil {
			return nil, err
		}
		b.AsOfSequence = asOfSeq
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// ListCollaterals returns all registered collateral types, inactive ones
// included.
func (qs *QueryService) ListCollaterals(ctx context.Context) ([]CollateralResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT collateral_id, token_ref, oracle_feed, token_decimals, ocr_percent, active
		FROM projections.collaterals
		ORDER BY collateral_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collaterals []CollateralResponse
	for rows.Next() {
		var c CollateralResponse
		var decimals int16
		var ocr int64
		if err := rows.Scan(&c.CollateralID, &c.TokenRef, &c.OracleFeed, &decimals, &ocr, &c.Active); err != nil {
			return nil, err
		}
		c.TokenDecimals = uint8(decimals)
		c.OCRPercent = uint64(ocr)
		c.AsOfSequence = asOfSeq
		collaterals = append(collaterals, c)
	}

	return collaterals, rows.Err()
}

// GetLiquidationHistory returns completed liquidations with cursor-based
// pagination: pass the lowest sequence from the previous page as
// beforeSequence to fetch the next one.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	collateralID *string,
	owner *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LiquidationHistoryEntry, error) {
	query := `
		SELECT sequence, collateral_id, owner, liquidator, outcome, debt_repaid,
		       liquidator_tokens, owner_surplus, absorbed_tokens, mint_refund, executed_at
		FROM projections.liquidation_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if collateralID != nil {
		query += fmt.Sprintf(" AND collateral_id = $%d", argIdx)
		args = append(args, *collateralID)
		argIdx++
	}
	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LiquidationHistoryEntry
	for rows.Next() {
		var h LiquidationHistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.CollateralID, &h.Owner, &h.Liquidator, &h.Outcome,
			&h.DebtRepaid, &h.LiquidatorTokens, &h.OwnerSurplus, &h.AbsorbedTokens,
			&h.MintRefund, &h.ExecutedAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetAbsorbedVaults returns bad-debt absorption records, newest first.
func (qs *QueryService) GetAbsorbedVaults(ctx context.Context, collateralID *string, limit int) ([]AbsorbedVaultEntry, error) {
	query := `
		SELECT collateral_id, owner, residual_collateral, unrecovered_debt, absorbed_at
		FROM projections.absorbed_vaults
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if collateralID != nil {
		query += fmt.Sprintf(" AND collateral_id = $%d", argIdx)
		args = append(args, *collateralID)
		argIdx++
	}

	query += " ORDER BY absorbed_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AbsorbedVaultEntry
	for rows.Next() {
		var e AbsorbedVaultEntry
		if err := rows.Scan(
			&e.CollateralID, &e.Owner, &e.ResidualCollateral, &e.UnrecoveredDebt, &e.AbsorbedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetJournalHistory returns journal entries touching an owner's accounts,
// with cursor-based pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the event log and the
// zero-sum invariant per asset in the balance projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func scanVault(scan func(dest ...interface{}) error) (*VaultResponse, error) {
	var v VaultResponse
	var healthFactor sql.NullString
	var underwaterSince sql.NullTime

	if err := scan(
		&v.CollateralID, &v.Owner, &v.LockedCollateral, &v.Debt, &healthFactor,
		&v.State, &v.LastFeeSettlement, &underwaterSince,
	); err != nil {
		return nil, err
	}

	if healthFactor.Valid {
		v.HealthFactor = &healthFactor.String
	}
	if underwaterSince.Valid {
		ts := underwaterSince.Time
		v.UnderwaterSince = &ts
	}
	return &v, nil
}
