package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nzes1/oc-stablecoin-sub000/internal/engine"
	"github.com/nzes1/oc-stablecoin-sub000/internal/event"
	"github.com/nzes1/oc-stablecoin-sub000/internal/observability"
)

// ProjectionWorker updates read-side tables from applied events: collateral
// balances, vault states, absorbed vaults, and liquidation history. The
// projection channel is non-blocking with drop — if this worker falls behind,
// projections go stale but the engine never stalls, and the tables can be
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan engine.Output, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled or
// the input channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: a failed update is recovered by
				// RebuildProjections, never by stalling the engine.
				pw.logger.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last applied projection sequence.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output engine.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	switch output.Envelope.EventType {
	case event.EventTypeRegisterCollateral:
		if err := pw.upsertCollateral(ctx, tx, seq, output.Envelope.Payload); err != nil {
			return fmt.Errorf("collateral projection: %w", err)
		}
	case event.EventTypeRemoveCollateral:
		if output.Envelope.CollateralID != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.collaterals SET active = FALSE, last_sequence = $2
				WHERE collateral_id = $1
			`, *output.Envelope.CollateralID, seq); err != nil {
				return fmt.Errorf("collateral projection: %w", err)
			}
		}
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := pw.updateBalance(ctx, tx, seq, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Asset, j.Amount.String()); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	for _, v := range output.Vaults {
		if err := pw.upsertVault(ctx, tx, seq, v); err != nil {
			return fmt.Errorf("vault projection: %w", err)
		}
	}

	if output.Absorbed != nil {
		a := output.Absorbed
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.absorbed_vaults
				(collateral_id, owner, residual_collateral, unrecovered_debt, absorbed_at, last_sequence)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6)
			ON CONFLICT DO NOTHING
		`, a.CollateralID, a.Owner.String(), a.ResidualCollateral.String(),
			a.UnrecoveredDebt.String(), a.AbsorbedAt, seq); err != nil {
			return fmt.Errorf("absorbed projection: %w", err)
		}
	}

	if output.Liquidation != nil {
		l := output.Liquidation
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(sequence, collateral_id, owner, liquidator, outcome, debt_repaid,
				 liquidator_tokens, owner_surplus, absorbed_tokens, mint_refund, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, l.CollateralID, l.Owner.String(), l.Liquidator.String(), string(l.Outcome),
			l.DebtRepaid.String(), l.LiquidatorTokens.String(), l.OwnerSurplus.String(),
			l.AbsorbedTokens.String(), l.MintRefund.String(), l.Timestamp); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalance applies one journal leg to the balance projection. The ledger
// convention is debit increases, credit decreases — matching the in-memory
// balance tracker, so projections and the engine agree sign for sign.
func (pw *ProjectionWorker) updateBalance(ctx context.Context, tx *sql.Tx, seq int64, debit, credit, asset, amount string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, debit, asset, amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
	`, credit, asset, amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) upsertCollateral(ctx context.Context, tx *sql.Tx, seq int64, payload []byte) error {
	var reg event.RegisterCollateral
	if err := json.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("decode register payload: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.collaterals
			(collateral_id, token_ref, oracle_feed, token_decimals, ocr_percent, active, last_sequence)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (collateral_id)
		DO UPDATE SET token_ref = $2, oracle_feed = $3, token_decimals = $4,
			ocr_percent = $5, active = TRUE, last_sequence = $6
	`, reg.Collateral, reg.TokenRef, reg.OracleFeed, int16(reg.TokenDecimals), int64(reg.OCRPercent), seq)
	return err
}

func (pw *ProjectionWorker) upsertVault(ctx context.Context, tx *sql.Tx, seq int64, v engine.VaultView) error {
	var healthFactor *string
	if v.HealthFactor != nil {
		hf := v.HealthFactor.String()
		healthFactor = &hf
	}
	var underwaterSince *time.Time
	if v.UnderwaterSince != nil {
		ts := *v.UnderwaterSince
		underwaterSince = &ts
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vaults
			(collateral_id, owner, locked_collateral, debt, health_factor, state,
			 last_fee_settlement, underwater_since, last_sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (collateral_id, owner)
		DO UPDATE SET
			locked_collateral = $3::numeric,
			debt = $4::numeric,
			health_factor = $5::numeric,
			state = $6,
			last_fee_settlement = $7,
			underwater_since = $8,
			last_sequence = $9
	`, v.CollateralID, v.Owner.String(), v.LockedCollateral.String(), v.Debt.String(),
		healthFactor, v.State.String(), v.LastFeeSettlement, underwaterSince, seq)
	return err
}

// RebuildProjections rebuilds the balance projection from the journal and
// clears the rest. Vault, absorbed, and liquidation tables are repopulated by
// replaying the event log through the engine with the projection channel
// attached; balances alone can be rebuilt in SQL.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.vaults`,
		`TRUNCATE projections.absorbed_vaults`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase an account's balance
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits decrease it
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	return nil
}
