package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/nzes1/oc-stablecoin-sub000/internal/engine"
	"github.com/nzes1/oc-stablecoin-sub000/internal/registry"
	"github.com/nzes1/oc-stablecoin-sub000/internal/valuation"
	"github.com/nzes1/oc-stablecoin-sub000/internal/vault"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures everything the engine holds in memory: the collateral
// registry, open vaults, absorbed vaults, the collateral ledger, debt token
// balances, oracle prices, sequence cursors, and the idempotency LRU keys.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of engine.SnapshotState. Amounts are
// decimal strings; timestamps are epoch microseconds. The JSON form is stable
// so old snapshots stay loadable across deploys.
type SnapshotData struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       []byte                    `json:"state_hash"`
	Registry        []registry.ConfigSnapshot `json:"registry"`
	Vaults          []VaultSnapshot           `json:"vaults"`
	Absorbed        []AbsorbedSnapshot        `json:"absorbed"`
	Balances        map[string]string         `json:"balances"`       // account path -> amount
	TokenBalances   map[string]string         `json:"token_balances"` // holder -> amount
	Prices          map[string]PriceSnapshot  `json:"prices"`         // oracle feed -> observation
	SequenceState   map[string]int64          `json:"sequence_state"` // partition -> next expected
	IdempotencyKeys []string                  `json:"idempotency_keys"`
	JournalSequence int64                     `json:"journal_sequence"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// VaultSnapshot is a serializable vault.
type VaultSnapshot struct {
	CollateralID        string `json:"collateral_id"`
	Owner               string `json:"owner"`
	LockedCollateral    string `json:"locked_collateral"`
	Debt                string `json:"debt"`
	LastFeeSettlementUs int64  `json:"last_fee_settlement_us"`
	UnderwaterSinceUs   *int64 `json:"underwater_since_us,omitempty"`
	State               int32  `json:"state"`
}

// AbsorbedSnapshot is a serializable bad-debt record.
type AbsorbedSnapshot struct {
	CollateralID       string `json:"collateral_id"`
	Owner              string `json:"owner"`
	ResidualCollateral string `json:"residual_collateral"`
	UnrecoveredDebt    string `json:"unrecovered_debt"`
	AbsorbedAtUs       int64  `json:"absorbed_at_us"`
}

// PriceSnapshot is a serializable oracle observation.
type PriceSnapshot struct {
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
	AsOfUs   int64  `json:"as_of_us"`
	Sequence int64  `json:"sequence"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineState converts the engine's in-memory snapshot into its
// serialized form.
func FromEngineState(snap *engine.SnapshotState, createdAt time.Time) *SnapshotData {
	vaults := make([]VaultSnapshot, 0, len(snap.Vaults))
	for _, v := range snap.Vaults {
		vs := VaultSnapshot{
			CollateralID:        v.CollateralID,
			Owner:               v.Owner.String(),
			LockedCollateral:    v.LockedCollateral.String(),
			Debt:                v.Debt.String(),
			LastFeeSettlementUs: v.LastFeeSettlement.UnixMicro(),
			State:               int32(v.State),
		}
		if v.UnderwaterSince != nil {
			us := v.UnderwaterSince.UnixMicro()
			vs.UnderwaterSinceUs = &us
		}
		vaults = append(vaults, vs)
	}

	absorbed := make([]AbsorbedSnapshot, 0, len(snap.Absorbed))
	for _, a := range snap.Absorbed {
		absorbed = append(absorbed, AbsorbedSnapshot{
			CollateralID:       a.CollateralID,
			Owner:              a.Owner.String(),
			ResidualCollateral: a.ResidualCollateral.String(),
			UnrecoveredDebt:    a.UnrecoveredDebt.String(),
			AbsorbedAtUs:       a.AbsorbedAt.UnixMicro(),
		})
	}

	prices := make(map[string]PriceSnapshot, len(snap.Prices))
	for feed, p := range snap.Prices {
		prices[feed] = PriceSnapshot{
			Value:    p.Value.String(),
			Decimals: p.Decimals,
			AsOfUs:   p.AsOf.UnixMicro(),
			Sequence: p.Sequence,
		}
	}

	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		Registry:        snap.Registry,
		Vaults:          vaults,
		Absorbed:        absorbed,
		Balances:        snap.Balances,
		TokenBalances:   snap.TokenBalances,
		Prices:          prices,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		JournalSequence: snap.JournalSequence,
		CreatedAt:       createdAt,
	}
}

// ToEngineState converts the serialized snapshot back into the engine's
// restore form.
func (sd *SnapshotData) ToEngineState() (*engine.SnapshotState, error) {
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash has %d bytes, want 32", len(sd.StateHash))
	}
	var stateHash [32]byte
	copy(stateHash[:], sd.StateHash)

	vaults := make([]*vault.Vault, 0, len(sd.Vaults))
	for _, vs := range sd.Vaults {
		owner, err := uuid.Parse(vs.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot vault owner %q: %w", vs.Owner, err)
		}
		locked, err := parseSnapshotAmount("locked_collateral", vs.LockedCollateral)
		if err != nil {
			return nil, err
		}
		debt, err := parseSnapshotAmount("debt", vs.Debt)
		if err != nil {
			return nil, err
		}
		v := &vault.Vault{
			CollateralID:      vs.CollateralID,
			Owner:             owner,
			LockedCollateral:  locked,
			Debt:              debt,
			LastFeeSettlement: time.UnixMicro(vs.LastFeeSettlementUs),
			State:             vault.State(vs.State),
		}
		if vs.UnderwaterSinceUs != nil {
			ts := time.UnixMicro(*vs.UnderwaterSinceUs)
			v.UnderwaterSince = &ts
		}
		vaults = append(vaults, v)
	}

	absorbed := make([]*vault.AbsorbedVault, 0, len(sd.Absorbed))
	for _, as := range sd.Absorbed {
		owner, err := uuid.Parse(as.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot absorbed owner %q: %w", as.Owner, err)
		}
		residual, err := parseSnapshotAmount("residual_collateral", as.ResidualCollateral)
		if err != nil {
			return nil, err
		}
		unrecovered, err := parseSnapshotAmount("unrecovered_debt", as.UnrecoveredDebt)
		if err != nil {
			return nil, err
		}
		absorbed = append(absorbed, &vault.AbsorbedVault{
			CollateralID:       as.CollateralID,
			Owner:              owner,
			ResidualCollateral: residual,
			UnrecoveredDebt:    unrecovered,
			AbsorbedAt:         time.UnixMicro(as.AbsorbedAtUs),
		})
	}

	prices := make(map[string]valuation.PricePoint, len(sd.Prices))
	for feed, ps := range sd.Prices {
		value, err := parseSnapshotAmount("price_value", ps.Value)
		if err != nil {
			return nil, err
		}
		prices[feed] = valuation.PricePoint{
			Value:    value,
			Decimals: ps.Decimals,
			AsOf:     time.UnixMicro(ps.AsOfUs),
			Sequence: ps.Sequence,
		}
	}

	return &engine.SnapshotState{
		Sequence:        sd.Sequence,
		StateHash:       stateHash,
		Registry:        sd.Registry,
		Vaults:          vaults,
		Absorbed:        absorbed,
		Balances:        sd.Balances,
		TokenBalances:   sd.TokenBalances,
		Prices:          prices,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
		JournalSequence: sd.JournalSequence,
	}, nil
}

func parseSnapshotAmount(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("snapshot %s %q is not a decimal integer", field, s)
	}
	return n, nil
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded size.
// Snapshots are written unverified; MarkVerified flips the flag after an
// integrity check confirms the state hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) on an empty snapshot table — cold start, replay from zero.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for warm
// restart (replay from snapshot.sequence+1) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, collateral_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.CollateralID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
