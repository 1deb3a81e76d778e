package query

import "time"

// VaultResponse represents a vault for API queries. Amounts are decimal
// strings; health_factor is null when the oracle price is stale or missing.
type VaultResponse struct {
	CollateralID      string     `json:"collateral_id"`
	Owner             string     `json:"owner"`
	LockedCollateral  string     `json:"locked_collateral"`
	Debt              string     `json:"debt"`
	HealthFactor      *string    `json:"health_factor,omitempty"`
	State             string     `json:"state"`
	LastFeeSettlement time.Time  `json:"last_fee_settlement"`
	UnderwaterSince   *time.Time `json:"underwater_since,omitempty"`
	AsOfSequence      int64      `json:"as_of_sequence"`
}

// BalanceEntry is one ledger account balance for API queries.
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// CollateralResponse represents a registered collateral type.
type CollateralResponse struct {
	CollateralID  string `json:"collateral_id"`
	TokenRef      string `json:"token_ref"`
	OracleFeed    string `json:"oracle_feed"`
	TokenDecimals uint8  `json:"token_decimals"`
	OCRPercent    uint64 `json:"ocr_percent"`
	Active        bool   `json:"active"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// LiquidationHistoryEntry represents a completed liquidation.
type LiquidationHistoryEntry struct {
	Sequence         int64     `json:"sequence"`
	CollateralID     string    `json:"collateral_id"`
	Owner            string    `json:"owner"`
	Liquidator       string    `json:"liquidator"`
	Outcome          string    `json:"outcome"`
	DebtRepaid       string    `json:"debt_repaid"`
	LiquidatorTokens string    `json:"liquidator_tokens"`
	OwnerSurplus     string    `json:"owner_surplus"`
	AbsorbedTokens   string    `json:"absorbed_tokens"`
	MintRefund       string    `json:"mint_refund"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// AbsorbedVaultEntry represents a bad-debt absorption record.
type AbsorbedVaultEntry struct {
	CollateralID       string    `json:"collateral_id"`
	Owner              string    `json:"owner"`
	ResidualCollateral string    `json:"residual_collateral"`
	UnrecoveredDebt    string    `json:"unrecovered_debt"`
	AbsorbedAt         time.Time `json:"absorbed_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose ledger does not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
