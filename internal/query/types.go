package query

import "time"

// OutcomeResponse is one settled bet.
type OutcomeResponse struct {
	Sequence      int64     `json:"sequence"`
	Player        string    `json:"player"`
	CorrelationID string    `json:"correlation_id"`
	Stake         int64     `json:"stake"`
	Delta         int64     `json:"delta"` // +stake on a win, -stake on a loss
	Dice1         int32     `json:"dice1"`
	Dice2         int32     `json:"dice2"`
	SettledAt     time.Time `json:"settled_at"`
}

// OutcomeSummary aggregates a player's settled bets.
type OutcomeSummary struct {
	Player       string `json:"player"`
	Wins         int64  `json:"wins"`
	Losses       int64  `json:"losses"`
	Net          int64  `json:"net"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// BetResponse is the projected bet slot of an account.
type BetResponse struct {
	Account       string `json:"account"`
	Pending       bool   `json:"pending"`
	Won           bool   `json:"won"`
	Stake         int64  `json:"stake"`
	RequestHeight int64  `json:"request_height"`
	Dice1         int32  `json:"dice1"`
	Dice2         int32  `json:"dice2"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// TreasuryMovement is a deposit into or withdrawal from the treasury.
type TreasuryMovement struct {
	Sequence   int64     `json:"sequence"`
	Kind       string    `json:"kind"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BalanceResponse is a projected ledger balance.
type BalanceResponse struct {
	Account      string `json:"account"`
	Symbol       string `json:"symbol"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Symbol        string `json:"symbol"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"`
	BalanceImbalance  int64   `json:"balance_imbalance"`
	NegativeHolders   int64   `json:"negative_holders"`
	LastSequence      int64   `json:"last_sequence"`
	ProjectionLagging bool    `json:"projection_lagging"`
}
