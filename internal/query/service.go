package query

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/projection"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when a projection has no row for the key.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables and the
// event log. Responses carry as_of_sequence for freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetOutcomeHistory returns a player's settled bets, newest first.
// beforeSequence is an exclusive cursor.
func (qs *QueryService) GetOutcomeHistory(
	ctx context.Context,
	player common.Address,
	limit int,
	beforeSequence *int64,
) ([]OutcomeResponse, error) {
	query := `
		SELECT sequence, player, correlation_id, stake, delta, dice1, dice2, settled_at
		FROM projections.outcomes
		WHERE player = $1
	`
	args := []any{projection.Account(player)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, record_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []OutcomeResponse
	for rows.Next() {
		var o OutcomeResponse
		if err := rows.Scan(&o.Sequence, &o.Player, &o.CorrelationID, &o.Stake, &o.Delta, &o.Dice1, &o.Dice2, &o.SettledAt); err != nil {
			return nil, err
		}
		history = append(history, o)
	}
	return history, rows.Err()
}

// GetOutcomeSummary returns win/loss counts and the net result of a player.
func (qs *QueryService) GetOutcomeSummary(ctx context.Context, player common.Address) (*OutcomeSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	s := &OutcomeSummary{Player: projection.Account(player), AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE delta > 0),
		       COUNT(*) FILTER (WHERE delta < 0),
		       COALESCE(SUM(delta), 0)
		FROM projections.outcomes
		WHERE player = $1
	`, s.Player).Scan(&s.Wins, &s.Losses, &s.Net)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetBet returns the projected bet slot of an account.
func (qs *QueryService) GetBet(ctx context.Context, account common.Address) (*BetResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	b := &BetResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT account, pending, won, stake, request_height, dice1, dice2
		FROM projections.account_bets
		WHERE account = $1
	`, projection.Account(account)).Scan(&b.Account, &b.Pending, &b.Won, &b.Stake, &b.RequestHeight, &b.Dice1, &b.Dice2)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetOpenBets returns the pending bets, oldest request first.
func (qs *QueryService) GetOpenBets(ctx context.Context, limit int) ([]BetResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, pending, won, stake, request_height, dice1, dice2
		FROM projections.account_bets
		WHERE pending
		ORDER BY request_height ASC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []BetResponse
	for rows.Next() {
		b := BetResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.Account, &b.Pending, &b.Won, &b.Stake, &b.RequestHeight, &b.Dice1, &b.Dice2); err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// GetTreasuryMovements returns deposits and withdrawals, newest first.
func (qs *QueryService) GetTreasuryMovements(ctx context.Context, limit int) ([]TreasuryMovement, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, kind, from_account, to_account, amount, occurred_at
		FROM projections.treasury_movements
		ORDER BY sequence DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []TreasuryMovement
	for rows.Next() {
		var m TreasuryMovement
		if err := rows.Scan(&m.Sequence, &m.Kind, &m.From, &m.To, &m.Amount, &m.OccurredAt); err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// GetBalance returns the projected wallet balance of an account.
func (qs *QueryService) GetBalance(ctx context.Context, account common.Address, symbol string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewHolderAccountKey(account, symbol).AccountPath()
	var balance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, path).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &BalanceResponse{
		Account:      projection.Account(account),
		Symbol:       symbol,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching an account's wallet.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	symbol string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	path := ledger.NewHolderAccountKey(account, symbol).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, symbol, amount, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{path}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

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
			&e.DebitAccount, &e.CreditAccount, &e.Symbol, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the command log and the
// zero-sum invariant of the projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// The chain must start at genesis.
	var first []byte
	err := qs.db.QueryRowContext(ctx, `SELECT prev_hash FROM event_log.commands WHERE sequence = 1`).Scan(&first)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		genesis := core.GenesisHash()
		if !bytes.Equal(first, genesis[:]) {
			report.HashChainBreaks = append(report.HashChainBreaks, 1)
		}
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
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

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0),
		       COUNT(*) FILTER (WHERE balance < 0 AND account_path LIKE 'holder:%')
		FROM projections.balances
	`).Scan(&report.BalanceImbalance, &report.NegativeHolders); err != nil {
		return nil, err
	}

	var last sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&last); err != nil {
		return nil, err
	}
	report.LastSequence = last.Int64

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLagging = watermark < report.LastSequence

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.BalanceImbalance == 0 &&
		report.NegativeHolders == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.Watermark(ctx, qs.db)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
