package projection

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/observability"
	"DiceLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Account is the projection key for an address: lowercase 0x hex, the
// same form the JSON record payloads use.
func Account(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// ProjectionWorker updates the read-side tables from committed outputs.
// The projection channel is a non-blocking send from the core; a dropped
// output is repaired by Rebuild on the next start.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

// Run applies outputs until the channel is closed or ctx is cancelled.
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
				// Projections are eventually consistent and rebuilt from the log.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Envelope.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	at := output.Envelope.Timestamp

	for _, bet := range output.StateDelta.Bets {
		if err := upsertAccountBet(ctx, tx, bet, seq); err != nil {
			return fmt.Errorf("account bet projection: %w", err)
		}
	}

	for i, r := range output.Records {
		if err := insertRecord(ctx, tx, seq, i, at, r); err != nil {
			return fmt.Errorf("%s projection: %w", r.RecordType(), err)
		}
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := applyBalance(ctx, tx, j.CreditAccount.AccountPath(), -j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertAccountBet(ctx context.Context, tx *sql.Tx, b state.AccountBet, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_bets
			(account, pending, won, stake, request_height, dice1, dice2, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account) DO UPDATE SET
			pending = EXCLUDED.pending, won = EXCLUDED.won, stake = EXCLUDED.stake,
			request_height = EXCLUDED.request_height, dice1 = EXCLUDED.dice1,
			dice2 = EXCLUDED.dice2, last_sequence = EXCLUDED.last_sequence
		WHERE projections.account_bets.last_sequence < EXCLUDED.last_sequence
	`, Account(b.Account), b.Pending, b.Won, b.Stake, b.RequestHeight, b.Dice1, b.Dice2, seq)
	return err
}

func insertRecord(ctx context.Context, tx *sql.Tx, seq int64, idx int, at time.Time, r event.Record) error {
	switch rec := r.(type) {
	case *event.OutcomeRecord:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.outcomes
				(sequence, record_index, player, correlation_id, stake, delta, dice1, dice2, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence, record_index) DO NOTHING
		`, seq, idx, Account(rec.Player), rec.CorrelationID.Hex(), rec.Stake, rec.Delta, rec.Dice1, rec.Dice2, at)
		return err
	case *event.DepositRecord:
		return insertMovement(ctx, tx, seq, idx, "deposit", Account(rec.From), Account(rec.To), rec.Amount, at)
	case *event.WithdrawRecord:
		return insertMovement(ctx, tx, seq, idx, "withdraw", Account(rec.From), Account(rec.To), rec.Amount, at)
	default:
		return nil
	}
}

func insertMovement(ctx context.Context, tx *sql.Tx, seq int64, idx int, kind, from, to string, amount int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.treasury_movements
			(sequence, record_index, kind, from_account, to_account, amount, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence, record_index) DO NOTHING
	`, seq, idx, kind, from, to, amount, at)
	return err
}

// applyBalance adds delta to an account. Outputs at or below the account's
// last applied sequence are skipped so redelivery is harmless.
func applyBalance(ctx context.Context, tx *sql.Tx, accountPath string, delta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + $2, last_sequence = $3
		WHERE projections.balances.last_sequence <= $3
	`, accountPath, delta, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $1), updated_at = NOW()
	`, seq)
	return err
}

// Rebuild rebuilds the projection tables from the event log and seeds
// account bets from the engine's current state.
func Rebuild(ctx context.Context, db *sql.DB, bets []state.AccountBet, headSequence int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.outcomes`,
		`TRUNCATE projections.treasury_movements`,
		`TRUNCATE projections.account_bets`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.outcomes
			(sequence, record_index, player, correlation_id, stake, delta, dice1, dice2, settled_at)
		SELECT r.sequence, r.record_index, LOWER(r.account),
		       r.payload->>'correlation_id', (r.payload->>'stake')::BIGINT, (r.payload->>'delta')::BIGINT,
		       (r.payload->>'dice1')::INT, (r.payload->>'dice2')::INT, c.block_time
		FROM event_log.records r
		JOIN event_log.commands c ON c.sequence = r.sequence
		WHERE r.record_type = 'Outcome'
	`); err != nil {
		return fmt.Errorf("rebuild outcomes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.treasury_movements
			(sequence, record_index, kind, from_account, to_account, amount, occurred_at)
		SELECT r.sequence, r.record_index, LOWER(r.record_type),
		       r.payload->>'from', r.payload->>'to', (r.payload->>'amount')::BIGINT, c.block_time
		FROM event_log.records r
		JOIN event_log.commands c ON c.sequence = r.sequence
		WHERE r.record_type IN ('Deposit', 'Withdraw')
	`); err != nil {
		return fmt.Errorf("rebuild treasury movements: %w", err)
	}

	for _, b := range bets {
		if err := upsertAccountBet(ctx, tx, b, headSequence); err != nil {
			return fmt.Errorf("seed account bets: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, headSequence); err != nil {
		return err
	}
	return tx.Commit()
}

// Watermark returns the last sequence applied to the projections.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
