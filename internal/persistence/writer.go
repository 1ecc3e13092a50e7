package persistence

import (
	"DiceLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes commands, records and journals to Postgres using
// multi-row INSERTs. Every write is idempotent on its primary key.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow is a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	BlockTime      time.Time
}

// RecordRow is a row in event_log.records
type RecordRow struct {
	Sequence   int64
	Index      int
	RecordType string
	Account    string
	Payload    []byte
}

// JournalRow is a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Symbol        string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// OutputRows is everything one committed command writes.
type OutputRows struct {
	Command  CommandRow
	Records  []RecordRow
	Journals []JournalRow
}

// RowsFromOutput converts a core output into table rows.
func RowsFromOutput(out core.CoreOutput) (OutputRows, error) {
	env := out.Envelope
	rows := OutputRows{
		Command: CommandRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			BlockTime:      env.Timestamp,
		},
	}

	for i, r := range out.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return OutputRows{}, fmt.Errorf("marshal %s record at sequence %d: %w", r.RecordType(), env.Sequence, err)
		}
		rows.Records = append(rows.Records, RecordRow{
			Sequence:   env.Sequence,
			Index:      i,
			RecordType: r.RecordType().String(),
			Account:    r.Account().Hex(),
			Payload:    data,
		})
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Symbol:        j.Symbol,
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return rows, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// placeholders returns "($1, $2), ($3, $4)" style VALUES groups.
func placeholders(rows, cols int) string {
	groups := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		cells := make([]string, cols)
		for c := 0; c < cols; c++ {
			cells[c] = fmt.Sprintf("$%d", i*cols+c+1)
		}
		groups = append(groups, "("+strings.Join(cells, ", ")+")")
	}
	return strings.Join(groups, ", ")
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	args := make([]any, 0, len(commands)*8)
	for _, c := range commands {
		args = append(args,
			c.Sequence, c.EventType, c.IdempotencyKey, c.Caller,
			string(c.Payload), c.StateHash, c.PrevHash, c.BlockTime,
		)
	}

	query := `INSERT INTO event_log.commands
		(sequence, event_type, idempotency_key, caller, payload, state_hash, prev_hash, block_time)
		VALUES ` + placeholders(len(commands), 8) + `
		ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch writes emitted records to event_log.records.
func (w *EventLogWriter) WriteRecordBatch(ctx context.Context, ex execer, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}

	args := make([]any, 0, len(records)*5)
	for _, r := range records {
		args = append(args, r.Sequence, r.Index, r.RecordType, r.Account, string(r.Payload))
	}

	query := `INSERT INTO event_log.records
		(sequence, record_index, record_type, account, payload)
		VALUES ` + placeholders(len(records), 5) + `
		ON CONFLICT (sequence, record_index) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]any, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Symbol, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, symbol, amount, journal_type, timestamp_us)
		VALUES ` + placeholders(len(journals), 10) + `
		ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
