package persistence

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the channel with a blocking send, so if this worker
// falls behind the core stalls and no committed command is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// flushed receives outputs after their batch is durable.
	flushed chan<- core.CoreOutput

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// ForwardFlushed makes the worker send every durably written output to ch.
// Sends never block; a full channel drops the output.
func (pw *PersistenceWorker) ForwardFlushed(ch chan<- core.CoreOutput) {
	pw.flushed = ch
}

// LastPersisted returns the highest sequence durably written.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// SetLastPersisted seeds the watermark after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

type pendingBatch struct {
	outputs  []core.CoreOutput
	commands []CommandRow
	records  []RecordRow
	journals []JournalRow
}

func (b *pendingBatch) add(out core.CoreOutput, rows OutputRows) {
	b.outputs = append(b.outputs, out)
	b.commands = append(b.commands, rows.Command)
	b.records = append(b.records, rows.Records...)
	b.journals = append(b.journals, rows.Journals...)
}

func (b *pendingBatch) reset() {
	b.outputs = b.outputs[:0]
	b.commands = b.commands[:0]
	b.records = b.records[:0]
	b.journals = b.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when the input channel is closed, after
// a final flush. Cancelling ctx only stops retry backoff.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		commands: make([]CommandRow, 0, pw.batchSize),
		records:  make([]RecordRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.commands) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("commands", len(batch.commands)).Msg("final flush failed")
						return fmt.Errorf("postgres: final flush: %w", err)
					}
				}
				pw.logger.Info().Int64("last_sequence", pw.LastPersisted()).Msg("persistence worker drained")
				return nil
			}

			rows, err := RowsFromOutput(output)
			if err != nil {
				// A committed command that cannot be encoded cannot be logged.
				panic(fmt.Sprintf("FATAL: %v", err))
			}
			batch.add(output, rows)

			if len(batch.commands) >= pw.batchSize {
				pw.flushWithRetry(ctx, batch)
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.commands) > 0 {
				pw.flushWithRetry(ctx, batch)
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch; once ctx is cancelled it keeps retrying
// at the maximum backoff.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(batch.commands)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				backoff = maxBackoff
			default:
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(context.Background(), batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

// flush writes commands, records and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, batch.commands); err != nil {
		pw.countError("write_commands")
		return fmt.Errorf("postgres: write commands: %w", err)
	}
	if err := pw.writer.WriteRecordBatch(ctx, tx, batch.records); err != nil {
		pw.countError("write_records")
		return fmt.Errorf("postgres: write records: %w", err)
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals")
		return fmt.Errorf("postgres: write journals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return fmt.Errorf("postgres: commit: %w", err)
	}

	last := batch.commands[len(batch.commands)-1].Sequence
	pw.lastPersisted.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(batch.commands)))
		pw.metrics.PersistRecordsWritten.Add(float64(len(batch.records)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	if pw.flushed != nil {
		for _, out := range batch.outputs {
			select {
			case pw.flushed <- out:
			default:
			}
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
