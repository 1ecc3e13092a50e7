package ingestion

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RecordStream        = "DICE_RECORDS"
	RecordSubjectPrefix = "dice.records"
)

// RecordPublisher publishes emitted records to NATS for downstream
// consumers. It is fed by the persistence worker, so a record is only
// published once its command is durable.
type RecordPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedRecord is the outbound wire form of a record.
type PublishedRecord struct {
	Sequence   int64        `json:"sequence"`
	Index      int          `json:"index"`
	RecordType string       `json:"record_type"`
	Account    string       `json:"account"`
	StateHash  string       `json:"state_hash"`
	BlockTime  time.Time    `json:"block_time"`
	Record     event.Record `json:"record"`
}

func NewRecordPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *RecordPublisher {
	return &RecordPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "record-publisher").Logger(),
	}
}

// Run publishes until the input channel is closed or ctx is cancelled.
func (rp *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			for _, rec := range BuildRecords(out) {
				if err := rp.publish(ctx, rec); err != nil {
					// Non-fatal: consumers can read event_log.records directly.
					rp.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("record publish failed")
					if rp.metrics != nil {
						rp.metrics.PublishErrors.WithLabelValues(rec.RecordType).Inc()
					}
				}
			}
		}
	}
}

// BuildRecords flattens the records of one committed command.
func BuildRecords(out core.CoreOutput) []PublishedRecord {
	env := out.Envelope
	recs := make([]PublishedRecord, 0, len(out.Records))
	for i, r := range out.Records {
		recs = append(recs, PublishedRecord{
			Sequence:   env.Sequence,
			Index:      i,
			RecordType: r.RecordType().String(),
			Account:    strings.ToLower(r.Account().Hex()),
			StateHash:  hex.EncodeToString(env.StateHash[:]),
			BlockTime:  env.Timestamp,
			Record:     r,
		})
	}
	return recs
}

// Subject is dice.records.{record_type}.{account}
func (r PublishedRecord) Subject() string {
	return fmt.Sprintf("%s.%s.%s", RecordSubjectPrefix, strings.ToLower(r.RecordType), r.Account)
}

// MsgID lets JetStream drop republished records.
func (r PublishedRecord) MsgID() string {
	return fmt.Sprintf("%d-%d", r.Sequence, r.Index)
}

func (rp *RecordPublisher) publish(ctx context.Context, rec PublishedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = rp.js.Publish(ctx, rec.Subject(), data, jetstream.WithMsgID(rec.MsgID()))
	return err
}
