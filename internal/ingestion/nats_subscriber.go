package ingestion

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/observability"
	"DiceLedger/internal/oracle"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OracleStream        = "DICE_ORACLE"
	FulfillmentSubjects = "dice.oracle.fulfillments.>"
	FulfillmentConsumer = "diceledger-fulfillments"
)

// FulfillmentSubscriber consumes signed oracle callbacks from JetStream,
// authenticates them and submits them to the core.
type FulfillmentSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewFulfillmentSubscriber(js jetstream.JetStream, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *FulfillmentSubscriber {
	return &FulfillmentSubscriber{
		js:        js,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger.With().Str("component", "fulfillment-subscriber").Logger(),
	}
}

// disposition is what to do with a delivered message.
type disposition int

const (
	ackDone disposition = iota // processed, including silent no-ops
	ackDrop                    // unusable, never redeliver
	nakRetry                   // transient failure, redeliver
)

// Subscribe creates the durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s. A message is acked once the core has
// decided on it.
func (fs *FulfillmentSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := fs.js.CreateOrUpdateConsumer(ctx, OracleStream, jetstream.ConsumerConfig{
		Durable:       FulfillmentConsumer,
		FilterSubject: FulfillmentSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", FulfillmentConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		at := time.Now()
		if md, err := msg.Metadata(); err == nil {
			at = md.Timestamp
		}

		switch fs.handle(ctx, msg.Data(), at) {
		case nakRetry:
			msg.Nak()
		default:
			msg.Ack()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", FulfillmentConsumer, err)
	}

	fs.consumer = cc
	log.Printf("INFO: subscribed to %s (consumer=%s)", FulfillmentSubjects, FulfillmentConsumer)
	return nil
}

func (fs *FulfillmentSubscriber) handle(ctx context.Context, data []byte, at time.Time) disposition {
	evt, err := ParseFulfillment(data, at)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, oracle.ErrBadSignature) {
			reason = "bad_signature"
		}
		if fs.metrics != nil {
			fs.metrics.FulfillmentsRejected.WithLabelValues(reason).Inc()
		}
		fs.logger.Warn().Err(err).Str("reason", reason).Msg("dropping fulfillment message")
		return ackDrop
	}

	res, err := fs.submitter.Submit(ctx, evt)
	if err != nil {
		// Payout failures leave the bet pending; redelivery retries it.
		fs.logger.Error().Err(err).
			Str("correlation_id", evt.CorrelationID.Hex()).
			Msg("fulfillment not applied")
		if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrInsufficientFunds) {
			return nakRetry
		}
		return ackDrop
	}

	ev := fs.logger.Debug().Str("correlation_id", evt.CorrelationID.Hex())
	switch {
	case res.Duplicate:
		ev.Msg("duplicate fulfillment")
	case res.Ignored != "":
		ev.Str("reason", res.Ignored).Msg("fulfillment ignored")
	default:
		ev.Int64("sequence", res.Sequence).Msg("fulfillment settled")
	}
	return ackDone
}

// Stop stops the consumer.
func (fs *FulfillmentSubscriber) Stop() {
	if fs.consumer != nil {
		fs.consumer.Stop()
	}
	log.Println("INFO: NATS fulfillment subscriber stopped")
}

// EnsureStreams creates the JetStream streams the service uses if they do
// not exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      OracleStream,
			Subjects:  []string{oracle.RequestSubjectPrefix + ".>", FulfillmentSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      RecordStream,
			Subjects:  []string{RecordSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("diceledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
