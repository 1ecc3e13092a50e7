package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DiceLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	DispatchQueueDepth   prometheus.Gauge

	// --- Settlement ---
	BetsPlaced             prometheus.Counter
	BetsSettled            *prometheus.CounterVec
	StakeVolume            prometheus.Counter
	PayoutVolume           prometheus.Counter
	OpenBets               prometheus.Gauge
	TreasuryBalance        prometheus.Gauge
	SolvencyShortfall      prometheus.Counter
	PayoutFailures         prometheus.Counter
	FulfillmentsIgnored    *prometheus.CounterVec
	OracleRequests         *prometheus.CounterVec
	OracleRequestDuration  prometheus.Histogram
	FulfillmentsRejected   *prometheus.CounterVec
	IdempotencyDuplicates  *prometheus.CounterVec
	DedupLRUSize           prometheus.Gauge

	// --- Channel & Backpressure ---
	ProjectionDrops prometheus.Counter
	PublishErrors   *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_core_commands_applied_total",
			Help: "Commands committed by the core",
		}, []string{"command"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_core_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, oracle)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dice_core_command_duration_seconds",
			Help:    "Time to process a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_core_sequence",
			Help: "Next global sequence number",
		}),

		DispatchQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_dispatch_queue_depth",
			Help: "Commands waiting for the core",
		}),

		BetsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_bets_placed_total",
			Help: "Bets accepted",
		}),

		BetsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_bets_settled_total",
			Help: "Bets settled by outcome (win/loss)",
		}, []string{"outcome"}),

		StakeVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_stake_volume_total",
			Help: "Sum of accepted stakes (base units)",
		}),

		PayoutVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_payout_volume_total",
			Help: "Sum of winning payouts (base units)",
		}),

		OpenBets: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_open_bets",
			Help: "Bets awaiting fulfillment",
		}),

		TreasuryBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_treasury_balance",
			Help: "Engine treasury balance after last command",
		}),

		SolvencyShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_solvency_shortfall_total",
			Help: "Bets accepted while treasury could not cover a full payout",
		}),

		PayoutFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_fulfillment_payout_failures_total",
			Help: "Winning fulfillments aborted because the payout failed",
		}),

		FulfillmentsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_fulfillments_ignored_total",
			Help: "Fulfillments dropped as silent no-ops",
		}, []string{"reason"}),

		OracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_oracle_requests_total",
			Help: "Randomness requests submitted",
		}, []string{"result"}),

		OracleRequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dice_oracle_request_duration_seconds",
			Help:    "Oracle submission latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		FulfillmentsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_ingest_fulfillments_rejected_total",
			Help: "Fulfillment messages dropped at ingestion",
		}, []string{"reason"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_publish_errors_total",
			Help: "Record publish failures",
		}, []string{"record_type"}),

		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dice_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dice_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dice_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dice_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dice_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "dice_replay_duration_seconds",
			Help: "Total replay time",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dice_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dice_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}
