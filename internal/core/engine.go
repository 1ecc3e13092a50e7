package core

import (
	"DiceLedger/internal/event"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/observability"
	"DiceLedger/internal/oracle"
	"DiceLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// SettlementEngine is the single-threaded command processor. It owns the
// engine state, the embedded token ledger and the oracle gateway. Every
// command runs against staged copies and is committed only if it succeeds.
type SettlementEngine struct {
	mu sync.Mutex

	sequence    int64
	hasher      *StateHasher
	state       *state.EngineState
	ledger      *ledger.TokenLedger
	oracle      oracle.Gateway
	address     common.Address
	faucet      bool
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	oracleWait  time.Duration
	replaying   bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything a committed command produced.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Records    []event.Record
	StateDelta state.Delta
	Digest     []byte
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence int64

	// Duplicate is set when the command was already processed.
	Duplicate bool

	// Ignored names why a fulfillment was dropped as a silent no-op.
	Ignored string

	// CorrelationID of the oracle request opened by PlaceBet.
	CorrelationID common.Hash

	Records []event.Record
}

// Options configures a SettlementEngine.
type Options struct {
	// Address is the engine's own account on the ledger (the treasury).
	Address common.Address

	Ledger *ledger.TokenLedger
	Oracle oracle.Gateway

	FaucetEnabled bool
	DedupCapacity int
	DBChecker     DBIdempotencyChecker

	// OracleTimeout bounds each oracle call made while processing.
	OracleTimeout time.Duration

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewSettlementEngine(opts Options) (*SettlementEngine, error) {
	if opts.Ledger == nil {
		return nil, errors.New("settlement engine: ledger is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("settlement engine: oracle gateway is required")
	}
	if opts.Address == (common.Address{}) {
		return nil, fmt.Errorf("settlement engine: %w: engine address", ErrInvalidAddress)
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 100_000
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 5 * time.Second
	}

	idem, err := NewIdempotencyChecker(opts.DedupCapacity, opts.DBChecker, opts.Metrics)
	if err != nil {
		return nil, err
	}

	return &SettlementEngine{
		sequence:       1,
		hasher:         NewStateHasher(),
		state:          state.NewEngineState(),
		ledger:         opts.Ledger,
		oracle:         opts.Oracle,
		address:        opts.Address,
		faucet:         opts.FaucetEnabled,
		idempotency:    idem,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		oracleWait:     opts.OracleTimeout,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}, nil
}

// execution carries the staged effects of one command.
type execution struct {
	sequence int64
	txn      *state.Txn
	ledger   *ledger.Session
	records  []event.Record
	outbox   []oracle.Request
	hooks    []func()
	result   Result
}

func (x *execution) emit(r event.Record) {
	x.records = append(x.records, r)
}

// onCommit defers fn until the command has been committed.
func (x *execution) onCommit(fn func()) {
	x.hooks = append(x.hooks, fn)
}

// ProcessEvent is the main processing pipeline:
// dedup, dispatch against staged state, oracle submission, commit,
// state hash, envelope, emit.
func (c *SettlementEngine) ProcessEvent(ctx context.Context, evt event.Event) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(eventType, idempotencyKey, !c.replaying) {
		c.reject(eventType, "duplicate")
		return &Result{Duplicate: true}, nil
	}

	// Step 2: Stage
	blk := evt.BlockContext()
	x := &execution{
		sequence: c.sequence,
		txn:      c.state.Begin(),
		ledger:   c.ledger.Begin(idempotencyKey, c.sequence, blk.Time),
	}

	// Step 3: Dispatch
	if err := c.dispatch(ctx, x, evt); err != nil {
		c.reject(eventType, rejectReason(err))
		return nil, err
	}
	if x.result.Ignored != "" {
		if c.metrics != nil {
			c.metrics.FulfillmentsIgnored.WithLabelValues(x.result.Ignored).Inc()
		}
		return &x.result, nil
	}

	// Step 4: Oracle submissions happen last, so a failure still aborts
	// the whole command.
	if !c.replaying {
		for _, req := range x.outbox {
			if err := c.submit(ctx, req); err != nil {
				c.reject(eventType, rejectReason(err))
				return nil, err
			}
		}
	}

	// Step 5: Commit ledger then state
	batch, err := x.ledger.Commit()
	if err != nil {
		panic(fmt.Sprintf("FATAL: ledger commit failed at sequence %d: %v", x.sequence, err))
	}
	allowances := x.ledger.StagedAllowances()
	touched := x.ledger.Touched()
	delta := x.txn.Commit()

	// Step 6: State hash
	stateDigest := c.computeStateDigest(delta, touched, allowances)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(x.sequence, stateDigest)

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal committed command %s: %v", idempotencyKey, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       x.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Timestamp:      blk.Time,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Records:    x.records,
		StateDelta: delta,
		Digest:     stateDigest,
	}

	// Step 7: Emit. Persistence is a blocking send (backpressure); the
	// projection send drops when full, projections rebuild from the log.
	// Replayed commands are already durable.
	if c.persistChan != nil && !c.replaying {
		c.persistChan <- output
	}
	if c.projectionChan != nil && !c.replaying {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	if !c.replaying {
		for _, fn := range x.hooks {
			fn()
		}
	}
	c.observe(eventType, start, batch)

	x.result.Sequence = x.sequence
	x.result.Records = x.records
	return &x.result, nil
}

func (c *SettlementEngine) dispatch(ctx context.Context, x *execution, evt event.Event) error {
	switch e := evt.(type) {
	case *event.PlaceBet:
		return c.placeBet(ctx, x, e)
	case *event.Fulfillment:
		return c.fulfill(x, e)
	case *event.Initialize:
		return c.initialize(x, e)
	case *event.SetSubscriptionID:
		return c.setSubscriptionID(x, e)
	case *event.SetOracleKeyIndex:
		return c.setOracleKeyIndex(x, e)
	case *event.Deposit:
		return c.deposit(x, e)
	case *event.Withdraw:
		return c.withdraw(x, e)
	case *event.TransferOwnership:
		return c.transferOwnership(x, e)
	case *event.Approve:
		return c.approve(x, e)
	case *event.Mint:
		return c.mint(x, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
}

func (c *SettlementEngine) submit(ctx context.Context, req oracle.Request) error {
	ctx, cancel := context.WithTimeout(ctx, c.oracleWait)
	defer cancel()

	start := time.Now()
	err := c.oracle.SubmitRequest(ctx, req)
	if c.metrics != nil {
		c.metrics.OracleRequestDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.OracleRequests.WithLabelValues(result).Inc()
	}
	if err != nil {
		c.logger.Error().Err(err).
			Str("correlation_id", req.CorrelationID.Hex()).
			Msg("oracle submission failed, command aborted")
		return fmt.Errorf("%w: submit request: %v", ErrOracleUnavailable, err)
	}
	return nil
}

func (c *SettlementEngine) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *SettlementEngine) observe(eventType string, start time.Time, batch *ledger.Batch) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.TreasuryBalance.Set(float64(c.ledger.Balance(c.address)))
	c.metrics.OpenBets.Set(float64(c.state.OpenBets()))
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
}
