package query_test

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/oracle"
	"DiceLedger/internal/persistence"
	"DiceLedger/internal/projection"
	"DiceLedger/internal/query"
	"DiceLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000d1ce5")
	owner      = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	player     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

// TestProjections_EndToEnd drives the engine, persists and projects its
// outputs, then reads them back through the query service.
func TestProjections_EndToEnd(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	sim, err := oracle.NewSimulator(nil, []common.Hash{common.HexToHash("0x01")})
	require.NoError(t, err)

	persistCh := make(chan core.CoreOutput, 64)
	projectCh := make(chan core.CoreOutput, 64)
	e, err := core.NewSettlementEngine(core.Options{
		Address:        engineAddr,
		Ledger:         ledger.NewTokenLedger("DICE"),
		Oracle:         sim,
		FaucetEnabled:  true,
		Logger:         zerolog.Nop(),
		PersistChan:    persistCh,
		ProjectionChan: projectCh,
	})
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	apply := func(caller common.Address, build func(event.Header) event.Event) *core.Result {
		clock = clock.Add(time.Second)
		res, err := e.ProcessEvent(ctx, build(event.NewHeader(caller, clock)))
		require.NoError(t, err)
		return res
	}
	settle := func(id common.Hash, w1, w2 int64) {
		msg, err := sim.Fulfill(id, w1, w2)
		require.NoError(t, err)
		apply(sim.Address(), func(h event.Header) event.Event {
			return &event.Fulfillment{Header: h, CorrelationID: msg.CorrelationID, Payload: msg.Payload}
		})
	}

	apply(owner, func(h event.Header) event.Event { return &event.Initialize{Header: h, Oracle: sim.Address()} })
	apply(owner, func(h event.Header) event.Event { return &event.Mint{Header: h, To: owner, Amount: 20_000_000} })
	apply(owner, func(h event.Header) event.Event {
		return &event.Approve{Header: h, Spender: engineAddr, Amount: 20_000_000}
	})
	apply(owner, func(h event.Header) event.Event { return &event.Deposit{Header: h, Amount: 20_000_000} })
	apply(player, func(h event.Header) event.Event { return &event.Mint{Header: h, To: player, Amount: 10_000_000} })
	apply(player, func(h event.Header) event.Event {
		return &event.Approve{Header: h, Spender: engineAddr, Amount: 10_000_000}
	})

	b1 := apply(player, func(h event.Header) event.Event { return &event.PlaceBet{Header: h, Stake: 1_000_000} })
	settle(b1.CorrelationID, 0, 1) // win
	b2 := apply(player, func(h event.Header) event.Event { return &event.PlaceBet{Header: h, Stake: 2_000_000} })
	settle(b2.CorrelationID, 0, 0) // loss
	apply(player, func(h event.Header) event.Event { return &event.PlaceBet{Header: h, Stake: 3_000_000} })

	close(persistCh)
	close(projectCh)
	require.NoError(t, persistence.NewPersistenceWorker(db, persistCh, 4, time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, projectCh, nil, zerolog.Nop()).Run(ctx))

	qs := query.NewQueryService(db)

	history, err := qs.GetOutcomeHistory(ctx, player, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2_000_000), history[0].Stake)
	assert.Equal(t, int64(-2_000_000), history[0].Delta)
	assert.Equal(t, int64(1_000_000), history[1].Stake)
	assert.Equal(t, int64(1_000_000), history[1].Delta)

	summary, err := qs.GetOutcomeSummary(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Wins)
	assert.Equal(t, int64(1), summary.Losses)
	assert.Equal(t, int64(-1_000_000), summary.Net)
	assert.Equal(t, e.GetSequence()-1, summary.AsOfSequence)

	bet, err := qs.GetBet(ctx, player)
	require.NoError(t, err)
	assert.True(t, bet.Pending)
	assert.Equal(t, int64(3_000_000), bet.Stake)

	open, err := qs.GetOpenBets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	bal, err := qs.GetBalance(ctx, player, "DICE")
	require.NoError(t, err)
	assert.Equal(t, e.Balance(player), bal.Balance)

	moves, err := qs.GetTreasuryMovements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, "deposit", moves[0].Kind)

	journal, err := qs.GetJournalHistory(ctx, player, "DICE", 100, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, journal)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.False(t, report.ProjectionLagging)

	// A rebuild from the log reproduces the same read model.
	snap := e.CreateSnapshotState()
	require.NoError(t, projection.Rebuild(ctx, db, snap.Engine.Bets, snap.Sequence))
	rebuilt, err := qs.GetOutcomeHistory(ctx, player, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, history, rebuilt)
	bal2, err := qs.GetBalance(ctx, player, "DICE")
	require.NoError(t, err)
	assert.Equal(t, bal.Balance, bal2.Balance)

	_, err = qs.GetBet(ctx, owner)
	assert.ErrorIs(t, err, query.ErrNotFound)

	// A log that does not start at genesis is reported.
	_, err = db.ExecContext(ctx, `UPDATE event_log.commands SET prev_hash = '\x00'::bytea WHERE sequence = 1`)
	require.NoError(t, err)
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Contains(t, report.HashChainBreaks, int64(1))
}
