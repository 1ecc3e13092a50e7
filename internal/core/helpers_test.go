package core_test

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/oracle"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const symbol = "DICE"

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000d1ce5")
	owner      = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	keyA = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	keyB = common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000002")
)

// Words whose dice sum is odd (1+2) and even (1+1).
const (
	winWord1, winWord2   int64 = 0, 1
	lossWord1, lossWord2 int64 = 0, 0
)

// --- Test helpers ---

type harness struct {
	engine  *core.SettlementEngine
	ledger  *ledger.TokenLedger
	sim     *oracle.Simulator
	persist chan core.CoreOutput
	clock   time.Time
}

type harnessOption func(*core.Options)

func withDedupCapacity(n int) harnessOption {
	return func(o *core.Options) { o.DedupCapacity = n }
}

func withoutFaucet() harnessOption {
	return func(o *core.Options) { o.FaucetEnabled = false }
}

// newHarness creates an engine backed by an in-memory ledger and an oracle
// simulator, with a buffered persistence channel and no DB checker.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	sim, err := oracle.NewSimulator(nil, []common.Hash{keyA, keyB})
	require.NoError(t, err)

	l := ledger.NewTokenLedger(symbol)
	persist := make(chan core.CoreOutput, 1024)
	o := core.Options{
		Address:       engineAddr,
		Ledger:        l,
		Oracle:        sim,
		FaucetEnabled: true,
		Logger:        zerolog.Nop(),
		PersistChan:   persist,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := core.NewSettlementEngine(o)
	require.NoError(t, err)

	return &harness{
		engine:  e,
		ledger:  l,
		sim:     sim,
		persist: persist,
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// header stamps a command one second after the previous one.
func (h *harness) header(caller common.Address) event.Header {
	h.clock = h.clock.Add(time.Second)
	return event.NewHeader(caller, h.clock)
}

func (h *harness) apply(evt event.Event) (*core.Result, error) {
	return h.engine.ProcessEvent(context.Background(), evt)
}

func (h *harness) mustApply(t *testing.T, evt event.Event) *core.Result {
	t.Helper()
	res, err := h.apply(evt)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) mustInitialize(t *testing.T) {
	t.Helper()
	h.mustApply(t, &event.Initialize{Header: h.header(owner), TokenSymbol: symbol, Oracle: h.sim.Address()})
}

func (h *harness) mustFund(t *testing.T, holder common.Address, amount int64) {
	t.Helper()
	h.mustApply(t, &event.Mint{Header: h.header(holder), To: holder, Amount: amount})
	h.mustApply(t, &event.Approve{Header: h.header(holder), Spender: engineAddr, Amount: amount})
}

func (h *harness) mustDeposit(t *testing.T, amount int64) {
	t.Helper()
	h.mustFund(t, owner, amount)
	h.mustApply(t, &event.Deposit{Header: h.header(owner), Amount: amount})
}

// mustSetup initializes the engine, funds the treasury and funds alice.
func (h *harness) mustSetup(t *testing.T, treasury, player int64) {
	t.Helper()
	h.mustInitialize(t)
	if treasury > 0 {
		h.mustDeposit(t, treasury)
	}
	if player > 0 {
		h.mustFund(t, alice, player)
	}
}

func (h *harness) placeBet(caller common.Address, stake int64) (*core.Result, error) {
	return h.apply(&event.PlaceBet{Header: h.header(caller), Stake: stake})
}

func (h *harness) mustPlaceBet(t *testing.T, caller common.Address, stake int64) *core.Result {
	t.Helper()
	res, err := h.placeBet(caller, stake)
	require.NoError(t, err)
	return res
}

// fulfillment builds a callback signed by the simulator.
func (h *harness) fulfillment(t *testing.T, id common.Hash, w1, w2 int64) *event.Fulfillment {
	t.Helper()
	msg, err := h.sim.Fulfill(id, w1, w2)
	require.NoError(t, err)
	signer, err := msg.Signer()
	require.NoError(t, err)
	return &event.Fulfillment{Header: h.header(signer), CorrelationID: msg.CorrelationID, Payload: msg.Payload}
}

func (h *harness) mustFulfill(t *testing.T, id common.Hash, w1, w2 int64) *core.Result {
	t.Helper()
	return h.mustApply(t, h.fulfillment(t, id, w1, w2))
}

// drainOutputs empties the persistence channel.
func (h *harness) drainOutputs() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}
