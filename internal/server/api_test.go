package server_test

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/ingestion"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/oracle"
	"DiceLedger/internal/server"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// --- Test helpers ---

type testEnv struct {
	ts         *httptest.Server
	engine     *core.SettlementEngine
	dispatcher *core.Dispatcher
	sim        *oracle.Simulator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sim, err := oracle.NewSimulator(nil, []common.Hash{common.HexToHash("0xaaaa")})
	require.NoError(t, err)

	engine, err := core.NewSettlementEngine(core.Options{
		Address:       engineAddr,
		Ledger:        ledger.NewTokenLedger("DICE"),
		Oracle:        sim,
		FaucetEnabled: true,
		Logger:        zerolog.Nop(),
		PersistChan:   make(chan core.CoreOutput, 1024),
	})
	require.NoError(t, err)

	d := core.NewDispatcher(engine, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	srv, err := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &server.ServerDeps{
		Engine:   engine,
		Commands: ingestion.NewCommandService(d),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, engine: engine, dispatcher: d, sim: sim}
}

// call issues a request and decodes the JSON response into out when given.
func (e *testEnv) call(t *testing.T, method, path string, caller common.Address, body any, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if caller != (common.Address{}) {
		req.Header.Set(server.CallerHeader, caller.Hex())
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) mustCall(t *testing.T, method, path string, caller common.Address, body any) {
	t.Helper()
	var errBody map[string]any
	code := e.call(t, method, path, caller, body, &errBody)
	require.Equal(t, http.StatusOK, code, "%s %s: %v", method, path, errBody)
}

func (e *testEnv) mustFund(t *testing.T, holder common.Address, amount int64) {
	t.Helper()
	e.mustCall(t, http.MethodPost, "/v1/ledger/mint", holder, map[string]any{"to": holder.Hex(), "amount": amount})
	e.mustCall(t, http.MethodPost, "/v1/ledger/approve", holder, map[string]any{"spender": engineAddr.Hex(), "amount": amount})
}

func (e *testEnv) mustSetup(t *testing.T, treasury, player int64) {
	t.Helper()
	e.mustCall(t, http.MethodPost, "/v1/admin/initialize", owner, map[string]any{"oracle": e.sim.Address().Hex()})
	e.mustFund(t, owner, treasury)
	e.mustCall(t, http.MethodPost, "/v1/admin/deposit", owner, map[string]any{"amount": treasury})
	e.mustFund(t, alice, player)
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// ===== Test: bet lifecycle =====

func TestAPI_PlaceBetAndSettle(t *testing.T) {
	env := newTestEnv(t)
	env.mustSetup(t, 10_000_000, 5_000_000)

	var placed struct {
		Sequence      int64       `json:"sequence"`
		CorrelationID common.Hash `json:"correlation_id"`
		RequestHeight int64       `json:"request_height"`
	}
	code := env.call(t, http.MethodPost, "/v1/bets", alice, map[string]any{"stake": 1_000_000}, &placed)
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, common.Hash{}, placed.CorrelationID)
	assert.Equal(t, placed.Sequence, placed.RequestHeight)

	var bet struct {
		Pending       bool  `json:"pending"`
		Won           bool  `json:"won"`
		Stake         int64 `json:"stake"`
		RequestHeight int64 `json:"request_height"`
		Dice1         int32 `json:"dice1"`
		Dice2         int32 `json:"dice2"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/bets/"+alice.Hex(), common.Address{}, nil, &bet))
	assert.True(t, bet.Pending)
	assert.Equal(t, int64(1_000_000), bet.Stake)
	assert.Equal(t, placed.RequestHeight, bet.RequestHeight)

	// A second bet while pending conflicts.
	var eb errorBody
	code = env.call(t, http.MethodPost, "/v1/bets", alice, map[string]any{"stake": 1_000_000}, &eb)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "FailedPrecondition", eb.Code)

	// Oracle callback with words 0,1: dice 1 and 2, odd sum wins.
	_, err := env.dispatcher.Submit(context.Background(), &event.Fulfillment{
		Header:        event.NewHeader(env.sim.Address(), time.Now()),
		CorrelationID: placed.CorrelationID,
		Payload:       oracle.EncodeWords(0, 1),
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/bets/"+alice.Hex(), common.Address{}, nil, &bet))
	assert.False(t, bet.Pending)
	assert.True(t, bet.Won)
	assert.Equal(t, int32(1), bet.Dice1)
	assert.Equal(t, int32(2), bet.Dice2)

	var bal struct {
		Symbol  string `json:"symbol"`
		Balance int64  `json:"balance"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/ledger/balances/"+alice.Hex(), common.Address{}, nil, &bal))
	assert.Equal(t, "DICE", bal.Symbol)
	assert.Equal(t, int64(6_000_000), bal.Balance)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/treasury", common.Address{}, nil, &bal))
	assert.Equal(t, int64(9_000_000), bal.Balance)
}

// ===== Test: config =====

func TestAPI_ConfigBeforeAndAfterInitialize(t *testing.T) {
	env := newTestEnv(t)

	var cfg struct {
		Initialized  bool   `json:"initialized"`
		Owner        string `json:"owner"`
		MinimumStake int64  `json:"minimum_stake"`
		MaximumStake int64  `json:"maximum_stake"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/config", common.Address{}, nil, &cfg))
	assert.False(t, cfg.Initialized)
	assert.Empty(t, cfg.Owner)
	assert.Equal(t, int64(1_000_000), cfg.MinimumStake)
	assert.Equal(t, int64(1_000_000_000), cfg.MaximumStake)

	env.mustCall(t, http.MethodPost, "/v1/admin/initialize", owner, map[string]any{"oracle": env.sim.Address().Hex()})
	env.mustCall(t, http.MethodPost, "/v1/admin/subscription-id", owner, map[string]any{"subscription_id": 7})

	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/v1/config", common.Address{}, nil, &cfg))
	assert.True(t, cfg.Initialized)
	assert.Equal(t, owner.Hex(), cfg.Owner)
	assert.Equal(t, int64(7), env.engine.SubscriptionID())
}

// ===== Test: error mapping =====

func TestAPI_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, http.MethodPost, "/v1/admin/initialize", owner, map[string]any{"oracle": env.sim.Address().Hex()})

	tests := []struct {
		name     string
		method   string
		path     string
		caller   common.Address
		body     any
		wantHTTP int
		wantCode string
	}{
		{"missing caller", http.MethodPost, "/v1/bets", common.Address{}, map[string]any{"stake": 1_000_000}, http.StatusUnauthorized, "Unauthenticated"},
		{"non-owner", http.MethodPost, "/v1/admin/withdraw", bob, map[string]any{"amount": 1}, http.StatusForbidden, "PermissionDenied"},
		{"non-owner zero withdraw", http.MethodPost, "/v1/admin/withdraw", bob, map[string]any{"amount": 0}, http.StatusForbidden, "PermissionDenied"},
		{"non-owner zero deposit", http.MethodPost, "/v1/admin/deposit", bob, map[string]any{"amount": 0}, http.StatusForbidden, "PermissionDenied"},
		{"non-owner negative key index", http.MethodPost, "/v1/admin/oracle-key-index", bob, map[string]any{"index": -1}, http.StatusForbidden, "PermissionDenied"},
		{"non-owner bad new owner", http.MethodPost, "/v1/admin/transfer-ownership", bob, map[string]any{"new_owner": "0x12"}, http.StatusForbidden, "PermissionDenied"},
		{"owner zero withdraw", http.MethodPost, "/v1/admin/withdraw", owner, map[string]any{"amount": 0}, http.StatusBadRequest, "InvalidArgument"},
		{"initialize twice", http.MethodPost, "/v1/admin/initialize", owner, map[string]any{"oracle": env.sim.Address().Hex()}, http.StatusConflict, "AlreadyExists"},
		{"stake below minimum", http.MethodPost, "/v1/bets", alice, map[string]any{"stake": 999_999}, http.StatusBadRequest, "InvalidArgument"},
		{"unfunded bet", http.MethodPost, "/v1/bets", alice, map[string]any{"stake": 1_000_000}, http.StatusBadRequest, "FailedPrecondition"},
		{"unknown bet", http.MethodGet, "/v1/bets/" + bob.Hex(), common.Address{}, nil, http.StatusNotFound, "NotFound"},
		{"bad path address", http.MethodGet, "/v1/bets/nope", common.Address{}, nil, http.StatusBadRequest, "InvalidArgument"},
		{"unknown field", http.MethodPost, "/v1/admin/deposit", owner, `{"amount":1,"extra":true}`, http.StatusBadRequest, "InvalidArgument"},
		{"no history store", http.MethodGet, "/v1/bets/" + alice.Hex() + "/outcomes", common.Address{}, nil, http.StatusServiceUnavailable, "Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var eb errorBody
			code := env.call(t, tt.method, tt.path, tt.caller, tt.body, &eb)
			assert.Equal(t, tt.wantHTTP, code)
			assert.Equal(t, tt.wantCode, eb.Code)
			assert.NotEmpty(t, eb.Message)
		})
	}
}

func TestAPI_ValidationFields(t *testing.T) {
	env := newTestEnv(t)

	var eb errorBody
	code := env.call(t, http.MethodPost, "/v1/ledger/mint", alice, map[string]any{"to": "0x1234", "amount": 0}, &eb)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, eb.Fields, "to")
	assert.Contains(t, eb.Fields, "amount")
}

// ===== Test: health =====

func TestAPI_Healthz(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/healthz", common.Address{}, nil, nil))
}
