package server

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/observability"
	"DiceLedger/internal/persistence"
	"DiceLedger/internal/query"
	"DiceLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// CallerHeader carries the authenticated caller address, set by the
// gateway in front of the service.
const CallerHeader = "X-Caller-Address"

// Commands is the write side of the API. ingestion.CommandService
// implements it.
type Commands interface {
	PlaceBet(ctx context.Context, caller common.Address, stake int64) (*core.Result, error)
	Initialize(ctx context.Context, caller common.Address, symbol string, oracle common.Address) (*core.Result, error)
	SetSubscriptionID(ctx context.Context, caller common.Address, id int64) (*core.Result, error)
	SetOracleKeyIndex(ctx context.Context, caller common.Address, index int32) (*core.Result, error)
	Deposit(ctx context.Context, caller common.Address, amount int64) (*core.Result, error)
	Withdraw(ctx context.Context, caller common.Address, amount int64) (*core.Result, error)
	TransferOwnership(ctx context.Context, caller, newOwner common.Address) (*core.Result, error)
	Approve(ctx context.Context, caller, spender common.Address, amount int64) (*core.Result, error)
	Mint(ctx context.Context, caller, to common.Address, amount int64) (*core.Result, error)
}

// EngineReader is the live read side. core.SettlementEngine implements it.
type EngineReader interface {
	Config() state.EngineConfig
	StakeLimits() (minimum, maximum int64)
	TreasuryBalance() int64
	AccountBet(account common.Address) (state.AccountBet, error)
	Balance(holder common.Address) int64
	Allowance(owner, spender common.Address) int64
	TokenSymbol() string
	Address() common.Address
}

// History serves projection-backed history. query.QueryService implements it.
type History interface {
	GetOutcomeHistory(ctx context.Context, player common.Address, limit int, beforeSequence *int64) ([]query.OutcomeResponse, error)
	GetOutcomeSummary(ctx context.Context, player common.Address) (*query.OutcomeSummary, error)
	GetTreasuryMovements(ctx context.Context, limit int) ([]query.TreasuryMovement, error)
	GetOpenBets(ctx context.Context, limit int) ([]query.BetResponse, error)
	GetJournalHistory(ctx context.Context, account common.Address, symbol string, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type api struct {
	engine   EngineReader
	commands Commands
	history  History
	snapMgr  *persistence.SnapshotManager
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func newAPI(deps *ServerDeps) *api {
	return &api{
		engine:   deps.Engine,
		commands: deps.Commands,
		history:  deps.History,
		snapMgr:  deps.SnapshotMgr,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "http-api").Logger(),
	}
}

// handlerFunc returns the response body or an error.
type handlerFunc func(r *http.Request, params map[string]string) (any, error)

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		h       handlerFunc
	}{
		{http.MethodPost, "/v1/bets", a.placeBet},
		{http.MethodGet, "/v1/bets/{account}", a.getBet},
		{http.MethodGet, "/v1/bets/{account}/outcomes", a.listOutcomes},
		{http.MethodGet, "/v1/bets/{account}/summary", a.outcomeSummary},

		{http.MethodPost, "/v1/admin/initialize", a.initialize},
		{http.MethodPost, "/v1/admin/subscription-id", a.setSubscriptionID},
		{http.MethodPost, "/v1/admin/oracle-key-index", a.setOracleKeyIndex},
		{http.MethodPost, "/v1/admin/deposit", a.deposit},
		{http.MethodPost, "/v1/admin/withdraw", a.withdraw},
		{http.MethodPost, "/v1/admin/transfer-ownership", a.transferOwnership},
		{http.MethodGet, "/v1/admin/integrity", a.verifyIntegrity},
		{http.MethodGet, "/v1/admin/event-log", a.eventLogInfo},
		{http.MethodGet, "/v1/admin/open-bets", a.listOpenBets},

		{http.MethodGet, "/v1/config", a.getConfig},
		{http.MethodGet, "/v1/treasury", a.getTreasury},
		{http.MethodGet, "/v1/treasury/movements", a.listTreasuryMovements},

		{http.MethodPost, "/v1/ledger/approve", a.approve},
		{http.MethodPost, "/v1/ledger/mint", a.mint},
		{http.MethodGet, "/v1/ledger/balances/{account}", a.getBalance},
		{http.MethodGet, "/v1/ledger/allowances/{owner}/{spender}", a.getAllowance},
		{http.MethodGet, "/v1/ledger/journal/{account}", a.listJournal},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.pattern, rt.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// instrument renders the handler result and records API metrics.
func (a *api) instrument(route string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		httpStatus := http.StatusOK
		body, err := h(r, params)
		if err != nil {
			var fields map[string]string
			if ve, ok := err.(validationError); ok {
				fields = ve.fields
			}
			httpStatus = writeError(w, err, fields)
			if codeFromError(err) == codes.Internal {
				a.logger.Error().Err(err).Str("route", route).Msg("request failed")
			}
		} else {
			writeJSON(w, httpStatus, body)
		}

		if a.metrics != nil {
			a.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(httpStatus)).Inc()
			a.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

type validationError struct {
	fields map[string]string
}

func (e validationError) Error() string { return errBadRequest.Error() + ": validation failed" }
func (e validationError) Unwrap() error { return errBadRequest }

// --- request helpers ---

func callerFrom(r *http.Request) (common.Address, error) {
	h := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(h) {
		return common.Address{}, errMissingCaller
	}
	addr := common.HexToAddress(h)
	if addr == (common.Address{}) {
		return common.Address{}, errMissingCaller
	}
	return addr, nil
}

// ownerFrom is callerFrom for owner-gated routes. Ownership is checked
// before the body so non-owners always get PermissionDenied. The engine
// checks again when the command runs.
func (a *api) ownerFrom(r *http.Request) (common.Address, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return common.Address{}, err
	}
	if !a.engine.Config().IsOwner(caller) {
		return common.Address{}, fmt.Errorf("%w: %s", core.ErrUnauthorized, caller.Hex())
	}
	return caller, nil
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationError{fields: formatValidationError(err)}
	}
	return nil
}

func pathAddress(params map[string]string, name string) (common.Address, error) {
	v := params[name]
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", errBadRequest, name)
	}
	return common.HexToAddress(v), nil
}

// page parses ?limit= and ?before= cursors.
func page(r *http.Request) (int, *int64, error) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, nil, fmt.Errorf("%w: invalid limit", errBadRequest)
		}
		limit = n
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("%w: invalid before", errBadRequest)
		}
		before = &n
	}
	return limit, before, nil
}

// --- request/response bodies ---

type placeBetRequest struct {
	Stake int64 `json:"stake" validate:"required"`
}

type placeBetResponse struct {
	Sequence      int64       `json:"sequence"`
	CorrelationID common.Hash `json:"correlation_id"`
	RequestHeight int64       `json:"request_height"`
	Duplicate     bool        `json:"duplicate,omitempty"`
}

type commandResponse struct {
	Sequence  int64 `json:"sequence"`
	Duplicate bool  `json:"duplicate,omitempty"`
	Records   any   `json:"records,omitempty"`
}

func newCommandResponse(res *core.Result) commandResponse {
	out := commandResponse{Sequence: res.Sequence, Duplicate: res.Duplicate}
	if len(res.Records) > 0 {
		out.Records = res.Records
	}
	return out
}

type initializeRequest struct {
	TokenSymbol string `json:"token_symbol" validate:"omitempty,alphanum,max=10"`
	Oracle      string `json:"oracle" validate:"required,eth_addr"`
}

type subscriptionIDRequest struct {
	SubscriptionID int64 `json:"subscription_id"`
}

type oracleKeyIndexRequest struct {
	Index int32 `json:"index" validate:"min=0"`
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type transferOwnershipRequest struct {
	NewOwner string `json:"new_owner" validate:"required,eth_addr"`
}

type approveRequest struct {
	Spender string `json:"spender" validate:"required,eth_addr"`
	Amount  int64  `json:"amount" validate:"min=0"`
}

type mintRequest struct {
	To     string `json:"to" validate:"required,eth_addr"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type configResponse struct {
	Initialized    bool           `json:"initialized"`
	Owner          string         `json:"owner"`
	TokenSymbol    string         `json:"token_symbol"`
	Oracle         common.Address `json:"oracle"`
	SubscriptionID int64          `json:"subscription_id"`
	OracleKeyIndex int32          `json:"oracle_key_index"`
	MinimumStake   int64          `json:"minimum_stake"`
	MaximumStake   int64          `json:"maximum_stake"`
}

type balanceResponse struct {
	Account common.Address `json:"account"`
	Symbol  string         `json:"symbol"`
	Balance int64          `json:"balance"`
}

type allowanceResponse struct {
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Symbol    string         `json:"symbol"`
	Allowance int64          `json:"allowance"`
}

// --- bets ---

func (a *api) placeBet(r *http.Request, _ map[string]string) (any, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return nil, err
	}
	var req placeBetRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.PlaceBet(r.Context(), caller, req.Stake)
	if err != nil {
		return nil, err
	}
	return placeBetResponse{
		Sequence:      res.Sequence,
		CorrelationID: res.CorrelationID,
		RequestHeight: res.Sequence,
		Duplicate:     res.Duplicate,
	}, nil
}

func (a *api) getBet(_ *http.Request, params map[string]string) (any, error) {
	account, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return a.engine.AccountBet(account)
}

func (a *api) listOutcomes(r *http.Request, params map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	account, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	limit, before, err := page(r)
	if err != nil {
		return nil, err
	}
	outcomes, err := a.history.GetOutcomeHistory(r.Context(), account, limit, before)
	if err != nil {
		return nil, err
	}
	if outcomes == nil {
		outcomes = []query.OutcomeResponse{}
	}
	return outcomes, nil
}

func (a *api) outcomeSummary(r *http.Request, params map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	account, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return a.history.GetOutcomeSummary(r.Context(), account)
}

// --- admin ---

func (a *api) initialize(r *http.Request, _ map[string]string) (any, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return nil, err
	}
	var req initializeRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.Initialize(r.Context(), caller, req.TokenSymbol, common.HexToAddress(req.Oracle))
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) setSubscriptionID(r *http.Request, _ map[string]string) (any, error) {
	caller, err := a.ownerFrom(r)
	if err != nil {
		return nil, err
	}
	var req subscriptionIDRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.SetSubscriptionID(r.Context(), caller, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) setOracleKeyIndex(r *http.Request, _ map[string]string) (any, error) {
	caller, err := a.ownerFrom(r)
	if err != nil {
		return nil, err
	}
	var req oracleKeyIndexRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.SetOracleKeyIndex(r.Context(), caller, req.Index)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) deposit(r *http.Request, _ map[string]string) (any, error) {
	caller, err := a.ownerFrom(r)
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.Deposit(r.Context(), caller, req.Amount)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) withdraw(r *http.Request, _ map[string]string) (any, error) {
	caller, err := a.ownerFrom(r)
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.Withdraw(r.Context(), caller, req.Amount)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) transferOwnership(r *http.Request, _ map[string]string) (any, error) {
	caller, err := a.ownerFrom(r)
	if err != nil {
		return nil, err
	}
	var req transferOwnershipRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.TransferOwnership(r.Context(), caller, common.HexToAddress(req.NewOwner))
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) verifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	return a.history.VerifyIntegrity(r.Context())
}

func (a *api) eventLogInfo(r *http.Request, _ map[string]string) (any, error) {
	if a.snapMgr == nil {
		return nil, errNoHistory
	}
	latest, err := a.snapMgr.GetLatestSequence(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"last_sequence": latest}, nil
}

// --- config and treasury ---

func (a *api) getConfig(_ *http.Request, _ map[string]string) (any, error) {
	cfg := a.engine.Config()
	minimum, maximum := a.engine.StakeLimits()

	// The owner reads as an empty value until initialization.
	owner := ""
	if cfg.Initialized {
		owner = cfg.Owner.Hex()
	}
	return configResponse{
		Initialized:    cfg.Initialized,
		Owner:          owner,
		TokenSymbol:    cfg.TokenSymbol,
		Oracle:         cfg.Oracle,
		SubscriptionID: cfg.SubscriptionID,
		OracleKeyIndex: cfg.OracleKeyIndex,
		MinimumStake:   minimum,
		MaximumStake:   maximum,
	}, nil
}

func (a *api) getTreasury(_ *http.Request, _ map[string]string) (any, error) {
	return balanceResponse{
		Account: a.engine.Address(),
		Symbol:  a.engine.TokenSymbol(),
		Balance: a.engine.TreasuryBalance(),
	}, nil
}

func (a *api) listTreasuryMovements(r *http.Request, _ map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	limit, _, err := page(r)
	if err != nil {
		return nil, err
	}
	movements, err := a.history.GetTreasuryMovements(r.Context(), limit)
	if err != nil {
		return nil, err
	}
	if movements == nil {
		movements = []query.TreasuryMovement{}
	}
	return movements, nil
}

func (a *api) listOpenBets(r *http.Request, _ map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	limit, _, err := page(r)
	if err != nil {
		return nil, err
	}
	bets, err := a.history.GetOpenBets(r.Context(), limit)
	if err != nil {
		return nil, err
	}
	if bets == nil {
		bets = []query.BetResponse{}
	}
	return bets, nil
}

// --- ledger ---

func (a *api) approve(r *http.Request, _ map[string]string) (any, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return nil, err
	}
	var req approveRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.Approve(r.Context(), caller, common.HexToAddress(req.Spender), req.Amount)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) mint(r *http.Request, _ map[string]string) (any, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return nil, err
	}
	var req mintRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	res, err := a.commands.Mint(r.Context(), caller, common.HexToAddress(req.To), req.Amount)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(res), nil
}

func (a *api) getBalance(_ *http.Request, params map[string]string) (any, error) {
	account, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	return balanceResponse{
		Account: account,
		Symbol:  a.engine.TokenSymbol(),
		Balance: a.engine.Balance(account),
	}, nil
}

func (a *api) getAllowance(_ *http.Request, params map[string]string) (any, error) {
	owner, err := pathAddress(params, "owner")
	if err != nil {
		return nil, err
	}
	spender, err := pathAddress(params, "spender")
	if err != nil {
		return nil, err
	}
	return allowanceResponse{
		Owner:     owner,
		Spender:   spender,
		Symbol:    a.engine.TokenSymbol(),
		Allowance: a.engine.Allowance(owner, spender),
	}, nil
}

func (a *api) listJournal(r *http.Request, params map[string]string) (any, error) {
	if a.history == nil {
		return nil, errNoHistory
	}
	account, err := pathAddress(params, "account")
	if err != nil {
		return nil, err
	}
	limit, before, err := page(r)
	if err != nil {
		return nil, err
	}
	entries, err := a.history.GetJournalHistory(r.Context(), account, a.engine.TokenSymbol(), limit, before)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return entries, nil
}
