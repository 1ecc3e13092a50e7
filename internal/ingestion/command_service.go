package ingestion

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Submitter feeds a command into the core and waits for its result.
// core.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Result, error)
}

// CommandService is the direct-call ingress. It stamps each command with
// its caller, origin and block time, then submits it. The caller identity
// is established by the transport in front of it.
type CommandService struct {
	submitter Submitter
	now       func() time.Time
}

func NewCommandService(submitter Submitter) *CommandService {
	return &CommandService{submitter: submitter, now: time.Now}
}

// WithClock replaces the block time source.
func (s *CommandService) WithClock(now func() time.Time) *CommandService {
	s.now = now
	return s
}

func (s *CommandService) header(caller common.Address) (event.Header, error) {
	if caller == (common.Address{}) {
		return event.Header{}, fmt.Errorf("%w: missing caller", core.ErrInvalidAddress)
	}
	return event.NewHeader(caller, s.now()), nil
}

func (s *CommandService) submit(ctx context.Context, caller common.Address, build func(event.Header) event.Event) (*core.Result, error) {
	h, err := s.header(caller)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, build(h))
}

// PlaceBet opens a wager for caller.
func (s *CommandService) PlaceBet(ctx context.Context, caller common.Address, stake int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.PlaceBet{Header: h, Stake: stake}
	})
}

func (s *CommandService) Initialize(ctx context.Context, caller common.Address, symbol string, oracle common.Address) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.Initialize{Header: h, TokenSymbol: symbol, Oracle: oracle}
	})
}

func (s *CommandService) SetSubscriptionID(ctx context.Context, caller common.Address, id int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.SetSubscriptionID{Header: h, SubscriptionID: id}
	})
}

func (s *CommandService) SetOracleKeyIndex(ctx context.Context, caller common.Address, index int32) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.SetOracleKeyIndex{Header: h, Index: index}
	})
}

func (s *CommandService) Deposit(ctx context.Context, caller common.Address, amount int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.Deposit{Header: h, Amount: amount}
	})
}

func (s *CommandService) Withdraw(ctx context.Context, caller common.Address, amount int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.Withdraw{Header: h, Amount: amount}
	})
}

func (s *CommandService) TransferOwnership(ctx context.Context, caller, newOwner common.Address) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.TransferOwnership{Header: h, NewOwner: newOwner}
	})
}

func (s *CommandService) Approve(ctx context.Context, caller, spender common.Address, amount int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.Approve{Header: h, Spender: spender, Amount: amount}
	})
}

func (s *CommandService) Mint(ctx context.Context, caller, to common.Address, amount int64) (*core.Result, error) {
	return s.submit(ctx, caller, func(h event.Header) event.Event {
		return &event.Mint{Header: h, To: to, Amount: amount}
	})
}
