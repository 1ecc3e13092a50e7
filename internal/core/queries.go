package core

import (
	"DiceLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Read-only queries. They observe committed state only and may run
// concurrently with command processing.

// Owner returns the owner, or the zero address before initialization.
func (c *SettlementEngine) Owner() common.Address {
	return c.state.Config().Owner
}

// StakeLimits returns the inclusive stake bounds.
func (c *SettlementEngine) StakeLimits() (minimum, maximum int64) {
	return state.MinimumStake, state.MaximumStake
}

// TreasuryBalance returns the engine's own token balance.
func (c *SettlementEngine) TreasuryBalance() int64 {
	return c.ledger.Balance(c.address)
}

func (c *SettlementEngine) SubscriptionID() int64 {
	return c.state.Config().SubscriptionID
}

func (c *SettlementEngine) OracleKeyIndex() int32 {
	return c.state.Config().OracleKeyIndex
}

// Config returns the full administrative configuration.
func (c *SettlementEngine) Config() state.EngineConfig {
	return c.state.Config()
}

// AccountBet returns the bet slot of account, or ErrNotFound if the account
// never placed a bet.
func (c *SettlementEngine) AccountBet(account common.Address) (state.AccountBet, error) {
	b, ok := c.state.Bet(account)
	if !ok {
		return state.AccountBet{}, ErrNotFound
	}
	return b, nil
}

// PendingRequest returns the request behind a correlation id.
func (c *SettlementEngine) PendingRequest(id common.Hash) (state.PendingRequest, error) {
	p, ok := c.state.PendingRequest(id)
	if !ok {
		return state.PendingRequest{}, ErrNotFound
	}
	return p, nil
}

// Balance returns the token balance of holder.
func (c *SettlementEngine) Balance(holder common.Address) int64 {
	return c.ledger.Balance(holder)
}

// Allowance returns what owner has approved spender to draw.
func (c *SettlementEngine) Allowance(owner, spender common.Address) int64 {
	return c.ledger.Allowance(owner, spender)
}

// Address is the engine's own ledger account.
func (c *SettlementEngine) Address() common.Address {
	return c.address
}

func (c *SettlementEngine) TokenSymbol() string {
	return c.ledger.Symbol()
}
