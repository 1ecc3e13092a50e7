package core

import (
	"DiceLedger/internal/event"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func (c *SettlementEngine) initialize(x *execution, cmd *event.Initialize) error {
	cfg := x.txn.Config()
	if cfg.Initialized {
		return ErrAlreadyInitialized
	}

	symbol := cmd.TokenSymbol
	if symbol == "" {
		symbol = c.ledger.Symbol()
	}
	if symbol != c.ledger.Symbol() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownSymbol, symbol)
	}

	cfg.Initialized = true
	cfg.Owner = cmd.Caller()
	cfg.TokenSymbol = symbol
	cfg.Oracle = cmd.Oracle
	x.txn.SetConfig(cfg)

	c.logger.Info().
		Str("owner", cfg.Owner.Hex()).
		Str("oracle", cfg.Oracle.Hex()).
		Str("symbol", symbol).
		Msg("engine initialized")
	return nil
}

// requireOwner loads the config and checks the caller owns the engine.
func requireOwner(x *execution, caller common.Address) (state.EngineConfig, error) {
	cfg := x.txn.Config()
	if !cfg.IsOwner(caller) {
		return cfg, fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return cfg, nil
}

func (c *SettlementEngine) setSubscriptionID(x *execution, cmd *event.SetSubscriptionID) error {
	cfg, err := requireOwner(x, cmd.Caller())
	if err != nil {
		return err
	}
	cfg.SubscriptionID = cmd.SubscriptionID
	x.txn.SetConfig(cfg)
	return nil
}

func (c *SettlementEngine) setOracleKeyIndex(x *execution, cmd *event.SetOracleKeyIndex) error {
	cfg, err := requireOwner(x, cmd.Caller())
	if err != nil {
		return err
	}
	if cmd.Index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOracleKeyIndex, cmd.Index)
	}
	cfg.OracleKeyIndex = cmd.Index
	x.txn.SetConfig(cfg)
	return nil
}

// deposit pulls owner funds into the treasury. The owner must have
// approved the engine for at least amount.
func (c *SettlementEngine) deposit(x *execution, cmd *event.Deposit) error {
	cfg, err := requireOwner(x, cmd.Caller())
	if err != nil {
		return err
	}
	if cmd.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, cmd.Amount)
	}
	if err := x.ledger.TransferFrom(c.address, cmd.Caller(), c.address, cfg.TokenSymbol, cmd.Amount); err != nil {
		return fmt.Errorf("%w: deposit: %v", ErrInsufficientFunds, err)
	}
	x.emit(&event.DepositRecord{From: cmd.Caller(), To: c.address, Amount: cmd.Amount})
	return nil
}

// withdraw pays treasury funds out to the owner.
func (c *SettlementEngine) withdraw(x *execution, cmd *event.Withdraw) error {
	cfg, err := requireOwner(x, cmd.Caller())
	if err != nil {
		return err
	}
	if cmd.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, cmd.Amount)
	}
	if err := x.ledger.Transfer(c.address, cfg.Owner, cfg.TokenSymbol, cmd.Amount); err != nil {
		return fmt.Errorf("%w: withdraw: %v", ErrInsufficientFunds, err)
	}
	x.emit(&event.WithdrawRecord{From: c.address, To: cfg.Owner, Amount: cmd.Amount})
	return nil
}

func (c *SettlementEngine) transferOwnership(x *execution, cmd *event.TransferOwnership) error {
	cfg, err := requireOwner(x, cmd.Caller())
	if err != nil {
		return err
	}
	if cmd.NewOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner is the zero address", ErrInvalidAddress)
	}
	cfg.Owner = cmd.NewOwner
	x.txn.SetConfig(cfg)

	c.logger.Info().
		Str("previous_owner", cmd.Caller().Hex()).
		Str("new_owner", cmd.NewOwner.Hex()).
		Msg("ownership transferred")
	return nil
}

func (c *SettlementEngine) approve(x *execution, cmd *event.Approve) error {
	if cmd.Spender == (common.Address{}) {
		return fmt.Errorf("%w: spender is the zero address", ErrInvalidAddress)
	}
	if err := x.ledger.Approve(cmd.Caller(), cmd.Spender, c.ledger.Symbol(), cmd.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}

func (c *SettlementEngine) mint(x *execution, cmd *event.Mint) error {
	if !c.faucet {
		return ErrFaucetDisabled
	}
	if cmd.To == (common.Address{}) {
		return fmt.Errorf("%w: recipient is the zero address", ErrInvalidAddress)
	}
	if err := x.ledger.Mint(cmd.To, c.ledger.Symbol(), cmd.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}
