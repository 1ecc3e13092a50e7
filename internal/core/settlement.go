package core

import (
	"DiceLedger/internal/event"
	"DiceLedger/internal/oracle"
	"DiceLedger/internal/state"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Reasons a fulfillment is dropped without effect.
const (
	IgnoreUnknownRequest     = "unknown_request"
	IgnoreUnauthorizedOracle = "unauthorized_oracle"
	IgnoreSuperseded         = "superseded"
	IgnoreAlreadySettled     = "already_settled"
	IgnoreMalformedPayload   = "malformed_payload"
)

// placeBet validates the stake and both balances, opens an oracle request
// and escrows the stake in the treasury.
func (c *SettlementEngine) placeBet(ctx context.Context, x *execution, cmd *event.PlaceBet) error {
	cfg := x.txn.Config()
	if !cfg.Initialized {
		return ErrNotInitialized
	}

	stake := cmd.Stake
	if stake < state.MinimumStake || stake > state.MaximumStake {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidStake, stake, state.MinimumStake, state.MaximumStake)
	}

	caller := cmd.Caller()
	symbol := cfg.TokenSymbol

	balance, err := x.ledger.GetBalance(caller, symbol)
	if err != nil {
		return err
	}
	if balance < stake {
		return fmt.Errorf("%w: player balance %d below stake %d", ErrInsufficientFunds, balance, stake)
	}

	// The treasury only has to cover the stake, not the full 2x payout.
	treasury, err := x.ledger.GetBalance(c.address, symbol)
	if err != nil {
		return err
	}
	if treasury < stake {
		return fmt.Errorf("%w: treasury %d below stake %d", ErrInsufficientFunds, treasury, stake)
	}

	bet, exists := x.txn.Bet(caller)
	if exists && bet.Pending {
		return ErrBetAlreadyPending
	}

	keyHash, err := c.resolveKeyHash(ctx, cmd, cfg)
	if err != nil {
		return err
	}

	req := oracle.NewRequest(cfg.SubscriptionID, keyHash)
	blk := cmd.BlockContext()
	id, err := oracle.CorrelationID(blk.Time, blk.Origin, req)
	if err != nil {
		return err
	}
	// Pending requests are never overwritten. A colliding id would replace
	// a settled request and its fulfillment would be deduplicated away.
	if _, taken := x.txn.PendingRequest(id); taken {
		return fmt.Errorf("%w: %s", ErrCorrelationIDInUse, id.Hex())
	}
	req.CorrelationID = id
	x.outbox = append(x.outbox, req)

	x.txn.PutPendingRequest(state.PendingRequest{
		CorrelationID: id,
		Account:       caller,
		RequestHeight: x.sequence,
	})

	if !exists {
		bet = state.NewAccountBet(caller)
	}
	bet.Pending = true
	bet.Won = false
	bet.Stake = stake
	bet.RequestHeight = x.sequence
	x.txn.PutBet(bet)

	if err := x.ledger.TransferFrom(c.address, caller, c.address, symbol, stake); err != nil {
		return fmt.Errorf("%w: escrow stake: %v", ErrInsufficientFunds, err)
	}

	x.onCommit(func() {
		if c.metrics == nil {
			return
		}
		if treasury < 2*stake {
			c.metrics.SolvencyShortfall.Inc()
		}
		c.metrics.BetsPlaced.Inc()
		c.metrics.StakeVolume.Add(float64(stake))
	})

	x.result.CorrelationID = id
	return nil
}

// resolveKeyHash picks the oracle key at the configured index. The choice is
// written back to the command so replay does not consult the live key set.
func (c *SettlementEngine) resolveKeyHash(ctx context.Context, cmd *event.PlaceBet, cfg state.EngineConfig) (common.Hash, error) {
	if cmd.ResolvedKeyHash != nil {
		return *cmd.ResolvedKeyHash, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.oracleWait)
	defer cancel()
	keys, err := c.oracle.SigningKeys(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: signing keys: %v", ErrOracleUnavailable, err)
	}
	idx := int(cfg.OracleKeyIndex)
	if idx < 0 || idx >= len(keys) {
		return common.Hash{}, fmt.Errorf("%w: index %d, %d keys", ErrInvalidOracleKeyIndex, idx, len(keys))
	}
	resolved := keys[idx]
	cmd.ResolvedKeyHash = &resolved
	return resolved, nil
}

// fulfill settles the bet behind a correlation id. Stale, unknown or
// repeated callbacks are silent no-ops.
func (c *SettlementEngine) fulfill(x *execution, cmd *event.Fulfillment) error {
	cfg := x.txn.Config()

	req, ok := x.txn.PendingRequest(cmd.CorrelationID)
	if !ok {
		x.result.Ignored = IgnoreUnknownRequest
		return nil
	}
	if cmd.Caller() != cfg.Oracle {
		x.result.Ignored = IgnoreUnauthorizedOracle
		return nil
	}

	bet, ok := x.txn.Bet(req.Account)
	if !ok || bet.RequestHeight != req.RequestHeight {
		x.result.Ignored = IgnoreSuperseded
		return nil
	}
	if !bet.Pending || req.Consumed {
		x.result.Ignored = IgnoreAlreadySettled
		return nil
	}

	words, err := oracle.RandomWords(cmd.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("correlation_id", cmd.CorrelationID.Hex()).Msg("dropping malformed fulfillment")
		x.result.Ignored = IgnoreMalformedPayload
		return nil
	}

	bet.Dice1 = oracle.DeriveDie(words[0])
	bet.Dice2 = oracle.DeriveDie(words[1])
	bet.Pending = false
	bet.Won = IsWin(bet.Dice1, bet.Dice2)
	x.txn.PutBet(bet)

	req.Consumed = true
	x.txn.PutPendingRequest(req)

	delta := -bet.Stake
	if bet.Won {
		payout := 2 * bet.Stake
		if err := x.ledger.Transfer(c.address, req.Account, cfg.TokenSymbol, payout); err != nil {
			if c.metrics != nil {
				c.metrics.PayoutFailures.Inc()
			}
			c.logger.Error().Err(err).
				Str("correlation_id", cmd.CorrelationID.Hex()).
				Str("player", req.Account.Hex()).
				Int64("payout", payout).
				Msg("winning payout failed, bet stays pending")
			return fmt.Errorf("%w: payout %d: %v", ErrInsufficientFunds, payout, err)
		}
		delta = bet.Stake
	}

	x.emit(&event.OutcomeRecord{
		Player:        req.Account,
		CorrelationID: cmd.CorrelationID,
		Stake:         bet.Stake,
		Delta:         delta,
		Dice1:         bet.Dice1,
		Dice2:         bet.Dice2,
	})

	won, stake := bet.Won, bet.Stake
	x.onCommit(func() {
		if c.metrics == nil {
			return
		}
		outcome := "loss"
		if won {
			outcome = "win"
			c.metrics.PayoutVolume.Add(float64(2 * stake))
		}
		c.metrics.BetsSettled.WithLabelValues(outcome).Inc()
	})
	return nil
}

// IsWin reports whether a roll wins: the sum of both dice is odd.
func IsWin(d1, d2 int32) bool {
	return (d1+d2)%2 == 1
}
