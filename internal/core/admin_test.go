package core_test

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test: Initialize =====

func TestInitialize_SetsOwnerOnce(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, common.Address{}, h.engine.Owner(), "no owner before initialization")

	h.mustInitialize(t)
	assert.Equal(t, owner, h.engine.Owner())
	cfg := h.engine.Config()
	assert.True(t, cfg.Initialized)
	assert.Equal(t, h.sim.Address(), cfg.Oracle)
	assert.Equal(t, symbol, cfg.TokenSymbol)

	_, err := h.apply(&event.Initialize{Header: h.header(bob), TokenSymbol: symbol})
	assert.ErrorIs(t, err, core.ErrAlreadyInitialized)
	assert.Equal(t, owner, h.engine.Owner())
}

func TestInitialize_DefaultsAndRejectsSymbol(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply(&event.Initialize{Header: h.header(owner), TokenSymbol: "ELF"})
	assert.Error(t, err)
	assert.False(t, h.engine.Config().Initialized)

	h.mustApply(t, &event.Initialize{Header: h.header(owner)})
	assert.Equal(t, symbol, h.engine.Config().TokenSymbol)
}

// ===== Test: owner gating =====

func TestAdmin_RejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	h.mustSetup(t, 10_000_000, 5_000_000)

	cmds := []event.Event{
		&event.SetSubscriptionID{Header: h.header(alice), SubscriptionID: 1},
		&event.SetOracleKeyIndex{Header: h.header(alice), Index: 1},
		&event.Deposit{Header: h.header(alice), Amount: 1_000_000},
		&event.Withdraw{Header: h.header(alice), Amount: 1_000_000},
		&event.TransferOwnership{Header: h.header(alice), NewOwner: alice},
	}
	for _, cmd := range cmds {
		_, err := h.apply(cmd)
		assert.ErrorIs(t, err, core.ErrUnauthorized, cmd.EventType().String())
	}
	assert.Equal(t, int64(10_000_000), h.engine.TreasuryBalance())
	assert.Equal(t, owner, h.engine.Owner())
}

func TestAdmin_RejectsBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	_, err := h.apply(&event.SetSubscriptionID{Header: h.header(owner), SubscriptionID: 1})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestAdmin_SettersUpdateConfig(t *testing.T) {
	h := newHarness(t)
	h.mustInitialize(t)

	h.mustApply(t, &event.SetSubscriptionID{Header: h.header(owner), SubscriptionID: 42})
	h.mustApply(t, &event.SetOracleKeyIndex{Header: h.header(owner), Index: 1})

	assert.Equal(t, int64(42), h.engine.SubscriptionID())
	assert.Equal(t, int32(1), h.engine.OracleKeyIndex())

	_, err := h.apply(&event.SetOracleKeyIndex{Header: h.header(owner), Index: -1})
	assert.ErrorIs(t, err, core.ErrInvalidOracleKeyIndex)
}

// ===== Test: treasury =====

func TestDeposit_MovesOwnerFundsAndEmitsRecord(t *testing.T) {
	h := newHarness(t)
	h.mustInitialize(t)
	h.mustFund(t, owner, 3_000_000)

	res := h.mustApply(t, &event.Deposit{Header: h.header(owner), Amount: 2_000_000})

	assert.Equal(t, int64(2_000_000), h.engine.TreasuryBalance())
	assert.Equal(t, int64(1_000_000), h.engine.Balance(owner))
	require.Len(t, res.Records, 1)
	rec, ok := res.Records[0].(*event.DepositRecord)
	require.True(t, ok)
	assert.Equal(t, owner, rec.From)
	assert.Equal(t, engineAddr, rec.To)
	assert.Equal(t, int64(2_000_000), rec.Amount)
}

func TestDeposit_RejectsBadAmounts(t *testing.T) {
	h := newHarness(t)
	h.mustInitialize(t)
	h.mustFund(t, owner, 1_000)

	_, err := h.apply(&event.Deposit{Header: h.header(owner), Amount: 0})
	assert.ErrorIs(t, err, core.ErrInvalidAmount)

	_, err = h.apply(&event.Deposit{Header: h.header(owner), Amount: 2_000})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
}

func TestWithdraw_PaysOwnerAndEmitsRecord(t *testing.T) {
	h := newHarness(t)
	h.mustSetup(t, 5_000_000, 0)

	res := h.mustApply(t, &event.Withdraw{Header: h.header(owner), Amount: 2_000_000})

	assert.Equal(t, int64(3_000_000), h.engine.TreasuryBalance())
	assert.Equal(t, int64(2_000_000), h.engine.Balance(owner))
	require.Len(t, res.Records, 1)
	rec, ok := res.Records[0].(*event.WithdrawRecord)
	require.True(t, ok)
	assert.Equal(t, engineAddr, rec.From)
	assert.Equal(t, owner, rec.To)
}

func TestWithdraw_RejectsOverdraw(t *testing.T) {
	h := newHarness(t)
	h.mustSetup(t, 5_000_000, 0)

	_, err := h.apply(&event.Withdraw{Header: h.header(owner), Amount: 5_000_001})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	_, err = h.apply(&event.Withdraw{Header: h.header(owner), Amount: -1})
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
	assert.Equal(t, int64(5_000_000), h.engine.TreasuryBalance())
}

// ===== Test: ownership =====

func TestTransferOwnership_MovesAdminRights(t *testing.T) {
	h := newHarness(t)
	h.mustSetup(t, 5_000_000, 0)

	h.mustApply(t, &event.TransferOwnership{Header: h.header(owner), NewOwner: bob})
	assert.Equal(t, bob, h.engine.Owner())

	_, err := h.apply(&event.Withdraw{Header: h.header(owner), Amount: 1})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	h.mustApply(t, &event.Withdraw{Header: h.header(bob), Amount: 1_000_000})
	assert.Equal(t, int64(1_000_000), h.engine.Balance(bob), "withdrawals go to the current owner")
}

func TestTransferOwnership_RejectsZeroAddress(t *testing.T) {
	h := newHarness(t)
	h.mustInitialize(t)
	_, err := h.apply(&event.TransferOwnership{Header: h.header(owner)})
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
}

// ===== Test: queries =====

func TestQueries_StakeLimitsAndMissingBet(t *testing.T) {
	h := newHarness(t)
	lo, hi := h.engine.StakeLimits()
	assert.Equal(t, int64(1_000_000), lo)
	assert.Equal(t, int64(1_000_000_000), hi)

	_, err := h.engine.AccountBet(alice)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, int64(0), h.engine.TreasuryBalance())
}

// ===== Test: ledger commands =====

func TestMint_RequiresFaucet(t *testing.T) {
	h := newHarness(t, withoutFaucet())
	_, err := h.apply(&event.Mint{Header: h.header(alice), To: alice, Amount: 10})
	assert.ErrorIs(t, err, core.ErrFaucetDisabled)
}

func TestApprove_SetsAllowance(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, &event.Approve{Header: h.header(alice), Spender: engineAddr, Amount: 123})
	assert.Equal(t, int64(123), h.engine.Allowance(alice, engineAddr))

	_, err := h.apply(&event.Approve{Header: h.header(alice), Spender: engineAddr, Amount: -1})
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}
