package ledger_test

import (
	"DiceLedger/internal/ledger"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "DICE"

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	engine = common.HexToAddress("0x00000000000000000000000000000000000d1ce5")
)

func mustFund(t *testing.T, l *ledger.TokenLedger, holder common.Address, amount int64) {
	t.Helper()
	s := l.Begin("fund", 0, time.Unix(0, 0))
	require.NoError(t, s.Mint(holder, symbol, amount))
	_, err := s.Commit()
	require.NoError(t, err)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.NewHolderAccountKey(alice, symbol)
	assert.Equal(t, "holder:"+alice.Hex()+":wallet:DICE", key.AccountPath())
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, symbol)
	assert.Equal(t, "external:mint:DICE", key.AccountPath())
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_ValidateRejectsEmpty(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	assert.Error(t, b.Validate())
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	id := uuid.New()
	key := ledger.NewHolderAccountKey(alice, symbol)
	b := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{
		JournalID: uuid.New(), BatchID: id, DebitAccount: key, CreditAccount: key, Symbol: symbol, Amount: 1,
	}}}
	assert.Error(t, b.Validate())
}

func TestBatch_ValidateRejectsNonPositive(t *testing.T) {
	id := uuid.New()
	b := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{
		JournalID:     uuid.New(),
		BatchID:       id,
		DebitAccount:  ledger.NewHolderAccountKey(alice, symbol),
		CreditAccount: ledger.NewHolderAccountKey(bob, symbol),
		Symbol:        symbol,
		Amount:        0,
	}}}
	assert.Error(t, b.Validate())
}

// ============================================================================
// Test: Session
// ============================================================================

func TestSession_MintKeepsLedgerZeroSum(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 5_000)

	assert.Equal(t, int64(5_000), l.Balance(alice))
	assert.Equal(t, int64(-5_000), l.AccountBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, symbol)))
	require.NoError(t, l.ValidateGlobalBalance())
}

func TestSession_TransferMovesFunds(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 1_000)

	s := l.Begin("t1", 1, time.Unix(10, 0))
	require.NoError(t, s.Transfer(alice, bob, symbol, 400))

	bal, err := s.GetBalance(alice, symbol)
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal, "session reads see staged changes")
	assert.Equal(t, int64(1_000), l.Balance(alice), "committed state unchanged before commit")

	batch, err := s.Commit()
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Journals, 1)
	assert.Equal(t, ledger.JournalTypeTransfer, batch.Journals[0].JournalType)
	assert.Equal(t, int64(600), l.Balance(alice))
	assert.Equal(t, int64(400), l.Balance(bob))
}

func TestSession_TransferInsufficientBalance(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 100)

	s := l.Begin("t1", 1, time.Unix(10, 0))
	err := s.Transfer(alice, bob, symbol, 101)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestSession_TransferRejectsBadInput(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 100)
	s := l.Begin("t1", 1, time.Unix(10, 0))

	assert.ErrorIs(t, s.Transfer(alice, bob, symbol, 0), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, s.Transfer(alice, bob, "ELF", 10), ledger.ErrUnknownSymbol)
	assert.ErrorIs(t, s.Transfer(alice, alice, symbol, 10), ledger.ErrSelfTransfer)
}

func TestSession_TransferFromRequiresAllowance(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 1_000)

	s := l.Begin("t1", 1, time.Unix(10, 0))
	err := s.TransferFrom(engine, alice, engine, symbol, 100)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	require.NoError(t, s.Approve(alice, engine, symbol, 150))
	require.NoError(t, s.TransferFrom(engine, alice, engine, symbol, 100))

	left, err := s.Allowance(alice, engine, symbol)
	require.NoError(t, err)
	assert.Equal(t, int64(50), left)

	_, err = s.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(100), l.Balance(engine))
	assert.Equal(t, int64(50), l.Allowance(alice, engine))
}

func TestSession_DiscardLeavesStateUntouched(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 1_000)

	s := l.Begin("t1", 1, time.Unix(10, 0))
	require.NoError(t, s.Approve(alice, engine, symbol, 500))
	require.NoError(t, s.TransferFrom(engine, alice, engine, symbol, 500))
	// no commit

	assert.Equal(t, int64(1_000), l.Balance(alice))
	assert.Equal(t, int64(0), l.Balance(engine))
	assert.Equal(t, int64(0), l.Allowance(alice, engine))
}

func TestSession_CommitWithoutJournals(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	s := l.Begin("approve", 1, time.Unix(10, 0))
	require.NoError(t, s.Approve(alice, engine, symbol, 10))

	batch, err := s.Commit()
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, int64(10), l.Allowance(alice, engine))
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestTokenLedger_SnapshotRestore(t *testing.T) {
	l := ledger.NewTokenLedger(symbol)
	mustFund(t, l, alice, 700)
	mustFund(t, l, bob, 300)
	s := l.Begin("a", 2, time.Unix(10, 0))
	require.NoError(t, s.Approve(bob, engine, symbol, 42))
	_, err := s.Commit()
	require.NoError(t, err)

	balances, allowances := l.Snapshot()

	restored := ledger.NewTokenLedger(symbol)
	restored.Restore(balances, allowances)

	assert.Equal(t, int64(700), restored.Balance(alice))
	assert.Equal(t, int64(300), restored.Balance(bob))
	assert.Equal(t, int64(42), restored.Allowance(bob, engine))
	require.NoError(t, restored.ValidateGlobalBalance())

	b2, a2 := restored.Snapshot()
	assert.Equal(t, balances, b2)
	assert.Equal(t, allowances, a2)
}
