package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrUnknownSymbol         = errors.New("ledger: unknown symbol")
	ErrSelfTransfer          = errors.New("ledger: sender and recipient are the same account")
)

// Gateway is the token ledger contract the settlement engine depends on.
// A failed call leaves balances and allowances untouched.
type Gateway interface {
	GetBalance(owner common.Address, symbol string) (int64, error)

	// Transfer moves amount from the calling account to to.
	Transfer(from, to common.Address, symbol string, amount int64) error

	// TransferFrom moves amount from from to to, drawing on the allowance
	// from granted to spender.
	TransferFrom(spender, from, to common.Address, symbol string, amount int64) error
}

// TokenLedger is the embedded single-symbol double-entry token ledger.
// Mutations go through a Session and are applied atomically on Commit.
// Only the core goroutine opens sessions; readers may call the query
// methods concurrently.
type TokenLedger struct {
	mu        sync.RWMutex
	symbol    string
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewTokenLedger(symbol string) *TokenLedger {
	tracker := NewBalanceTracker()
	return &TokenLedger{
		symbol:    symbol,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

func (l *TokenLedger) Symbol() string { return l.symbol }

// Balance returns the committed wallet balance of holder.
func (l *TokenLedger) Balance(holder common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetBalance(NewHolderAccountKey(holder, l.symbol))
}

// Allowance returns the committed allowance owner granted to spender.
func (l *TokenLedger) Allowance(owner, spender common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetAllowance(AllowanceKey{Owner: owner, Spender: spender, Symbol: l.symbol})
}

// AccountBalance returns the committed balance of any account key.
func (l *TokenLedger) AccountBalance(key AccountKey) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetBalance(key)
}

// ValidateGlobalBalance verifies the committed ledger is zero-sum.
func (l *TokenLedger) ValidateGlobalBalance() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validator.ValidateGlobalBalance()
}

// Snapshot returns the committed balances and allowances.
func (l *TokenLedger) Snapshot() ([]BalanceEntry, []AllowanceEntry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.Snapshot()
}

func (l *TokenLedger) Restore(balances []BalanceEntry, allowances []AllowanceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.Restore(balances, allowances)
}

// Begin opens a staged session for the command identified by ref.
func (l *TokenLedger) Begin(ref string, sequence int64, at time.Time) *Session {
	batchID := uuid.New()
	return &Session{
		ledger: l,
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  ref,
			Sequence:  sequence,
			Timestamp: at.UnixMicro(),
		},
		deltas:     make(map[AccountKey]int64),
		allowances: make(map[AllowanceKey]int64),
	}
}

// Session stages ledger mutations for one command. Reads observe staged
// changes. Dropping a session without Commit discards everything.
type Session struct {
	ledger     *TokenLedger
	batch      *Batch
	deltas     map[AccountKey]int64
	allowances map[AllowanceKey]int64
}

var _ Gateway = (*Session)(nil)

func (s *Session) checkSymbol(symbol string) error {
	if symbol != s.ledger.symbol {
		return fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return nil
}

func (s *Session) balance(key AccountKey) int64 {
	return s.ledger.tracker.GetBalance(key) + s.deltas[key]
}

func (s *Session) allowance(key AllowanceKey) int64 {
	if v, ok := s.allowances[key]; ok {
		return v
	}
	return s.ledger.tracker.GetAllowance(key)
}

func (s *Session) GetBalance(owner common.Address, symbol string) (int64, error) {
	if err := s.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return s.balance(NewHolderAccountKey(owner, symbol)), nil
}

// Allowance returns the staged allowance owner granted to spender.
func (s *Session) Allowance(owner, spender common.Address, symbol string) (int64, error) {
	if err := s.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return s.allowance(AllowanceKey{Owner: owner, Spender: spender, Symbol: symbol}), nil
}

func (s *Session) Transfer(from, to common.Address, symbol string, amount int64) error {
	return s.move(from, to, symbol, amount, JournalTypeTransfer)
}

func (s *Session) TransferFrom(spender, from, to common.Address, symbol string, amount int64) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	key := AllowanceKey{Owner: from, Spender: spender, Symbol: symbol}
	allowed := s.allowance(key)
	if allowed < amount {
		return fmt.Errorf("%w: spender=%s have=%d need=%d", ErrInsufficientAllowance, spender.Hex(), allowed, amount)
	}
	if err := s.move(from, to, symbol, amount, JournalTypeTransferFrom); err != nil {
		return err
	}
	s.allowances[key] = allowed - amount
	return nil
}

// Approve sets the allowance owner grants to spender. Zero revokes.
func (s *Session) Approve(owner, spender common.Address, symbol string, amount int64) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	s.allowances[AllowanceKey{Owner: owner, Spender: spender, Symbol: symbol}] = amount
	return nil
}

// Mint credits to from the external mint boundary account.
func (s *Session) Mint(to common.Address, symbol string, amount int64) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	s.stage(NewHolderAccountKey(to, symbol), NewExternalAccountKey(SubTypeExternalMint, symbol), amount, JournalTypeMint)
	return nil
}

func (s *Session) move(from, to common.Address, symbol string, amount int64, jt JournalType) error {
	if err := s.checkSymbol(symbol); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if from == to {
		return ErrSelfTransfer
	}
	src := NewHolderAccountKey(from, symbol)
	if have := s.balance(src); have < amount {
		return fmt.Errorf("%w: account=%s have=%d need=%d", ErrInsufficientBalance, from.Hex(), have, amount)
	}
	s.stage(NewHolderAccountKey(to, symbol), src, amount, jt)
	return nil
}

func (s *Session) stage(debit, credit AccountKey, amount int64, jt JournalType) {
	s.batch.Journals = append(s.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       s.batch.BatchID,
		EventRef:      s.batch.EventRef,
		Sequence:      s.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Symbol:        s.ledger.symbol,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     s.batch.Timestamp,
	})
	s.deltas[debit] += amount
	s.deltas[credit] -= amount
}

// Touched returns the accounts whose balance the session changed.
func (s *Session) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(s.deltas))
	for k := range s.deltas {
		keys = append(keys, k)
	}
	return keys
}

// StagedAllowances returns the allowances the session set, sorted.
func (s *Session) StagedAllowances() []AllowanceEntry {
	out := make([]AllowanceEntry, 0, len(s.allowances))
	for k, v := range s.allowances {
		out = append(out, AllowanceEntry{Key: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Owner != b.Owner {
			return a.Owner.Hex() < b.Owner.Hex()
		}
		return a.Spender.Hex() < b.Spender.Hex()
	})
	return out
}

// Commit applies the staged batch and allowances. It returns the applied
// batch, or nil when the session moved no funds.
func (s *Session) Commit() (*Batch, error) {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	var applied *Batch
	if len(s.batch.Journals) > 0 {
		if err := l.validator.ValidateBatchBalance(s.batch); err != nil {
			return nil, err
		}
		if err := l.tracker.ApplyBatch(s.batch); err != nil {
			return nil, err
		}
		if err := l.validator.ValidateHoldersNonNegative(s.batch); err != nil {
			return nil, err
		}
		applied = s.batch
	}
	for k, v := range s.allowances {
		l.tracker.SetAllowance(k, v)
	}
	return applied, nil
}
