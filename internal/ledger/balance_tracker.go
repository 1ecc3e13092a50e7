package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances and allowances
type BalanceTracker struct {
	balances   map[AccountKey]int64
	allowances map[AllowanceKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:   make(map[AccountKey]int64),
		allowances: make(map[AllowanceKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

func (bt *BalanceTracker) GetAllowance(key AllowanceKey) int64 {
	return bt.allowances[key]
}

// SetAllowance overwrites an allowance. Zero removes the entry.
func (bt *BalanceTracker) SetAllowance(key AllowanceKey, amount int64) {
	if amount == 0 {
		delete(bt.allowances, key)
		return
	}
	bt.allowances[key] = amount
}

// ComputeGlobalBalance sums all account balances per symbol (should be 0)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)

	for key, balance := range bt.balances {
		totals[key.Symbol] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// BalanceEntry is one row of a balance snapshot.
type BalanceEntry struct {
	Key     AccountKey `json:"key"`
	Balance int64      `json:"balance"`
}

// AllowanceEntry is one row of an allowance snapshot.
type AllowanceEntry struct {
	Key    AllowanceKey `json:"key"`
	Amount int64        `json:"amount"`
}

// Snapshot returns all balances and allowances sorted by path, for state
// hashing and persistence.
func (bt *BalanceTracker) Snapshot() ([]BalanceEntry, []AllowanceEntry) {
	balances := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		balances = append(balances, BalanceEntry{Key: k, Balance: v})
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].Key.AccountPath() < balances[j].Key.AccountPath()
	})

	allowances := make([]AllowanceEntry, 0, len(bt.allowances))
	for k, v := range bt.allowances {
		allowances = append(allowances, AllowanceEntry{Key: k, Amount: v})
	}
	sort.Slice(allowances, func(i, j int) bool {
		a, b := allowances[i].Key, allowances[j].Key
		if a.Owner != b.Owner {
			return a.Owner.Hex() < b.Owner.Hex()
		}
		if a.Spender != b.Spender {
			return a.Spender.Hex() < b.Spender.Hex()
		}
		return a.Symbol < b.Symbol
	})

	return balances, allowances
}

// Restore replaces all balances and allowances.
func (bt *BalanceTracker) Restore(balances []BalanceEntry, allowances []AllowanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for _, e := range balances {
		bt.balances[e.Key] = e.Balance
	}
	bt.allowances = make(map[AllowanceKey]int64, len(allowances))
	for _, e := range allowances {
		bt.allowances[e.Key] = e.Amount
	}
}
