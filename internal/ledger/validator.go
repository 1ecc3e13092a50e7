package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateHoldersNonNegative checks that no holder wallet touched by the
// batch went negative. Only external boundary accounts may be negative.
func (v *InvariantValidator) ValidateHoldersNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope != AccountScopeHolder {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for symbol, total := range v.tracker.ComputeGlobalBalance() {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", symbol, total)
		}
	}
	return nil
}
