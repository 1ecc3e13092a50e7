package core

import (
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/state"
	"fmt"
)

// SnapshotState is the full in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"` // last committed sequence
	StateHash       [32]byte                `json:"state_hash"`
	Engine          state.Snapshot          `json:"engine"`
	Balances        []ledger.BalanceEntry   `json:"balances"`
	Allowances      []ledger.AllowanceEntry `json:"allowances"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current state for persistence.
func (c *SettlementEngine) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances, allowances := c.ledger.Snapshot()
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Engine:          c.state.Snapshot(),
		Balances:        balances,
		Allowances:      allowances,
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot loads a snapshot; replay continues after it.
func (c *SettlementEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.state.Restore(snap.Engine)
	c.ledger.Restore(snap.Balances, snap.Allowances)
	c.idempotency.Warm(snap.IdempotencyKeys)

	if err := c.ledger.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("snapshot at sequence %d: %w", snap.Sequence, err)
	}
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU.
func (c *SettlementEngine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

// SetReplaying toggles replay mode: oracle requests are not resubmitted,
// the durable dedup tier is skipped and outputs are not emitted.
func (c *SettlementEngine) SetReplaying(replaying bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = replaying
}

// GetSequence returns the next sequence to assign.
func (c *SettlementEngine) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *SettlementEngine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}
