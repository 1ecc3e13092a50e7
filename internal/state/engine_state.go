package state

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EngineState is the complete mutable state of the settlement engine.
// Only the core goroutine writes, through a Txn; readers use the
// accessor methods concurrently.
type EngineState struct {
	mu      sync.RWMutex
	config  EngineConfig
	bets    map[common.Address]AccountBet
	pending map[common.Hash]PendingRequest
}

func NewEngineState() *EngineState {
	return &EngineState{
		bets:    make(map[common.Address]AccountBet),
		pending: make(map[common.Hash]PendingRequest),
	}
}

func (s *EngineState) Config() EngineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *EngineState) Bet(account common.Address) (AccountBet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bets[account]
	return b, ok
}

func (s *EngineState) PendingRequest(id common.Hash) (PendingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	return p, ok
}

// OpenBets returns the number of bets awaiting fulfillment.
func (s *EngineState) OpenBets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.bets {
		if b.Pending {
			n++
		}
	}
	return n
}

// Begin opens a transactional overlay. Nothing is visible to readers
// until Commit.
func (s *EngineState) Begin() *Txn {
	return &Txn{
		base:    s,
		bets:    make(map[common.Address]AccountBet),
		pending: make(map[common.Hash]PendingRequest),
	}
}

// Txn stages state changes for one command.
type Txn struct {
	base    *EngineState
	config  *EngineConfig
	bets    map[common.Address]AccountBet
	pending map[common.Hash]PendingRequest
}

func (t *Txn) Config() EngineConfig {
	if t.config != nil {
		return *t.config
	}
	return t.base.config
}

func (t *Txn) SetConfig(c EngineConfig) {
	t.config = &c
}

func (t *Txn) Bet(account common.Address) (AccountBet, bool) {
	if b, ok := t.bets[account]; ok {
		return b, true
	}
	b, ok := t.base.bets[account]
	return b, ok
}

func (t *Txn) PutBet(b AccountBet) {
	t.bets[b.Account] = b
}

func (t *Txn) PendingRequest(id common.Hash) (PendingRequest, bool) {
	if p, ok := t.pending[id]; ok {
		return p, true
	}
	p, ok := t.base.pending[id]
	return p, ok
}

func (t *Txn) PutPendingRequest(p PendingRequest) {
	t.pending[p.CorrelationID] = p
}

// Delta lists the entries changed by a committed Txn, in canonical order.
type Delta struct {
	Config  *EngineConfig    `json:"config,omitempty"`
	Bets    []AccountBet     `json:"bets,omitempty"`
	Pending []PendingRequest `json:"pending,omitempty"`
}

func (d Delta) Empty() bool {
	return d.Config == nil && len(d.Bets) == 0 && len(d.Pending) == 0
}

// Delta returns the staged changes without applying them.
func (t *Txn) Delta() Delta {
	d := Delta{Config: t.config}
	for _, b := range t.bets {
		d.Bets = append(d.Bets, b)
	}
	sort.Slice(d.Bets, func(i, j int) bool {
		return bytes.Compare(d.Bets[i].Account[:], d.Bets[j].Account[:]) < 0
	})
	for _, p := range t.pending {
		d.Pending = append(d.Pending, p)
	}
	sort.Slice(d.Pending, func(i, j int) bool {
		return bytes.Compare(d.Pending[i].CorrelationID[:], d.Pending[j].CorrelationID[:]) < 0
	})
	return d
}

// Commit applies the staged changes and returns them.
func (t *Txn) Commit() Delta {
	d := t.Delta()
	s := t.base
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Config != nil {
		s.config = *d.Config
	}
	for _, b := range d.Bets {
		s.bets[b.Account] = b
	}
	for _, p := range d.Pending {
		s.pending[p.CorrelationID] = p
	}
	return d
}

// Snapshot is the serializable form of EngineState.
type Snapshot struct {
	Config  EngineConfig     `json:"config"`
	Bets    []AccountBet     `json:"bets"`
	Pending []PendingRequest `json:"pending"`
}

// Snapshot returns a canonical copy of the state.
func (s *EngineState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Config:  s.config,
		Bets:    make([]AccountBet, 0, len(s.bets)),
		Pending: make([]PendingRequest, 0, len(s.pending)),
	}
	for _, b := range s.bets {
		snap.Bets = append(snap.Bets, b)
	}
	sort.Slice(snap.Bets, func(i, j int) bool {
		return bytes.Compare(snap.Bets[i].Account[:], snap.Bets[j].Account[:]) < 0
	})
	for _, p := range s.pending {
		snap.Pending = append(snap.Pending, p)
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		return bytes.Compare(snap.Pending[i].CorrelationID[:], snap.Pending[j].CorrelationID[:]) < 0
	})
	return snap
}

// Restore replaces the state with snap.
func (s *EngineState) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = snap.Config
	s.bets = make(map[common.Address]AccountBet, len(snap.Bets))
	for _, b := range snap.Bets {
		s.bets[b.Account] = b
	}
	s.pending = make(map[common.Hash]PendingRequest, len(snap.Pending))
	for _, p := range snap.Pending {
		s.pending[p.CorrelationID] = p
	}
}
