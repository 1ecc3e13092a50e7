package state

import "github.com/ethereum/go-ethereum/common"

// Stake bounds in token base units, inclusive.
const (
	MinimumStake int64 = 1_000_000
	MaximumStake int64 = 1_000_000_000
)

// EngineConfig holds the administrative settings of the engine.
type EngineConfig struct {
	Initialized    bool           `json:"initialized"`
	Owner          common.Address `json:"owner"`
	TokenSymbol    string         `json:"token_symbol"`
	Oracle         common.Address `json:"oracle"`
	SubscriptionID int64          `json:"subscription_id"`
	OracleKeyIndex int32          `json:"oracle_key_index"`
}

// IsOwner reports whether caller may perform owner-gated operations.
func (c EngineConfig) IsOwner(caller common.Address) bool {
	return c.Initialized && caller == c.Owner
}
