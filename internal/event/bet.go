package event

import "github.com/ethereum/go-ethereum/common"

// PlaceBet opens a wager for the caller.
type PlaceBet struct {
	Header
	Stake int64 `json:"stake"`

	// Oracle key hash selected at processing time. Set by the core before the
	// command is logged so replay does not depend on the live key set.
	ResolvedKeyHash *common.Hash `json:"resolved_key_hash,omitempty"`
}

func (p *PlaceBet) EventType() EventType {
	return EventTypePlaceBet
}

// Fulfillment is the oracle callback delivering random words for a request.
// Caller is the recovered signer of the fulfillment message.
type Fulfillment struct {
	Header
	CorrelationID common.Hash `json:"correlation_id"`
	Payload       []byte      `json:"payload"`
}

// Fulfillments dedup on the correlation id, not the transport id.
func (f *Fulfillment) IdempotencyKey() string {
	return f.CorrelationID.Hex()
}

func (f *Fulfillment) EventType() EventType {
	return EventTypeFulfillment
}
