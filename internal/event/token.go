package event

import "github.com/ethereum/go-ethereum/common"

// Approve grants Spender an allowance over the caller's balance. Players
// approve the engine before placing bets; the owner before depositing.
type Approve struct {
	Header
	Spender common.Address `json:"spender"`
	Amount  int64          `json:"amount"`
}

func (a *Approve) EventType() EventType { return EventTypeApprove }

// Mint credits To from the external boundary account. Only accepted when
// the faucet is enabled.
type Mint struct {
	Header
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (m *Mint) EventType() EventType { return EventTypeMint }
