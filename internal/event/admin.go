package event

import "github.com/ethereum/go-ethereum/common"

// Initialize is the one-shot setup call. The caller becomes the owner.
type Initialize struct {
	Header
	TokenSymbol string         `json:"token_symbol"`
	Oracle      common.Address `json:"oracle"`
}

func (i *Initialize) EventType() EventType { return EventTypeInitialize }

type SetSubscriptionID struct {
	Header
	SubscriptionID int64 `json:"subscription_id"`
}

func (s *SetSubscriptionID) EventType() EventType { return EventTypeSetSubscriptionID }

type SetOracleKeyIndex struct {
	Header
	Index int32 `json:"index"`
}

func (s *SetOracleKeyIndex) EventType() EventType { return EventTypeSetOracleKeyIndex }

// Deposit moves owner funds into the treasury.
type Deposit struct {
	Header
	Amount int64 `json:"amount"`
}

func (d *Deposit) EventType() EventType { return EventTypeDeposit }

// Withdraw moves treasury funds to the owner.
type Withdraw struct {
	Header
	Amount int64 `json:"amount"`
}

func (w *Withdraw) EventType() EventType { return EventTypeWithdraw }

type TransferOwnership struct {
	Header
	NewOwner common.Address `json:"new_owner"`
}

func (t *TransferOwnership) EventType() EventType { return EventTypeTransferOwnership }
