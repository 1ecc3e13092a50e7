package state

import "github.com/ethereum/go-ethereum/common"

// AccountBet is the single bet slot of a player. It is created on the
// player's first bet and overwritten by every later one.
type AccountBet struct {
	Account       common.Address `json:"account"`
	Pending       bool           `json:"pending"`
	Won           bool           `json:"won"`
	Stake         int64          `json:"stake"`
	RequestHeight int64          `json:"request_height"`
	Dice1         int32          `json:"dice1"`
	Dice2         int32          `json:"dice2"`
}

// NewAccountBet returns the zero slot for account. Dice start at 1,1.
func NewAccountBet(account common.Address) AccountBet {
	return AccountBet{
		Account: account,
		Dice1:   1,
		Dice2:   1,
	}
}

func (b AccountBet) DiceSum() int32 {
	return b.Dice1 + b.Dice2
}

// PendingRequest links an oracle correlation id to the bet it settles.
// Entries are never removed; Consumed marks a settled request.
type PendingRequest struct {
	CorrelationID common.Hash    `json:"correlation_id"`
	Account       common.Address `json:"account"`
	RequestHeight int64          `json:"request_height"`
	Consumed      bool           `json:"consumed"`
}
