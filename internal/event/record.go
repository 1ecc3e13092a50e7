package event

import "github.com/ethereum/go-ethereum/common"

// RecordType discriminates records appended to the output log.
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeOutcome
	RecordTypeDeposit
	RecordTypeWithdraw
)

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeOutcome:
		return "Outcome"
	case RecordTypeDeposit:
		return "Deposit"
	case RecordTypeWithdraw:
		return "Withdraw"
	default:
		return "Unknown"
	}
}

// Record is an observable output of a committed command.
type Record interface {
	RecordType() RecordType

	// Account the record is indexed under
	Account() common.Address
}

// OutcomeRecord reports a settled bet. Delta is +stake on a win and
// -stake on a loss.
type OutcomeRecord struct {
	Player        common.Address `json:"player"`
	CorrelationID common.Hash    `json:"correlation_id"`
	Stake         int64          `json:"stake"`
	Delta         int64          `json:"delta"`
	Dice1         int32          `json:"dice1"`
	Dice2         int32          `json:"dice2"`
}

func (o *OutcomeRecord) RecordType() RecordType  { return RecordTypeOutcome }
func (o *OutcomeRecord) Account() common.Address { return o.Player }

type DepositRecord struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (d *DepositRecord) RecordType() RecordType  { return RecordTypeDeposit }
func (d *DepositRecord) Account() common.Address { return d.From }

type WithdrawRecord struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (w *WithdrawRecord) RecordType() RecordType  { return RecordTypeWithdraw }
func (w *WithdrawRecord) Account() common.Address { return w.To }
