package core

import "errors"

// Command rejections. A rejected command leaves no trace in state,
// balances or the output log.
var (
	ErrInvalidStake          = errors.New("stake outside allowed bounds")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrBetAlreadyPending     = errors.New("bet already pending")
	ErrUnauthorized          = errors.New("caller is not the owner")
	ErrAlreadyInitialized    = errors.New("already initialized")
	ErrNotInitialized        = errors.New("not initialized")
	ErrNotFound              = errors.New("not found")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidOracleKeyIndex = errors.New("oracle key index out of range")
	ErrOracleUnavailable     = errors.New("oracle unavailable")
	ErrFaucetDisabled        = errors.New("faucet disabled")
	ErrUnknownCommand        = errors.New("unknown command")
	ErrCorrelationIDInUse    = errors.New("correlation id already in use")
)

// rejectReason is the metric label of a rejection.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrBetAlreadyPending):
		return "bet_already_pending"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrInvalidOracleKeyIndex):
		return "invalid_oracle_key_index"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrFaucetDisabled):
		return "faucet_disabled"
	case errors.Is(err, ErrCorrelationIDInUse):
		return "correlation_id_in_use"
	default:
		return "other"
	}
}
