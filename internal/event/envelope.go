package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialize
	EventTypePlaceBet
	EventTypeFulfillment
	EventTypeSetSubscriptionID
	EventTypeSetOracleKeyIndex
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeTransferOwnership
	EventTypeApprove
	EventTypeMint
)

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core. Doubles as the ledger height.
	Sequence int64

	// Stable dedup key (command id, or correlation id for fulfillments)
	IdempotencyKey string

	EventType EventType

	// Authenticated caller of the command
	Caller common.Address

	// Versioned block time (NOT wall-clock at processing)
	Timestamp time.Time

	// JSON-encoded command, including any inputs resolved during processing
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Block is the execution context stamped by the ingress shell before the
// command reaches the core. The core never reads the wall clock.
type Block struct {
	Time   time.Time      `json:"time"`
	Origin common.Address `json:"origin"`
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Caller returns the authenticated sender
	Caller() common.Address

	// BlockContext returns the versioned execution context
	BlockContext() Block
}

// Header carries the fields shared by every command.
type Header struct {
	CommandID uuid.UUID      `json:"command_id"`
	From      common.Address `json:"caller"`
	Block     Block          `json:"block"`
}

// NewHeader stamps a command issued by caller at the given time. Origin is
// the caller: every ingress surface is a direct call.
func NewHeader(caller common.Address, at time.Time) Header {
	return Header{
		CommandID: uuid.New(),
		From:      caller,
		Block:     Block{Time: at.UTC(), Origin: caller},
	}
}

func (h Header) IdempotencyKey() string { return h.CommandID.String() }

func (h Header) ID() uuid.UUID { return h.CommandID }

func (h Header) Caller() common.Address { return h.From }

func (h Header) BlockContext() Block { return h.Block }

func (et EventType) String() string {
	switch et {
	case EventTypeInitialize:
		return "Initialize"
	case EventTypePlaceBet:
		return "PlaceBet"
	case EventTypeFulfillment:
		return "Fulfillment"
	case EventTypeSetSubscriptionID:
		return "SetSubscriptionId"
	case EventTypeSetOracleKeyIndex:
		return "SetOracleKeyIndex"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeTransferOwnership:
		return "TransferOwnership"
	case EventTypeApprove:
		return "Approve"
	case EventTypeMint:
		return "Mint"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeInitialize; et <= EventTypeMint; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
