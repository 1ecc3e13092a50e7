package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUnknownEventType = errors.New("unknown event type")

// New returns an empty command for the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeInitialize:
		return &Initialize{}, nil
	case EventTypePlaceBet:
		return &PlaceBet{}, nil
	case EventTypeFulfillment:
		return &Fulfillment{}, nil
	case EventTypeSetSubscriptionID:
		return &SetSubscriptionID{}, nil
	case EventTypeSetOracleKeyIndex:
		return &SetOracleKeyIndex{}, nil
	case EventTypeDeposit:
		return &Deposit{}, nil
	case EventTypeWithdraw:
		return &Withdraw{}, nil
	case EventTypeTransferOwnership:
		return &TransferOwnership{}, nil
	case EventTypeApprove:
		return &Approve{}, nil
	case EventTypeMint:
		return &Mint{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, et)
	}
}

// DecodeCommand rebuilds a logged command from its envelope payload.
func DecodeCommand(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	if evt.BlockContext().Time.IsZero() {
		return nil, fmt.Errorf("decode %s: missing block time", et)
	}
	if id, ok := evt.(interface{ ID() uuid.UUID }); ok && id.ID() == uuid.Nil && et != EventTypeFulfillment {
		return nil, fmt.Errorf("decode %s: missing command id", et)
	}
	return evt, nil
}
