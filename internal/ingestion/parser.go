package ingestion

import (
	"DiceLedger/internal/event"
	"DiceLedger/internal/oracle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidMessage = errors.New("invalid fulfillment message")

// ParseFulfillment decodes a fulfillment message from NATS and
// authenticates it. The returned command's caller is the recovered signer,
// stamped at the given block time.
func ParseFulfillment(data []byte, at time.Time) (*event.Fulfillment, error) {
	var msg oracle.FulfillmentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.CorrelationID == (common.Hash{}) {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrInvalidMessage)
	}

	signer, err := msg.Signer()
	if err != nil {
		return nil, err
	}

	return &event.Fulfillment{
		Header:        event.NewHeader(signer, at),
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
	}, nil
}
