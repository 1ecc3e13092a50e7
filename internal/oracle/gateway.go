package oracle

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNoSigningKeys = errors.New("oracle: no signing keys available")

// Gateway is the randomness oracle contract the settlement engine depends on.
type Gateway interface {
	// SigningKeys returns the ordered list of oracle key hashes.
	SigningKeys(ctx context.Context) ([]common.Hash, error)

	// SubmitRequest hands a request to the oracle. The fulfillment arrives
	// later as a separate callback.
	SubmitRequest(ctx context.Context, r Request) error
}
