package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	KeysSubject          = "dice.oracle.keys"
	RequestSubjectPrefix = "dice.oracle.requests"
)

// requestMessage is the JSON wire form of a submitted request.
type requestMessage struct {
	CorrelationID        common.Hash `json:"correlation_id"`
	SubscriptionID       int64       `json:"subscription_id"`
	RequestTypeIndex     int32       `json:"request_type_index"`
	SpecificData         []byte      `json:"specific_data"`
	KeyHash              common.Hash `json:"key_hash"`
	NumWords             int64       `json:"num_words"`
	RequestConfirmations int32       `json:"request_confirmations"`
}

type keysMessage struct {
	KeyHashes []common.Hash `json:"key_hashes"`
}

// NATSGateway talks to an oracle service over NATS. Requests go to
// JetStream with the correlation id as message id, so republishing the
// same request is deduplicated by the server. Key hashes come from static
// configuration or a request-reply lookup.
type NATSGateway struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger

	mu   sync.RWMutex
	keys []common.Hash
}

func NewNATSGateway(nc *nats.Conn, js jetstream.JetStream, staticKeys []common.Hash, logger zerolog.Logger) *NATSGateway {
	keys := make([]common.Hash, len(staticKeys))
	copy(keys, staticKeys)
	return &NATSGateway{
		nc:     nc,
		js:     js,
		logger: logger,
		keys:   keys,
	}
}

func (g *NATSGateway) SigningKeys(ctx context.Context) ([]common.Hash, error) {
	g.mu.RLock()
	keys := g.keys
	g.mu.RUnlock()
	if len(keys) > 0 {
		return keys, nil
	}
	if err := g.RefreshKeys(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.keys) == 0 {
		return nil, ErrNoSigningKeys
	}
	return g.keys, nil
}

// RefreshKeys asks the oracle service for its current key hashes.
func (g *NATSGateway) RefreshKeys(ctx context.Context) error {
	msg, err := g.nc.RequestWithContext(ctx, KeysSubject, nil)
	if err != nil {
		return fmt.Errorf("request oracle keys: %w", err)
	}
	var reply keysMessage
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode oracle keys: %w", err)
	}
	if len(reply.KeyHashes) == 0 {
		return ErrNoSigningKeys
	}
	g.mu.Lock()
	g.keys = reply.KeyHashes
	g.mu.Unlock()
	return nil
}

// RunKeyRefresh refreshes the key cache every interval until ctx ends.
func (g *NATSGateway) RunKeyRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := g.RefreshKeys(rctx); err != nil {
				g.logger.Warn().Err(err).Msg("oracle key refresh failed, keeping cached keys")
			}
			cancel()
		}
	}
}

func (g *NATSGateway) SubmitRequest(ctx context.Context, r Request) error {
	data, err := json.Marshal(requestMessage{
		CorrelationID:        r.CorrelationID,
		SubscriptionID:       r.SubscriptionID,
		RequestTypeIndex:     r.RequestTypeIndex,
		SpecificData:         r.SpecificData,
		KeyHash:              r.KeyHash,
		NumWords:             NumWords,
		RequestConfirmations: RequestConfirmations,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	subject := fmt.Sprintf("%s.%d", RequestSubjectPrefix, r.SubscriptionID)
	if _, err := g.js.Publish(ctx, subject, data, jetstream.WithMsgID(r.CorrelationID.Hex())); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
