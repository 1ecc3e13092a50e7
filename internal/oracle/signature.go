package oracle

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("oracle: invalid fulfillment signature")

// FulfillmentMessage is the wire form of an oracle callback.
type FulfillmentMessage struct {
	CorrelationID common.Hash `json:"correlation_id"`
	Payload       []byte      `json:"payload"`
	Signature     []byte      `json:"signature"`
}

// FulfillmentDigest is keccak256(correlationId || payload).
func FulfillmentDigest(id common.Hash, payload []byte) []byte {
	return crypto.Keccak256(id.Bytes(), payload)
}

// SignFulfillment signs a callback with the oracle key.
func SignFulfillment(key *ecdsa.PrivateKey, id common.Hash, payload []byte) (FulfillmentMessage, error) {
	sig, err := crypto.Sign(FulfillmentDigest(id, payload), key)
	if err != nil {
		return FulfillmentMessage{}, fmt.Errorf("sign fulfillment: %w", err)
	}
	return FulfillmentMessage{CorrelationID: id, Payload: payload, Signature: sig}, nil
}

// Signer recovers the address that signed the message.
func (m FulfillmentMessage) Signer() (common.Address, error) {
	if len(m.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(m.Signature))
	}
	pub, err := crypto.SigToPub(FulfillmentDigest(m.CorrelationID, m.Payload), m.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that the message was signed by oracle.
func (m FulfillmentMessage) Verify(oracle common.Address) error {
	signer, err := m.Signer()
	if err != nil {
		return err
	}
	if signer != oracle {
		return fmt.Errorf("%w: signer %s is not oracle %s", ErrBadSignature, signer.Hex(), oracle.Hex())
	}
	return nil
}
