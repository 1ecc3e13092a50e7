package oracle

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Fixed parameters of every randomness request.
const (
	RequestTypeIndex     int32 = 2
	NumWords             int64 = 2
	RequestConfirmations int32 = 1
)

// SpecificData is the randomness-specific part of a request.
type SpecificData struct {
	KeyHash              common.Hash
	NumWords             int64
	RequestConfirmations int32
}

// Marshal encodes the data as protobuf fields
// key_hash=1 (bytes), num_words=2 (int64), request_confirmations=3 (int32).
func (d SpecificData) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, d.KeyHash.Bytes())
	if d.NumWords != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.NumWords))
	}
	if d.RequestConfirmations != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(d.RequestConfirmations)))
	}
	return b
}

// Request is a randomness request submitted to the oracle.
type Request struct {
	CorrelationID    common.Hash
	SubscriptionID   int64
	RequestTypeIndex int32
	SpecificData     []byte
	KeyHash          common.Hash
}

// NewRequest builds the request for a bet. The correlation id is filled in
// by the caller once derived.
func NewRequest(subscriptionID int64, keyHash common.Hash) Request {
	data := SpecificData{
		KeyHash:              keyHash,
		NumWords:             NumWords,
		RequestConfirmations: RequestConfirmations,
	}
	return Request{
		SubscriptionID:   subscriptionID,
		RequestTypeIndex: RequestTypeIndex,
		SpecificData:     data.Marshal(),
		KeyHash:          keyHash,
	}
}

// MarshalUnsigned encodes the request fields that feed the correlation id:
// subscription_id=1, request_type_index=2, specific_data=3.
func (r Request) MarshalUnsigned() []byte {
	var b []byte
	if r.SubscriptionID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.SubscriptionID))
	}
	if r.RequestTypeIndex != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(r.RequestTypeIndex)))
	}
	if len(r.SpecificData) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SpecificData)
	}
	return b
}

var deterministic = proto.MarshalOptions{Deterministic: true}

// CorrelationID derives the request id from the block time, the transaction
// origin and the request:
//
//	H( H( H(time) || H(origin) ) || H(request) )
func CorrelationID(blockTime time.Time, origin common.Address, r Request) (common.Hash, error) {
	ts, err := deterministic.Marshal(timestamppb.New(blockTime))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode block time: %w", err)
	}
	org, err := deterministic.Marshal(wrapperspb.Bytes(origin.Bytes()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode origin: %w", err)
	}

	tsHash := sha256.Sum256(ts)
	orgHash := sha256.Sum256(org)
	seed := sha256.Sum256(append(tsHash[:], orgHash[:]...))
	reqHash := sha256.Sum256(r.MarshalUnsigned())

	return common.Hash(sha256.Sum256(append(seed[:], reqHash[:]...))), nil
}
