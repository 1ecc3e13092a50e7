package oracle

import (
	"context"
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulator is an in-process oracle for local runs and tests. It records
// submitted requests and produces signed fulfillments on demand.
type Simulator struct {
	key  *ecdsa.PrivateKey
	keys []common.Hash

	mu        sync.Mutex
	requests  []Request
	failNext  error
	onRequest func(Request)
}

// NewSimulator creates a simulator signing with key. A nil key generates
// a fresh one.
func NewSimulator(key *ecdsa.PrivateKey, keyHashes []common.Hash) (*Simulator, error) {
	if key == nil {
		var err error
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate oracle key: %w", err)
		}
	}
	keys := make([]common.Hash, len(keyHashes))
	copy(keys, keyHashes)
	return &Simulator{key: key, keys: keys}, nil
}

// Address is the oracle address fulfillments are signed with.
func (s *Simulator) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *Simulator) SigningKeys(_ context.Context) ([]common.Hash, error) {
	if len(s.keys) == 0 {
		return nil, ErrNoSigningKeys
	}
	return s.keys, nil
}

func (s *Simulator) SubmitRequest(_ context.Context, r Request) error {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	s.requests = append(s.requests, r)
	hook := s.onRequest
	s.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	return nil
}

// FailNext makes the next SubmitRequest return err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// OnRequest registers a hook run after every accepted request.
func (s *Simulator) OnRequest(fn func(Request)) {
	s.mu.Lock()
	s.onRequest = fn
	s.mu.Unlock()
}

// Requests returns the requests submitted so far.
func (s *Simulator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Fulfill signs a callback carrying the given words.
func (s *Simulator) Fulfill(id common.Hash, words ...int64) (FulfillmentMessage, error) {
	return SignFulfillment(s.key, id, EncodeWords(words...))
}

// FulfillRandom signs a callback carrying fresh random words.
func (s *Simulator) FulfillRandom(id common.Hash) (FulfillmentMessage, error) {
	words := make([]int64, NumWords)
	for i := range words {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return FulfillmentMessage{}, fmt.Errorf("read random word: %w", err)
		}
		words[i] = int64(binary.LittleEndian.Uint64(b[:]))
	}
	return s.Fulfill(id, words...)
}
