package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "DiceLedger:genesis:v1"

// GenesisHash is the prev_hash of the first command in the log.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash is one link of the state hash chain:
// SHA-256(prev || sequence as 8 bytes LE || state digest).
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+8+len(stateDigest))
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)
	return sha256.Sum256(buf)
}

// StateHasher holds the tip of the chain over committed commands.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// ComputeHash links the next command onto the chain and returns its hash.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.tip = ChainHash(h.tip, sequence, stateDigest)
	return h.tip
}

// GetPrevHash returns the current tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash resets the tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
