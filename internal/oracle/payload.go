package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedPayload = errors.New("oracle: malformed fulfillment payload")

// EncodeHashList encodes values as HashList { repeated Hash data = 1 }
// with Hash { bytes value = 1 }.
func EncodeHashList(values [][]byte) []byte {
	var b []byte
	for _, v := range values {
		var h []byte
		h = protowire.AppendTag(h, 1, protowire.BytesType)
		h = protowire.AppendBytes(h, v)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	return b
}

// ParseHashList decodes a HashList payload. Unknown fields are skipped.
func ParseHashList(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
		value, err := parseHash(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

func parseHash(b []byte) ([]byte, error) {
	var value []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(m))
			}
			value = v
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return value, nil
}

// RandomWords extracts the random words of a fulfillment. Each word is the
// little-endian signed integer of the first 8 bytes of a hash.
func RandomWords(payload []byte) ([]int64, error) {
	hashes, err := ParseHashList(payload)
	if err != nil {
		return nil, err
	}
	if int64(len(hashes)) < NumWords {
		return nil, fmt.Errorf("%w: got %d words, need %d", ErrMalformedPayload, len(hashes), NumWords)
	}
	words := make([]int64, 0, len(hashes))
	for i, h := range hashes {
		if len(h) < 8 {
			return nil, fmt.Errorf("%w: word %d has %d bytes", ErrMalformedPayload, i, len(h))
		}
		words = append(words, int64(binary.LittleEndian.Uint64(h[:8])))
	}
	return words, nil
}

// WordHash returns a 32-byte hash whose word value is w.
func WordHash(w int64) common.Hash {
	var h common.Hash
	binary.LittleEndian.PutUint64(h[:8], uint64(w))
	return h
}

// EncodeWords builds a fulfillment payload carrying words.
func EncodeWords(words ...int64) []byte {
	values := make([][]byte, len(words))
	for i, w := range words {
		h := WordHash(w)
		values[i] = h.Bytes()
	}
	return EncodeHashList(values)
}

// DeriveDie maps a random word to a face in [1,6].
func DeriveDie(w int64) int32 {
	d := w % 6
	if d < 0 {
		d = -d
	}
	return int32(d) + 1
}
