package randstream

import (
	"encoding/binary"
	"errors"
	"hash"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Errors
var (
	ErrInvalidSeed   = errors.New("seed material must not be empty")
	ErrInvalidLength = errors.New("requested length must be positive")

	ErrNegativeComponent = errors.New("integer seed components must not be negative")
)

const (
	// BlockSize is the number of bytes produced per counter value
	BlockSize = 32

	counterLen = 16
)

// ByteSource is anything that can hand out pseudorandom bytes on demand.
type ByteSource interface {
	GetBytes(n int) ([]byte, error)
}

// HashStream is a SHA3-256 counter-mode byte generator. It is not safe for
// concurrent use; each batch owns its own instance.
type HashStream struct {
	root    [BlockSize]byte
	counter uint64
	hasher  hash.Hash

	// Pre-allocated input buffer: root (32) + big-endian counter (16)
	input [BlockSize + counterLen]byte
}

// New creates a stream whose state is derived from the given seed material
func New(seed []byte) (*HashStream, error) {
	if len(seed) == 0 {
		return nil, ErrInvalidSeed
	}
	s := &HashStream{hasher: sha3.New256()}
	s.hasher.Write(seed)
	s.hasher.Sum(s.root[:0])
	copy(s.input[:BlockSize], s.root[:])
	return s, nil
}

// Counter returns the index of the next block to be produced
func (s *HashStream) Counter() uint64 {
	return s.counter
}

// nextBlock appends Hash(root || BE128(counter)) to dst and advances the counter
func (s *HashStream) nextBlock(dst []byte) []byte {
	// High 8 bytes of the 128-bit counter stay zero
	binary.BigEndian.PutUint64(s.input[BlockSize+8:], s.counter)
	s.counter++

	s.hasher.Reset()
	s.hasher.Write(s.input[:])
	return s.hasher.Sum(dst)
}

// GetBytes returns the next n bytes of the stream. Any unused tail of the last
// block is dropped, so no bytes are ever handed out twice.
func (s *HashStream) GetBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	blocks := (n + BlockSize - 1) / BlockSize
	out := make([]byte, 0, blocks*BlockSize)
	for len(out) < n {
		out = s.nextBlock(out)
	}
	return out[:n], nil
}

// GetUint draws ceil(bits/8) bytes, reads them big-endian and masks the result
// to the requested bit width
func (s *HashStream) GetUint(bits int) (*big.Int, error) {
	if bits <= 0 {
		return nil, ErrInvalidLength
	}
	b, err := s.GetBytes((bits + 7) / 8)
	if err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(b)
	mask := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	mask.Sub(mask, big.NewInt(1))
	return v.And(v, mask), nil
}
