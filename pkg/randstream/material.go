package randstream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// EntropyLen is the number of OS entropy bytes mixed into seed material
const EntropyLen = 16

// Material collects ordered seed components before they are hashed into a
// stream. Components are appended in call order; entropy, when requested, is
// always appended last.
type Material struct {
	buf     []byte
	entropy bool
	reader  io.Reader
}

// NewMaterial creates an empty seed material builder
func NewMaterial() *Material {
	return &Material{reader: rand.Reader}
}

// Bytes appends raw bytes
func (m *Material) Bytes(b []byte) *Material {
	m.buf = append(m.buf, b...)
	return m
}

// Text appends the UTF-8 encoding of s
func (m *Material) Text(s string) *Material {
	m.buf = append(m.buf, s...)
	return m
}

// Uints appends each value as 8 big-endian bytes
func (m *Material) Uints(vals ...uint64) *Material {
	for _, v := range vals {
		m.buf = binary.BigEndian.AppendUint64(m.buf, v)
	}
	return m
}

// WithEntropy mixes EntropyLen bytes from the OS random source into the seed
func (m *Material) WithEntropy() *Material {
	m.entropy = true
	return m
}

// WithEntropyReader overrides the entropy source (tests, deterministic replays)
func (m *Material) WithEntropyReader(r io.Reader) *Material {
	m.entropy = true
	m.reader = r
	return m
}

// Seed returns the concatenated seed material
func (m *Material) Seed() ([]byte, error) {
	out := make([]byte, len(m.buf), len(m.buf)+EntropyLen)
	copy(out, m.buf)
	if m.entropy {
		var extra [EntropyLen]byte
		if _, err := io.ReadFull(m.reader, extra[:]); err != nil {
			return nil, fmt.Errorf("read entropy: %w", err)
		}
		out = append(out, extra[:]...)
	}
	return out, nil
}

// Stream hashes the material into a fresh HashStream
func (m *Material) Stream() (*HashStream, error) {
	seed, err := m.Seed()
	if err != nil {
		return nil, err
	}
	return New(seed)
}

// FromComponents builds a stream from a heterogeneous component list. Supported
// component types are []byte, string, []uint64, []int and nil (skipped).
func FromComponents(entropy bool, parts ...any) (*HashStream, error) {
	m := NewMaterial()
	for i, p := range parts {
		switch v := p.(type) {
		case nil:
		case []byte:
			m.Bytes(v)
		case string:
			m.Text(v)
		case []uint64:
			m.Uints(v...)
		case []int:
			for _, n := range v {
				if n < 0 {
					return nil, fmt.Errorf("seed component %d: %w: %d", i, ErrNegativeComponent, n)
				}
				m.Uints(uint64(n))
			}
		default:
			return nil, fmt.Errorf("seed component %d: unsupported type %T", i, p)
		}
	}
	if entropy {
		m.WithEntropy()
	}
	return m.Stream()
}
