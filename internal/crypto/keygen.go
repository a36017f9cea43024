package crypto

import (
	"fmt"
	"hash"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/screa/coin-finder/pkg/randstream"
)

const scalarLen = 32

// KeyMaterial is the public half of a generated key. The private scalar it was
// derived from is never kept.
type KeyMaterial struct {
	PublicKey [PublicKeyLen]byte
	Address   string
	// Draws is how many 32-byte samples rejection sampling consumed (>= 1)
	Draws int
}

// CurveOrder returns the secp256k1 group order N
func CurveOrder() *big.Int {
	return new(big.Int).Set(secp256k1.S256().Params().N)
}

// Generator derives key material from a byte source. It reuses one keccak
// hasher and is therefore not safe for concurrent use.
type Generator struct {
	hasher hash.Hash
}

// NewGenerator creates a new key generator
func NewGenerator() *Generator {
	return &Generator{hasher: sha3.NewLegacyKeccak256()}
}

// GenerateKeyMaterial draws one candidate key from src using a throwaway generator
func GenerateKeyMaterial(src randstream.ByteSource) (*KeyMaterial, error) {
	return NewGenerator().Generate(src)
}

// Generate samples a scalar in [1, N-1], multiplies it onto the curve and
// returns the resulting public key and address
func (g *Generator) Generate(src randstream.ByteSource) (*KeyMaterial, error) {
	var k secp256k1.ModNScalar
	draws, err := sampleScalar(src, &k)
	if err != nil {
		return nil, err
	}

	priv := secp256k1.NewPrivateKey(&k)
	k.Zero()
	uncompressed := priv.PubKey().SerializeUncompressed()
	priv.Zero()

	if len(uncompressed) != PublicKeyLen+1 {
		return nil, ErrInvalidPublicKeyLength
	}

	km := &KeyMaterial{Draws: draws}
	copy(km.PublicKey[:], uncompressed[1:])
	km.Address, err = publicKeyToAddressWith(g.hasher, km.PublicKey[:])
	if err != nil {
		return nil, err
	}
	return km, nil
}

// sampleScalar rejects zero and any value >= N
func sampleScalar(src randstream.ByteSource, k *secp256k1.ModNScalar) (int, error) {
	for draws := 1; ; draws++ {
		b, err := src.GetBytes(scalarLen)
		if err != nil {
			return draws, fmt.Errorf("draw scalar: %w", err)
		}
		if len(b) != scalarLen {
			return draws, fmt.Errorf("draw scalar: got %d bytes, want %d", len(b), scalarLen)
		}
		overflow := k.SetByteSlice(b)
		clear(b)
		if !overflow && !k.IsZero() {
			return draws, nil
		}
	}
}
