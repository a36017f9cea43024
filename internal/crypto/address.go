package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// PublicKeyLen is the length of an uncompressed public key without the 0x04 prefix (X || Y)
	PublicKeyLen = 64

	// AddressLen is the length of an Ethereum address in bytes
	AddressLen = 20
)

// Errors
var (
	ErrInvalidPublicKeyLength = errors.New("public key must be 64 bytes (X || Y) without prefix")
	ErrInvalidAddress         = errors.New("address must be 40 hex characters")
)

// ---- helpers ----

func keccak256Bytes(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return h.Sum(nil)
}

// PublicKeyToAddress derives the EIP-55 checksummed address of a 64-byte public key
func PublicKeyToAddress(pub []byte) (string, error) {
	return publicKeyToAddressWith(sha3.NewLegacyKeccak256(), pub)
}

// publicKeyToAddressWith reuses the provided hasher to avoid an allocation per key.
func publicKeyToAddressWith(hasher hash.Hash, pub []byte) (string, error) {
	if len(pub) != PublicKeyLen {
		return "", ErrInvalidPublicKeyLength
	}
	var sum [32]byte
	hasher.Reset()
	hasher.Write(pub)
	hasher.Sum(sum[:0])
	return toChecksumAddress(sum[32-AddressLen:]), nil
}

// ChecksumAddress applies EIP-55 casing to a hex address (with or without 0x).
// Applying it to an already checksummed address returns the same string.
func ChecksumAddress(addr string) (string, error) {
	h := strings.TrimSpace(addr)
	if len(h) >= 2 && (h[0:2] == "0x" || h[0:2] == "0X") {
		h = h[2:]
	}
	if len(h) != AddressLen*2 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidAddress, len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return toChecksumAddress(b), nil
}

// toChecksumAddress converts 20-byte address to EIP-55 checksummed string.
func toChecksumAddress(addr20 []byte) string {
	if len(addr20) != AddressLen {
		panic(errors.New("address must be 20 bytes"))
	}
	hexLower := hex.EncodeToString(addr20) // lowercase
	hash := keccak256Bytes([]byte(hexLower))

	var out strings.Builder
	out.Grow(2 + 40)
	out.WriteString("0x")
	for i := 0; i < len(hexLower); i++ {
		c := hexLower[i]
		if c >= '0' && c <= '9' {
			out.WriteByte(c)
			continue
		}
		// each nibble of the hash decides case of corresponding hex char
		n := (hash[i/2] >> uint(4*(1-i%2))) & 0xF
		if n >= 8 {
			out.WriteByte(c - 'a' + 'A')
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}
