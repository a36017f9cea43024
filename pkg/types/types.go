package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimal places between wei and ether
const EtherDecimals = 18

// KeyCandidate is a generated address that has not been checked yet
type KeyCandidate struct {
	Address        string // EIP-55 checksummed
	PublicKey      []byte // 64 bytes, X || Y
	WorkerID       int
	BatchID        uint64
	Index          int
	SeedDescriptor string // "<seed>:<worker>:<batch>:<timestamp ns>"
	GeneratedAt    time.Time
}

// PublicKeyHex returns the public key as lowercase hex without prefix
func (c *KeyCandidate) PublicKeyHex() string {
	return hex.EncodeToString(c.PublicKey)
}

// SeedDescriptor renders how a batch stream was seeded so a hit can be audited later
func SeedDescriptor(baseSeed string, workerID int, batchID uint64, timestampNs int64) string {
	return fmt.Sprintf("%s:%d:%d:%d", baseSeed, workerID, batchID, timestampNs)
}

// BalanceResult is the balance lookup outcome for one address
type BalanceResult struct {
	Address string
	Balance *uint256.Int // wei, never nil on success
	Err     error
}

// HasBalance reports whether the lookup succeeded with a strictly positive balance
func (r *BalanceResult) HasBalance() bool {
	return r.Err == nil && r.Balance != nil && !r.Balance.IsZero()
}

// HitRecord is a candidate found holding funds. It is never modified after creation.
type HitRecord struct {
	Address        string
	PublicKeyHex   string
	BalanceWei     *uint256.Int
	BalanceEth     string
	WorkerID       int
	BatchID        uint64
	Index          int
	Provider       string
	SeedDescriptor string
	DetectedAt     time.Time
}

// NewHitRecord builds a hit from a candidate and its positive balance
func NewHitRecord(c *KeyCandidate, balance *uint256.Int, provider string, detectedAt time.Time) HitRecord {
	wei := new(uint256.Int).Set(balance)
	return HitRecord{
		Address:        c.Address,
		PublicKeyHex:   c.PublicKeyHex(),
		BalanceWei:     wei,
		BalanceEth:     FormatEther(wei),
		WorkerID:       c.WorkerID,
		BatchID:        c.BatchID,
		Index:          c.Index,
		Provider:       provider,
		SeedDescriptor: c.SeedDescriptor,
		DetectedAt:     detectedAt.UTC(),
	}
}

// DetectedAtISO returns the detection time as ISO-8601 UTC
func (h *HitRecord) DetectedAtISO() string {
	return h.DetectedAt.UTC().Format(time.RFC3339Nano)
}

// FormatEther renders a wei amount in ether with exactly 18 decimal places
func FormatEther(wei *uint256.Int) string {
	return decimal.NewFromBigInt(wei.ToBig(), -EtherDecimals).StringFixed(EtherDecimals)
}

// BatchEvent summarises one worker batch for the statistics store
type BatchEvent struct {
	KeysGenerated int
	RequestsMade  int
	Hits          int
	Errors        int
	BatchDuration time.Duration
	RPCLatency    time.Duration
	LastHit       string // empty when the batch had no hit
}
