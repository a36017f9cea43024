package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/screa/coin-finder/pkg/types"
)

const (
	// MethodGetBalance is the only method the scanner issues
	MethodGetBalance = "eth_getBalance"

	// DefaultBlockTag queries the latest block
	DefaultBlockTag = "latest"

	codeInvalidParams = -32602
)

// BalanceClient issues batched eth_getBalance lookups.
type BalanceClient struct {
	client *Client
	tag    string
}

// NewBalanceClient wraps a batching client; an empty tag means "latest"
func NewBalanceClient(client *Client, tag string) *BalanceClient {
	if tag == "" {
		tag = DefaultBlockTag
	}
	return &BalanceClient{client: client, tag: tag}
}

// GetBalances returns one result per address, in input order. Failures of a
// single lookup are reported in that result's Err; only a failure of the batch
// call itself is returned as an error.
func (b *BalanceClient) GetBalances(ctx context.Context, addresses []string) ([]types.BalanceResult, time.Duration, error) {
	if len(addresses) == 0 {
		return []types.BalanceResult{}, 0, nil
	}

	results := make([]types.BalanceResult, len(addresses))
	reqs := make([]Request, 0, len(addresses))
	slots := make([]int, 0, len(addresses))
	for i, addr := range addresses {
		results[i].Address = addr
		if !common.IsHexAddress(addr) {
			results[i].Err = &Error{Code: codeInvalidParams, Message: fmt.Sprintf("invalid address %q", addr)}
			continue
		}
		reqs = append(reqs, Request{
			Method: MethodGetBalance,
			Params: []any{addr, b.tag},
			ID:     b.client.NextID(),
		})
		slots = append(slots, i)
	}

	responses, latency, err := b.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, 0, err
	}

	for j, resp := range responses {
		r := &results[slots[j]]
		if resp.Error != nil {
			r.Err = resp.Error
			continue
		}
		balance, err := parseQuantity(resp.Result)
		if err != nil {
			r.Err = fmt.Errorf("decode balance for %s: %w", r.Address, err)
			continue
		}
		r.Balance = balance
	}
	return results, latency, nil
}

// parseQuantity decodes a hex quantity string; null or absent means zero.
func parseQuantity(raw json.RawMessage) (*uint256.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return new(uint256.Int), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" || s == "0x" || s == "0x0" {
		return new(uint256.Int), nil
	}
	return uint256.FromHex(s)
}
