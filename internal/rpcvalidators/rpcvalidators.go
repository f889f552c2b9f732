// Package rpcvalidators implements engine.ValidatorSetQuery against an
// execution client's JSON-RPC endpoint, grounded in the original
// clayer consensus crate's HttpJsonRpc (engine_api/http_blocking.rs):
// the same jsonrpc/method/params/id envelope, POST over HTTP, and
// result/error discrimination, translated from a blocking reqwest
// client to Go's net/http with context cancellation. No HTTP client
// library appears anywhere in the example corpus, so net/http is used
// directly rather than importing one solely for this.
package rpcvalidators

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianchain/pbft/internal/engine"
	"github.com/meridianchain/pbft/internal/pbft"
)

const jsonrpcVersion = "2.0"

type jsonRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonError      `json:"error"`
}

// Query implements engine.ValidatorSetQuery by eth_call-ing the
// validator set contract.
type Query struct {
	url    string
	client *http.Client
}

// New builds a Query against the execution client at url.
func New(url string) *Query {
	return &Query{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

var _ engine.ValidatorSetQuery = (*Query)(nil)

// QueryValidators calls eth_call against contractAddress at
// blockNumber and assembles the returned 32-byte halves into PeerIds
// (§6).
func (q *Query) QueryValidators(ctx context.Context, contractAddress string, blockNumber pbft.SeqNum) ([]pbft.PeerId, error) {
	callObj := map[string]interface{}{
		"to": contractAddress,
	}
	blockTag := fmt.Sprintf("0x%x", uint64(blockNumber))

	raw, err := q.call(ctx, "eth_call", []interface{}{callObj, blockTag})
	if err != nil {
		return nil, err
	}

	var hexResult string
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return nil, fmt.Errorf("decoding eth_call result: %w", err)
	}

	halves, err := decodeHalves(hexResult)
	if err != nil {
		return nil, err
	}
	return engine.AssemblePeerIDs(halves)
}

func (q *Query) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(jsonRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("encoding json-rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building json-rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("json-rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("json-rpc endpoint returned status %d", resp.StatusCode)
	}

	var body jsonResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding json-rpc response: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("json-rpc error %d: %s", body.Error.Code, body.Error.Message)
	}
	return body.Result, nil
}

// decodeHalves splits a 0x-prefixed hex blob into consecutive 32-byte
// halves.
func decodeHalves(hexStr string) ([][32]byte, error) {
	if len(hexStr) >= 2 && hexStr[:2] == "0x" {
		hexStr = hexStr[2:]
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("decoding hex result: %w", err)
	}
	if len(raw)%32 != 0 {
		return nil, fmt.Errorf("eth_call result length %d is not a multiple of 32", len(raw))
	}
	halves := make([][32]byte, 0, len(raw)/32)
	for i := 0; i < len(raw); i += 32 {
		var half [32]byte
		copy(half[:], raw[i:i+32])
		halves = append(halves, half)
	}
	return halves, nil
}
