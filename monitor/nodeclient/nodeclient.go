// Package nodeclient is the monitor's only connection to the outside
// world: a typed JSON-RPC client over the upstream Aura node, wrapped in a
// transport-retry-forever middleware. It is grounded on two sources: the
// JSON-RPC 2.0 envelope shapes in the pack's tolelom-tolchain `rpc` package
// (request/response/error struct shapes, `jsonrpc`/`id`/`result`/`error`
// fields), and the original monitor's `web3_retry_middleware.py`, whose
// endless-retry-on-transport-error behavior `call` below reproduces.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aura-tools/poa-monitor/common"
	"github.com/aura-tools/poa-monitor/crypto"
	"github.com/aura-tools/poa-monitor/log"
	"github.com/aura-tools/poa-monitor/monitor/blockcodec"
)

// ErrRPCFault is a semantic RPC error (impossible schema, application-level
// JSON-RPC error object) — surfaced to the caller per spec.md §7, unlike
// transport errors, which call retries forever.
var ErrRPCFault = errors.New("nodeclient: rpc fault")

// retryDelay is the fixed backoff between transport-error retries,
// matching web3_retry_middleware.py's _RETRY_SLEEP_DURATION. A var, not a
// const, so tests can shorten it.
var retryDelay = 5 * time.Second

// Client is a typed JSON-RPC 2.0 client for the subset of node RPC methods
// the monitor needs: block-by-number/hash, head number, and validator-set
// contract reads.
type Client struct {
	endpoint string
	http     *http.Client
	log      log.Logger
}

// New creates a Client against the node's JSON-RPC HTTP endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.New("module", "nodeclient"),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC request, retrying transport failures
// (connection refused, timeout, too-many-redirects, 5xx) forever with a
// fixed delay; a well-formed JSON-RPC error response is semantic and
// returned immediately as ErrRPCFault.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("nodeclient: encode params: %w", err)
	}
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: paramsJSON}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nodeclient: encode request: %w", err)
	}

	for {
		resp, err := c.doOnce(ctx, body)
		if err == nil {
			if resp.Error != nil {
				return fmt.Errorf("%w: %s (code %d)", ErrRPCFault, resp.Error.Message, resp.Error.Code)
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%w: decode result: %v", ErrRPCFault, err)
			}
			return nil
		}
		if !isTransportError(err) {
			return err
		}
		c.log.Warn("rpc request failed, retrying", "method", method, "err", err, "delay", retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, body []byte) (*rpcResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("nodeclient: server error: %s", httpResp.Status)
	}
	if httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("nodeclient: unexpected redirect/status: %s", httpResp.Status)
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRPCFault, err)
	}
	return &resp, nil
}

// isTransportError reports whether err is a connection/timeout/redirect
// class failure that call retries forever, as opposed to a semantic
// error (already wrapped in ErrRPCFault) that must surface immediately.
// doOnce only ever returns a bare error for connection/timeout/status
// failures, wrapping everything else in ErrRPCFault, so this is the only
// distinction that matters.
func isTransportError(err error) bool {
	return !errors.Is(err, ErrRPCFault)
}

// HeadNumber returns the current head block number via eth_blockNumber.
func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hex); err != nil {
		return 0, err
	}
	return parseQuantity(hex)
}

// BlockByNumber fetches and canonicalizes the block at number, or returns
// (nil, nil) if the node reports no block at that height (semantic "null
// block", not a transport error).
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*blockcodec.Header, error) {
	return c.getBlock(ctx, "eth_getBlockByNumber", fmt.Sprintf("0x%x", number))
}

// BlockByHash fetches and canonicalizes the block with the given hash.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*blockcodec.Header, error) {
	return c.getBlock(ctx, "eth_getBlockByHash", hash.Hex())
}

func (c *Client) getBlock(ctx context.Context, method, ident string) (*blockcodec.Header, error) {
	var raw *blockcodec.RawHeader
	if err := c.call(ctx, method, []interface{}{ident, false}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return blockcodec.Canonicalize(raw)
}

// EpochStartHeights calls the validator-set contract's
// getEpochStartHeights() via eth_call and returns the decoded heights.
func (c *Client) EpochStartHeights(ctx context.Context, contract common.Address) ([]uint64, error) {
	result, err := c.ethCall(ctx, contract, encodeCallNoArgs("getEpochStartHeights()"))
	if err != nil {
		return nil, err
	}
	words, err := decodeDynamicArray(result)
	if err != nil {
		return nil, fmt.Errorf("%w: epoch start heights: %v", ErrRPCFault, err)
	}
	heights := make([]uint64, len(words))
	for i, w := range words {
		heights[i] = wordToUint64(w)
	}
	return heights, nil
}

// ValidatorsAt calls the validator-set contract's getValidators(height) via
// eth_call.
func (c *Client) ValidatorsAt(ctx context.Context, contract common.Address, height uint64) ([]common.Address, error) {
	result, err := c.ethCall(ctx, contract, encodeCallUint256("getValidators(uint256)", height))
	if err != nil {
		return nil, err
	}
	words, err := decodeDynamicArray(result)
	if err != nil {
		return nil, fmt.Errorf("%w: validators: %v", ErrRPCFault, err)
	}
	validators := make([]common.Address, len(words))
	for i, w := range words {
		validators[i] = common.BytesToAddress(w[12:])
	}
	return validators, nil
}

// ethCall issues an eth_call against contract's code at the "latest" block,
// returning the raw (non-0x-prefixed) return data.
func (c *Client) ethCall(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	var hexResult string
	callArgs := map[string]string{"to": contract.Hex(), "data": "0x" + common.Bytes2Hex(data)}
	if err := c.call(ctx, "eth_call", []interface{}{callArgs, "latest"}, &hexResult); err != nil {
		return nil, err
	}
	return common.FromHex(hexResult), nil
}

const abiWordLen = 32

// encodeCallNoArgs builds eth_call data for a zero-argument function: the
// 4-byte Keccak-256 selector alone.
func encodeCallNoArgs(signature string) []byte {
	return selector(signature)
}

// encodeCallUint256 builds eth_call data for a function taking a single
// uint256 argument, left-padded to a 32-byte ABI word.
func encodeCallUint256(signature string, arg uint64) []byte {
	data := make([]byte, 4+abiWordLen)
	copy(data, selector(signature))
	var argBytes [8]byte
	for i := 0; i < 8; i++ {
		argBytes[7-i] = byte(arg >> (8 * i))
	}
	copy(data[4+abiWordLen-8:], argBytes[:])
	return data
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// decodeDynamicArray decodes a Solidity ABI-encoded dynamic array return
// value (the standard head/tail layout: a 32-byte offset word, then at that
// offset a 32-byte length word followed by length 32-byte element words)
// and returns the raw element words, each left-padded to 32 bytes.
func decodeDynamicArray(data []byte) ([][]byte, error) {
	if len(data) < abiWordLen {
		return nil, fmt.Errorf("short abi return: %d bytes", len(data))
	}
	offset := wordToUint64(data[:abiWordLen])
	if offset+abiWordLen > uint64(len(data)) {
		return nil, fmt.Errorf("abi offset %d out of range", offset)
	}
	lengthWord := data[offset : offset+abiWordLen]
	length := wordToUint64(lengthWord)
	start := offset + abiWordLen
	words := make([][]byte, length)
	for i := uint64(0); i < length; i++ {
		lo := start + i*abiWordLen
		hi := lo + abiWordLen
		if hi > uint64(len(data)) {
			return nil, fmt.Errorf("abi array element %d out of range", i)
		}
		words[i] = data[lo:hi]
	}
	return words, nil
}

func wordToUint64(word []byte) uint64 {
	var n uint64
	for _, b := range word[len(word)-8:] {
		n = n<<8 | uint64(b)
	}
	return n
}

func parseQuantity(hex string) (uint64, error) {
	b := common.FromHex(hex)
	if b == nil {
		return 0, fmt.Errorf("malformed quantity %q", hex)
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}
