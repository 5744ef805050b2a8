package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-tools/poa-monitor/common"
)

func jsonRPCServer(t *testing.T, handle func(method string, params json.RawMessage) interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := handle(req.Method, req.Params)
		require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustMarshal(t, result)}))
	}))
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHeadNumber(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) interface{} {
		require.Equal(t, "eth_blockNumber", method)
		return "0x2a"
	})
	defer srv.Close()

	c := New(srv.URL)
	n, err := c.HeadNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestBlockByNumberReturnsNilOnNullBlock(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) interface{} {
		return nil
	})
	defer srv.Close()

	c := New(srv.URL)
	h, err := c.BlockByNumber(context.Background(), 99)
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestCallSurfacesRPCFaultImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32000, Message: "boom"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.HeadNumber(context.Background())
	require.ErrorIs(t, err, ErrRPCFault)
}

func TestCallRetriesTransportErrorsForever(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustMarshal(t, "0x1")})
	}))
	defer srv.Close()

	orig := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = orig }()

	c := New(srv.URL)
	n, err := c.HeadNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	require.True(t, attempts >= 3)
}

func TestEpochStartHeightsDecodesABIArray(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) interface{} {
		require.Equal(t, "eth_call", method)
		return "0x" +
			"0000000000000000000000000000000000000000000000000000000000000020" +
			"0000000000000000000000000000000000000000000000000000000000000002" +
			"0000000000000000000000000000000000000000000000000000000000000000" +
			"0000000000000000000000000000000000000000000000000000000000000064"
	})
	defer srv.Close()

	c := New(srv.URL)
	heights, err := c.EpochStartHeights(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 100}, heights)
}

func TestValidatorsAtDecodesABIAddressArray(t *testing.T) {
	contract := common.HexToAddress("0x2222222222222222222222222222222222222222")
	v1 := common.HexToAddress("0x0000000000000000000000000000000000aaaa")
	v2 := common.HexToAddress("0x0000000000000000000000000000000000bbbb")

	srv := jsonRPCServer(t, func(method string, params json.RawMessage) interface{} {
		word := func(addr common.Address) string {
			return "000000000000000000000000" + addr.Hex()[2:]
		}
		return "0x" +
			"0000000000000000000000000000000000000000000000000000000000000020" +
			"0000000000000000000000000000000000000000000000000000000000000002" +
			word(v1) +
			word(v2)
	})
	defer srv.Close()

	c := New(srv.URL)
	validators, err := c.ValidatorsAt(context.Background(), contract, 50)
	require.NoError(t, err)
	require.Equal(t, []common.Address{v1, v2}, validators)
}
