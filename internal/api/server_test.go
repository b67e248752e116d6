package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/chain"
	"bundler/internal/chain/chaintest"
	"bundler/internal/config"
	"bundler/internal/entrypoint"
	"bundler/internal/executor"
	"bundler/internal/relayer"
	"bundler/internal/store"
	"bundler/internal/userop"
)

const sepolia = uint64(11155111)

const opJSON = `{
	"sender": "0x1111111111111111111111111111111111111111",
	"nonce": "0x0",
	"initCode": "0x",
	"callData": "0xb61d27f6",
	"callGasLimit": "0x186a0",
	"verificationGasLimit": "0x30d40",
	"preVerificationGas": "0xc350",
	"maxFeePerGas": "0x77359400",
	"maxPriorityFeePerGas": "0x3b9aca00",
	"paymasterAndData": "0x",
	"signature": "0xdeadbeef"
}`

type fakeSender struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (f *fakeSender) SendTransaction(_ context.Context, op entrypoint.UserOperation, opHash string, chainID uint64) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, opHash)
	if f.err != nil {
		return nil, f.err
	}
	return &executor.Result{
		TransactionHash: "0xabc",
		ExplorerLink:    "https://sepolia.etherscan.io/tx/0xabc",
		UserOpHash:      opHash,
	}, nil
}

type fakeRelayers struct{}

func (fakeRelayers) Snapshot() []relayer.Status {
	return []relayer.Status{{ID: 1, Name: "Relayer 1", Address: "0x01"}}
}

type testServer struct {
	srv     *Server
	sender  *fakeSender
	journal *store.Memory
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{EntryPoint: config.DefaultEntryPoint}
	if mutate != nil {
		mutate(cfg)
	}
	reg := chain.NewRegistry(&chain.Chain{ID: sepolia, Name: "sepolia", Client: chaintest.New(sepolia), ExplorerURL: "https://sepolia.etherscan.io"})
	cache, err := NewReceiptCache(context.Background(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	sender := &fakeSender{}
	journal := store.NewMemory()
	srv := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), sender, reg, fakeRelayers{}, journal, cache)
	return &testServer{srv: srv, sender: sender, journal: journal, handler: srv.Handler()}
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (ts *testServer) call(t *testing.T, path, body string, headers ...string) (int, rpcReply, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var reply rpcReply
	var raw map[string]json.RawMessage
	if rec.Code != http.StatusUnauthorized {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	}
	return rec.Code, reply, raw
}

func sendBody(params string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"eth_sendUserOperation","params":%s}`, params)
}

func TestSendUserOperationComputesHash(t *testing.T) {
	ts := newTestServer(t, nil)
	code, reply, raw := ts.call(t, "/api/v1/11155111", sendBody(`{"userOperation":`+opJSON+`}`))
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, reply.Error)
	require.Equal(t, "7", string(reply.ID))

	var op userop.UserOperation
	require.NoError(t, json.Unmarshal([]byte(opJSON), &op))
	abiOp, err := op.ToEntryPoint()
	require.NoError(t, err)
	want, err := userop.Hash(abiOp, common.HexToAddress(config.DefaultEntryPoint), new(big.Int).SetUint64(sepolia))
	require.NoError(t, err)
	require.Equal(t, []string{want.Hex()}, ts.sender.hashes)

	var result map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, `"0xabc"`, string(result["transactionHash"]))
	assert.Equal(t, "null", string(result["transactionReceipt"]))
	_, hasError := raw["error"]
	assert.False(t, hasError)
}

func TestSendUserOperationUsesClientHash(t *testing.T) {
	ts := newTestServer(t, nil)
	hash := "0x" + strings.Repeat("ab", 32)
	code, _, _ := ts.call(t, "/api/v1/11155111", sendBody(`{"userOperation":`+opJSON+`,"userOpHash":"`+hash+`"}`))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []string{hash}, ts.sender.hashes)
}

func TestSendUserOperationArrayParams(t *testing.T) {
	ts := newTestServer(t, nil)
	code, reply, _ := ts.call(t, "/api/v1/11155111", sendBody(`[`+opJSON+`,"`+strings.ToLower(config.DefaultEntryPoint)+`"]`))
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, reply.Error)
	require.Len(t, ts.sender.hashes, 1)

	code, reply, _ = ts.call(t, "/api/v1/11155111", sendBody(`[`+opJSON+`,"0x0000000000000000000000000000000000000001"]`))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, CodeInvalidParams, reply.Error.Code)
}

func TestRPCErrors(t *testing.T) {
	badOp := strings.Replace(opJSON, `"0x1111111111111111111111111111111111111111"`, `"0x1234"`, 1)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   int
		id     string
	}{
		{"malformed json", "/api/v1/11155111", `{`, http.StatusBadRequest, CodeInvalidRequest, "null"},
		{"wrong version", "/api/v1/11155111", `{"jsonrpc":"1.0","id":1,"method":"eth_chainId","params":[]}`, http.StatusBadRequest, CodeInvalidRequest, "1"},
		{"scalar params", "/api/v1/11155111", `{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":5}`, http.StatusBadRequest, CodeInvalidParams, "1"},
		{"unknown chain", "/api/v1/1", `{"jsonrpc":"2.0","id":2,"method":"eth_chainId","params":[]}`, http.StatusBadRequest, CodeChainUnsupported, "2"},
		{"unknown method", "/api/v1/11155111", `{"jsonrpc":"2.0","id":3,"method":"eth_foo","params":[]}`, http.StatusBadRequest, CodeMethodNotFound, "3"},
		{"bad sender", "/api/v1/11155111", sendBody(`{"userOperation":` + badOp + `}`), http.StatusBadRequest, CodeInvalidParams, "7"},
		{"missing op", "/api/v1/11155111", sendBody(`{}`), http.StatusBadRequest, CodeInvalidParams, "7"},
		{"bad hash", "/api/v1/11155111", sendBody(`{"userOperation":` + opJSON + `,"userOpHash":"0x12"}`), http.StatusBadRequest, CodeInvalidParams, "7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			code, reply, _ := ts.call(t, tc.path, tc.body)
			require.Equal(t, tc.status, code)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tc.code, reply.Error.Code)
			assert.Equal(t, tc.id, string(reply.ID))
			assert.Equal(t, "2.0", reply.JSONRPC)
		})
	}
}

func TestSenderErrorsMapToCodes(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    int
		message string
	}{
		{"unavailable", executor.ErrRelayerUnavailable, http.StatusBadRequest, CodeRelayerUnavailable, ""},
		{"reverted", &executor.RevertedError{Message: "AA21 didn't pay prefund"}, http.StatusBadRequest, CodeReverted, "Transaction reverted: AA21 didn't pay prefund"},
		{"internal", fmt.Errorf("mark: %w", relayer.ErrRelayerNotFound), http.StatusInternalServerError, CodeInternal, "Internal Server Error"},
		{"opaque", errors.New("boom"), http.StatusInternalServerError, CodeInternal, "Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.sender.err = tc.err
			code, reply, _ := ts.call(t, "/api/v1/11155111", sendBody(`{"userOperation":`+opJSON+`}`))
			require.Equal(t, tc.status, code)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tc.code, reply.Error.Code)
			if tc.message != "" {
				assert.Equal(t, tc.message, reply.Error.Message)
			}
		})
	}
}

func TestChainIDAndEntryPoints(t *testing.T) {
	ts := newTestServer(t, nil)
	code, reply, _ := ts.call(t, "/api/v1/11155111", `{"jsonrpc":"2.0","id":"a","method":"eth_chainId","params":[]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, `"0xaa36a7"`, string(reply.Result))
	assert.Equal(t, `"a"`, string(reply.ID))

	_, reply, _ = ts.call(t, "/api/v1/11155111", `{"jsonrpc":"2.0","id":1,"method":"eth_supportedEntryPoints","params":[]}`)
	assert.JSONEq(t, `["`+config.DefaultEntryPoint+`"]`, string(reply.Result))
}

func TestGetUserOperationReceipt(t *testing.T) {
	ts := newTestServer(t, nil)
	hash := "0x" + strings.Repeat("cd", 32)
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationReceipt","params":["` + hash + `"]}`

	code, reply, raw := ts.call(t, "/api/v1/11155111", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "null", string(reply.Result))
	_, hasResult := raw["result"]
	assert.True(t, hasResult)

	txHash := common.HexToHash("0x01")
	require.NoError(t, ts.journal.Append(store.Attempt{
		UserOpHash: hash,
		ChainID:    sepolia,
		RelayerID:  1,
		TxHash:     txHash.Hex(),
		Outcome:    store.OutcomeConfirmed,
		Receipt:    `{"status":"success"}`,
	}))
	_, reply, _ = ts.call(t, "/api/v1/11155111", body)
	var got ReceiptResult
	require.NoError(t, json.Unmarshal(reply.Result, &got))
	assert.Equal(t, txHash.Hex(), got.TransactionHash)
	require.NotNil(t, got.TransactionReceipt)
	assert.Equal(t, `{"status":"success"}`, *got.TransactionReceipt)
	assert.Equal(t, "https://sepolia.etherscan.io/tx/"+txHash.Hex(), got.ExplorerLink)

	cached, err := ts.srv.receipts.Get(receiptKey(sepolia, hash))
	require.NoError(t, err)
	assert.Contains(t, string(cached), txHash.Hex())
}

func TestAuthStaticToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.API.AuthToken = "secret" })
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]}`

	code, _, _ := ts.call(t, "/api/v1/11155111", body)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _, _ = ts.call(t, "/api/v1/11155111", body, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, code)
	code, _, _ = ts.call(t, "/api/v1/11155111", body, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, code)
	code, _, _ = ts.call(t, "/api/v1/11155111", body, "X-API-Key", "nope")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthJWT(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.srv.jwtSecret = []byte("jwt-secret")
	ts.handler = ts.srv.Handler()
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]}`

	sign := func(secret string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	code, _, _ := ts.call(t, "/api/v1/11155111", body, "Authorization", "Bearer "+sign("jwt-secret", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, code)
	code, _, _ = ts.call(t, "/api/v1/11155111", body, "Authorization", "Bearer "+sign("other", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _, _ = ts.call(t, "/api/v1/11155111", body, "Authorization", "Bearer "+sign("jwt-secret", time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestHealthAndRelayers(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relayers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Relayer 1"`)
}
