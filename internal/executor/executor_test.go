package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundler/internal/chain"
	"bundler/internal/chain/chaintest"
	"bundler/internal/entrypoint"
	"bundler/internal/keys"
	"bundler/internal/relayer"
	"bundler/internal/store"
)

const sepolia = uint64(11155111)

type harness struct {
	client  *chaintest.Client
	pool    *relayer.Pool
	journal *store.Memory
	exec    *Executor
	signers []*keys.Signer
}

func newHarness(t *testing.T, relayers int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := chaintest.New(sepolia)
	reg := chain.NewRegistry(&chain.Chain{ID: sepolia, Name: "sepolia", Client: client, ExplorerURL: "https://sepolia.etherscan.io"})

	pool := relayer.NewPool(relayer.Config{
		ChainIDs:       []uint64{sepolia},
		MinBalance:     big.NewInt(10_000_000_000_000_000),
		BalanceTimeout: time.Second,
	}, reg, logger)

	h := &harness{client: client, pool: pool, journal: store.NewMemory()}
	specs := make([]relayer.Spec, 0, relayers)
	for i := 1; i <= relayers; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		s, err := keys.NewSigner(key)
		require.NoError(t, err)
		client.SetBalance(s.Address(), big.NewInt(1_000_000_000_000_000_000))
		h.signers = append(h.signers, s)
		specs = append(specs, relayer.Spec{ID: uint64(i), Signer: s})
	}
	pool.Initialize(specs)

	h.exec = New(Config{
		AdmissionAttempts:   3,
		AdmissionInterval:   5 * time.Millisecond,
		ReceiptTimeout:      200 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
	}, pool, reg, entrypoint.NewGateway(entrypoint.DefaultAddress), WithJournal(h.journal), WithLogger(logger))
	return h
}

func sampleOp() entrypoint.UserOperation {
	return entrypoint.UserOperation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
}

const opHash = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func (h *harness) chainState(t *testing.T, relayerID uint64) relayer.ChainStatus {
	t.Helper()
	for _, s := range h.pool.Snapshot() {
		if s.ID == relayerID {
			return s.Chains[0]
		}
	}
	t.Fatalf("relayer %d not found", relayerID)
	return relayer.ChainStatus{}
}

// A: one funded relayer, one valid operation.
func TestSendTransactionSuccess(t *testing.T) {
	h := newHarness(t, 1)
	res, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)

	require.NotEmpty(t, res.TransactionHash)
	require.Equal(t, opHash, res.UserOpHash)
	require.Equal(t, "https://sepolia.etherscan.io/tx/"+res.TransactionHash, res.ExplorerLink)
	require.NotNil(t, res.TransactionReceipt)

	var receipt map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(*res.TransactionReceipt), &receipt))
	require.Equal(t, "success", receipt["status"])

	sent := h.client.SentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, "1150000000", sent[0].GasPrice().String())
	assert.Equal(t, uint64(115000), sent[0].Gas())
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, entrypoint.HandleOpsSelector(), sent[0].Data()[:4])

	st := h.chainState(t, 1)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, uint64(1), st.Watermark)

	latest, err := h.journal.Latest(opHash)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeConfirmed, latest.Outcome)
	assert.Equal(t, res.TransactionHash, latest.TxHash)
}

func TestNoncesIncreaseAcrossOperations(t *testing.T) {
	h := newHarness(t, 1)
	for i := 0; i < 3; i++ {
		_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
		require.NoError(t, err)
	}
	sent := h.client.SentTxs()
	require.Len(t, sent, 3)
	for i, tx := range sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
	_, nonceCalls, _ := h.client.Calls()
	assert.Equal(t, 1, nonceCalls)
}

func TestLaggingNodeNeverReusesNonce(t *testing.T) {
	h := newHarness(t, 1)
	for i := 0; i < 3; i++ {
		_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
		require.NoError(t, err)
	}
	h.client.SetNonce(h.signers[0].Address(), 1)
	h.client.SendErrs = []error{errors.New("nonce too low")}

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for _, tx := range h.client.SentTxs() {
		require.False(t, seen[tx.Nonce()], "nonce %d broadcast twice", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	sent := h.client.SentTxs()
	require.Len(t, sent, 4)
	assert.Equal(t, uint64(3), sent[3].Nonce())

	st := h.chainState(t, 1)
	assert.Equal(t, uint64(4), st.Watermark)
	assert.Equal(t, uint64(4), st.UsedCount)
}

// B: no idle relayer for the whole admission window.
func TestSendTransactionRelayerUnavailable(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.pool.Acquire(1, sepolia, "0xother")
	require.NoError(t, err)

	_, err = h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.True(t, errors.Is(err, ErrRelayerUnavailable))
	require.Empty(t, h.client.SentTxs())
}

func TestSendTransactionEmptyPool(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.True(t, errors.Is(err, ErrRelayerUnavailable))
}

// C: the only relayer is below the balance threshold.
func TestSendTransactionUnderfundedRelayer(t *testing.T) {
	h := newHarness(t, 1)
	h.client.SetBalance(h.signers[0].Address(), big.NewInt(1))

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.True(t, errors.Is(err, ErrRelayerUnavailable))
	balanceCalls, _, _ := h.client.Calls()
	require.Equal(t, 3, balanceCalls)
}

// D: a stale cached nonce is rejected, the resend re-reads the chain and
// escalates by 45%.
func TestNonceTooLowResendsOnce(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)

	// The key was used elsewhere; the chain is ahead of the cache.
	h.client.SetNonce(h.signers[0].Address(), 5)
	res, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransactionHash)

	sent := h.client.SentTxs()
	require.Len(t, sent, 2)
	resent := sent[1]
	assert.Equal(t, uint64(5), resent.Nonce())
	assert.Equal(t, "1450000000", resent.GasPrice().String())
	assert.Equal(t, uint64(145000), resent.Gas())

	attempts, err := h.journal.List(opHash)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, store.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, "send", attempts[1].Mode)
	assert.Equal(t, "resend", attempts[2].Mode)
	assert.Equal(t, uint64(45), attempts[2].BumpPercent)

	st := h.chainState(t, 1)
	assert.Equal(t, uint64(6), st.Watermark)
	assert.Equal(t, 0, st.Pending)
}

func TestViemNonceMessageTriggersResend(t *testing.T) {
	h := newHarness(t, 1)
	h.client.SendErrs = []error{errors.New("Nonce provided for the transaction (3) is lower than the current nonce of the account.\nDetails: nonce too low")}

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)
	sent := h.client.SentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, "1450000000", sent[0].GasPrice().String())
}

func TestGasTooLowTriggersResend(t *testing.T) {
	h := newHarness(t, 1)
	h.client.SendErrs = []error{errors.New("intrinsic gas too low")}

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)
	require.Len(t, h.client.SentTxs(), 1)
	_, nonceCalls, _ := h.client.Calls()
	assert.Equal(t, 1, nonceCalls, "gas retries keep the cached nonce")
}

// Retry bound: a second failure in resend mode is final.
func TestResendFailureIsFinal(t *testing.T) {
	h := newHarness(t, 1)
	h.client.SendErrs = []error{errors.New("nonce too low"), errors.New("nonce too low")}

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	var rev *RevertedError
	require.True(t, errors.As(err, &rev))
	require.Equal(t, "nonce too low", rev.Message)
	require.Empty(t, h.client.SentTxs())

	attempts, err := h.journal.List(opHash)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	st := h.chainState(t, 1)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, uint64(0), st.UsedCount)
}

func TestUnclassifiedFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 1)
	h.client.SendErrs = []error{errors.New("insufficient funds for gas * price + value\nmore detail")}

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	var rev *RevertedError
	require.True(t, errors.As(err, &rev))
	require.Equal(t, "insufficient funds for gas * price + value", rev.Message)
	attempts, err := h.journal.List(opHash)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

// E: estimation fails before anything is submitted.
func TestEstimateFailureConsumesNoNonce(t *testing.T) {
	h := newHarness(t, 1)
	h.client.EstimateErr = errors.New("execution reverted: AA21 didn't pay prefund")

	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	var rev *RevertedError
	require.True(t, errors.As(err, &rev))
	require.Contains(t, rev.Message, "AA21")

	var estErr *entrypoint.EstimateGasError
	require.True(t, errors.As(err, &estErr))
	_, _, estimates := h.client.Calls()
	require.Equal(t, 1, estimates)
	require.Empty(t, h.client.SentTxs())

	st := h.chainState(t, 1)
	assert.Equal(t, uint64(0), st.UsedCount)
	assert.Equal(t, uint64(0), st.Watermark)
	assert.Equal(t, 0, st.Pending)
}

func TestReceiptTimeoutStillReturnsHash(t *testing.T) {
	h := newHarness(t, 1)
	h.client.NoReceipts = true

	res, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransactionHash)
	require.Nil(t, res.TransactionReceipt)

	latest, err := h.journal.Latest(opHash)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeBroadcast, latest.Outcome)
	assert.Equal(t, uint64(1), h.chainState(t, 1).Watermark)
}

func TestRevertedReceiptIsReported(t *testing.T) {
	h := newHarness(t, 1)
	h.client.Reverted = true

	res, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
	require.NoError(t, err)
	require.NotNil(t, res.TransactionReceipt)
	var receipt map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(*res.TransactionReceipt), &receipt))
	require.Equal(t, "reverted", receipt["status"])
}

func TestUnsupportedChain(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, 1)
	require.True(t, errors.Is(err, chain.ErrUnsupportedChain))
}

func TestAdmissionWaitIsCancellable(t *testing.T) {
	h := newHarness(t, 1)
	h.exec.cfg.AdmissionAttempts = 60
	h.exec.cfg.AdmissionInterval = time.Second
	_, err := h.pool.Acquire(1, sepolia, "0xother")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = h.exec.SendTransaction(ctx, sampleOp(), opHash, sepolia)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConcurrentOperationsShareRelayersSafely(t *testing.T) {
	h := newHarness(t, 2)
	h.exec.cfg.AdmissionAttempts = 200

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.SendTransaction(context.Background(), sampleOp(), opHash, sepolia)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sent := h.client.SentTxs()
	require.Len(t, sent, 6)
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(sepolia))
	seen := map[string]bool{}
	for _, tx := range sent {
		from, err := types.Sender(signer, tx)
		require.NoError(t, err)
		key := fmt.Sprintf("%s/%d", from.Hex(), tx.Nonce())
		require.False(t, seen[key], "nonce reused: %s", key)
		seen[key] = true
	}
	for _, s := range h.pool.Snapshot() {
		assert.Equal(t, 0, s.Chains[0].Pending)
	}
	assert.Equal(t, uint64(6), h.chainState(t, 1).UsedCount+h.chainState(t, 2).UsedCount)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want retryReason
	}{
		{"nonce too low", reasonNonceTooLow},
		{"Nonce too low: next nonce 5", reasonNonceTooLow},
		{"Nonce provided for the transaction (3) is lower than the current nonce of the account.", reasonNonceTooLow},
		{"replacement transaction underpriced", reasonGasTooLow},
		{"intrinsic gas too low", reasonGasTooLow},
		{"The amount of gas (21000) provided for the transaction is too low.", reasonGasTooLow},
		{"insufficient funds", reasonNone},
		{"already known", reasonNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.msg), tc.msg)
	}
}
