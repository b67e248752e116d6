// Package executor submits user operations through a reserved relayer,
// escalating fees once when the node rejects the first submission.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bundler/internal/chain"
	"bundler/internal/entrypoint"
	"bundler/internal/keys"
	"bundler/internal/metrics"
	"bundler/internal/relayer"
	"bundler/internal/store"
	"bundler/internal/util"
)

type Mode string

const (
	ModeSend   Mode = "send"
	ModeResend Mode = "resend"
)

// Bump is the percentage applied to both gas price and gas limit.
func (m Mode) Bump() uint64 {
	if m == ModeResend {
		return 45
	}
	return 15
}

// Pool is the relayer allocation surface the executor needs.
type Pool interface {
	Reserve(ctx context.Context, chainID uint64, userOpHash string) (relayer.Reservation, bool, error)
	Release(relayerID, chainID uint64, reservationID string) error
	NonceFor(ctx context.Context, relayerID, chainID uint64) (uint64, error)
	MarkNonceUsed(relayerID, chainID, nonce uint64) error
	ResetNonce(relayerID, chainID uint64) error
	Signer(relayerID uint64) (*keys.Signer, error)
}

type Chains interface {
	Get(chainID uint64) (*chain.Chain, error)
}

type Config struct {
	AdmissionAttempts   int
	AdmissionInterval   time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

type Result struct {
	TransactionHash    string  `json:"transactionHash"`
	TransactionReceipt *string `json:"transactionReceipt"`
	ExplorerLink       string  `json:"explorerLink"`
	UserOpHash         string  `json:"userOpHash"`
}

type Executor struct {
	cfg     Config
	pool    Pool
	chains  Chains
	gateway *entrypoint.Gateway
	journal store.Journal
	metrics metrics.Recorder
	logger  *slog.Logger
}

type Option func(*Executor)

func WithJournal(j store.Journal) Option {
	return func(e *Executor) { e.journal = j }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func New(cfg Config, pool Pool, chains Chains, gateway *entrypoint.Gateway, opts ...Option) *Executor {
	if cfg.AdmissionAttempts <= 0 {
		cfg.AdmissionAttempts = 60
	}
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = 1500 * time.Millisecond
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	e := &Executor{
		cfg:     cfg,
		pool:    pool,
		chains:  chains,
		gateway: gateway,
		journal: store.NewMemory(),
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendTransaction reserves a relayer for chainID, submits op inside a
// handleOps call and releases the relayer on every path.
func (e *Executor) SendTransaction(ctx context.Context, op entrypoint.UserOperation, opHash string, chainID uint64) (*Result, error) {
	ch, err := e.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With("chain", chainID, "user_op_hash", opHash)

	res, err := e.admit(ctx, chainID, opHash)
	if err != nil {
		if errors.Is(err, ErrRelayerUnavailable) {
			logger.Warn("no relayer available", "attempts", e.cfg.AdmissionAttempts)
		}
		return nil, err
	}
	logger = logger.With("relayer", res.RelayerID, "reservation", res.ID)
	e.metrics.SetInFlight(res.RelayerID, chainID, 1)
	defer func() {
		if err := e.pool.Release(res.RelayerID, chainID, res.ID); err != nil {
			logger.Error("release relayer", "error", err)
		}
		e.metrics.SetInFlight(res.RelayerID, chainID, 0)
	}()
	logger.Info("relayer reserved")

	result, err := e.attempt(ctx, ch, res, op, opHash, ModeSend)
	if err != nil {
		logger.Error("user operation failed", "error", err)
		var rev *RevertedError
		switch {
		case errors.As(err, &rev):
			return nil, rev
		case errors.Is(err, relayer.ErrRelayerNotFound), errors.Is(err, relayer.ErrChainNotFound):
			return nil, err
		default:
			return nil, reverted(err)
		}
	}
	return result, nil
}

func (e *Executor) admit(ctx context.Context, chainID uint64, opHash string) (relayer.Reservation, error) {
	start := time.Now()
	var res relayer.Reservation
	err := util.Poll(ctx, e.cfg.AdmissionAttempts, e.cfg.AdmissionInterval, func(ctx context.Context) (bool, error) {
		r, ok, err := e.pool.Reserve(ctx, chainID, opHash)
		if err != nil {
			return false, err
		}
		res = r
		return ok, nil
	})
	e.metrics.ObserveAdmission(chainID, time.Since(start).Seconds(), err == nil)
	if errors.Is(err, util.ErrExhausted) {
		return relayer.Reservation{}, ErrRelayerUnavailable
	}
	if err != nil {
		return relayer.Reservation{}, err
	}
	return res, nil
}

func (e *Executor) attempt(ctx context.Context, ch *chain.Chain, res relayer.Reservation, op entrypoint.UserOperation, opHash string, mode Mode) (*Result, error) {
	bump := mode.Bump()
	logger := e.logger.With("chain", ch.ID, "relayer", res.RelayerID, "user_op_hash", opHash, "mode", string(mode))
	rec := store.Attempt{
		ID:          store.NewAttemptID(),
		UserOpHash:  opHash,
		ChainID:     ch.ID,
		RelayerID:   res.RelayerID,
		BumpPercent: bump,
		Mode:        string(mode),
		CreatedAt:   time.Now().UTC(),
	}

	signer, err := e.pool.Signer(res.RelayerID)
	if err != nil {
		return nil, err
	}
	nonce, err := e.pool.NonceFor(ctx, res.RelayerID, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	rec.Nonce = nonce

	gasPrice, err := ch.Client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gasPrice = entrypoint.BumpPercent(gasPrice, bump)

	data, err := e.gateway.PackHandleOps([]entrypoint.UserOperation{op}, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("pack handleOps: %w", err)
	}
	estimated, err := e.gateway.EstimateHandleOps(ctx, ch.Client, signer.Address(), data)
	if err != nil {
		e.metrics.IncEstimateFailure(ch.ID)
		e.record(logger, rec, store.OutcomeFailed, err)
		logger.Warn("gas estimation failed", "error", err)
		return nil, reverted(err)
	}
	gasLimit := entrypoint.BumpGas(estimated, bump)

	tx, err := e.gateway.HandleOps(ctx, ch.Client, signer, ch.BigID(), data, entrypoint.BuildParams{
		Nonce:    nonce,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		if tx == nil {
			return nil, err
		}
		msg := firstLine(err.Error())
		e.record(logger, rec, store.OutcomeFailed, err)
		e.metrics.IncSubmission(ch.ID, string(mode), string(store.OutcomeFailed))

		reason := classify(msg)
		if mode == ModeSend && reason != reasonNone {
			if reason == reasonNonceTooLow {
				if err := e.pool.ResetNonce(res.RelayerID, ch.ID); err != nil {
					return nil, err
				}
			}
			e.metrics.IncRetry(ch.ID, string(reason))
			logger.Warn("submission rejected, resending", "reason", string(reason), "nonce", nonce, "error", msg)
			return e.attempt(ctx, ch, res, op, opHash, ModeResend)
		}
		return nil, &RevertedError{Message: msg, Err: err}
	}

	if err := e.pool.MarkNonceUsed(res.RelayerID, ch.ID, nonce); err != nil {
		logger.Error("mark nonce used", "nonce", nonce, "error", err)
	}
	hash := tx.Hash()
	rec.TxHash = hash.Hex()
	logger.Info("handleOps broadcast", "tx_hash", rec.TxHash, "nonce", nonce, "gas", gasLimit, "gas_price", gasPrice.String())

	result := &Result{
		TransactionHash: hash.Hex(),
		ExplorerLink:    ch.ExplorerLink(hash),
		UserOpHash:      opHash,
	}
	outcome := store.OutcomeBroadcast
	if encoded, err := e.waitReceipt(ctx, ch, tx.Hash(), signer.Address(), tx.To(), opHash); err != nil {
		logger.Warn("receipt wait failed", "tx_hash", rec.TxHash, "error", err)
	} else {
		result.TransactionReceipt = &encoded
		rec.Receipt = encoded
		outcome = store.OutcomeConfirmed
	}
	e.record(logger, rec, outcome, nil)
	e.metrics.IncSubmission(ch.ID, string(mode), string(outcome))
	return result, nil
}

func (e *Executor) waitReceipt(ctx context.Context, ch *chain.Chain, hash common.Hash, from common.Address, to *common.Address, opHash string) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := chain.WaitReceipt(wctx, ch.Client, hash, e.cfg.ReceiptPollInterval)
	if err != nil {
		return "", err
	}
	view := chain.NewReceipt(receipt, from, to)
	if ok, found := entrypoint.UserOpSucceeded(receipt, e.gateway.Address(), common.HexToHash(opHash)); found {
		view.UserOpSuccess = &ok
	}
	return view.Encode()
}

func (e *Executor) record(logger *slog.Logger, a store.Attempt, outcome store.Outcome, cause error) {
	a.Outcome = outcome
	if cause != nil {
		a.Error = firstLine(cause.Error())
	}
	if err := e.journal.Append(a); err != nil {
		logger.Warn("journal append failed", "error", err)
	}
}
