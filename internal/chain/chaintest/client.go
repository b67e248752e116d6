// Package chaintest provides a scripted chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Client struct {
	mu sync.Mutex

	ID          *big.Int
	GasPrice    *big.Int
	Gas         uint64
	EstimateErr error
	Balances    map[common.Address]*big.Int
	Nonces      map[common.Address]uint64
	BalanceErr  error
	// BalanceDelay slows BalanceAt down to widen race windows.
	BalanceDelay time.Duration

	// SendErrs are returned by successive SendTransaction calls; nil entries
	// and an exhausted slice mean success.
	SendErrs []error
	Sent     []*types.Transaction

	// NoReceipts makes TransactionReceipt always report not found.
	NoReceipts bool
	ReceiptErr error
	Reverted   bool
	Receipts   map[common.Hash]*types.Receipt

	BalanceCalls  int
	NonceCalls    int
	EstimateCalls int
	GasPriceCalls int
}

func New(chainID uint64) *Client {
	return &Client{
		ID:       new(big.Int).SetUint64(chainID),
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      100_000,
		Balances: map[common.Address]*big.Int{},
		Nonces:   map[common.Address]uint64{},
		Receipts: map[common.Hash]*types.Receipt{},
	}
}

func (c *Client) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[addr] = new(big.Int).Set(wei)
}

func (c *Client) SetNonce(addr common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Nonces[addr] = nonce
}

func (c *Client) SentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.Sent...)
}

func (c *Client) Calls() (balance, nonce, estimate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BalanceCalls, c.NonceCalls, c.EstimateCalls
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ID), nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GasPriceCalls++
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EstimateCalls++
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.Gas, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NonceCalls++
	return c.Nonces[account], nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	c.BalanceCalls++
	delay := c.BalanceDelay
	err := c.BalanceErr
	bal, ok := c.Balances[account]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SendErrs) > 0 {
		err := c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.ID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < c.Nonces[from] {
		return errors.New("nonce too low")
	}
	c.Nonces[from] = tx.Nonce() + 1
	c.Sent = append(c.Sent, tx)

	status := types.ReceiptStatusSuccessful
	if c.Reverted {
		status = types.ReceiptStatusFailed
	}
	c.Receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		CumulativeGasUsed: tx.Gas() / 2,
		GasUsed:           tx.Gas() / 2,
		TxHash:            tx.Hash(),
		BlockHash:         common.HexToHash("0xb1"),
		BlockNumber:       big.NewInt(int64(len(c.Sent))),
		EffectiveGasPrice: tx.GasPrice(),
	}
	return nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	if c.NoReceipts {
		return nil, ethereum.NotFound
	}
	r, ok := c.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
