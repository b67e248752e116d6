package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"bundler/internal/config"
	"bundler/internal/util"
)

var ErrUnsupportedChain = errors.New("unsupported chain")

// Chain is one served network.
type Chain struct {
	ID          uint64
	Name        string
	Client      Client
	ExplorerURL string

	closer func()
}

func (c *Chain) BigID() *big.Int {
	return new(big.Int).SetUint64(c.ID)
}

// ExplorerLink renders the block explorer URL for a transaction hash.
func (c *Chain) ExplorerLink(hash common.Hash) string {
	base := strings.TrimRight(c.ExplorerURL, "/")
	return base + "/tx/" + hash.Hex()
}

// Registry maps chain ids to their clients. It is immutable after construction.
type Registry struct {
	chains map[uint64]*Chain
	order  []uint64
}

func NewRegistry(chains ...*Chain) *Registry {
	r := &Registry{chains: make(map[uint64]*Chain, len(chains))}
	for _, c := range chains {
		if c == nil {
			continue
		}
		if _, ok := r.chains[c.ID]; !ok {
			r.order = append(r.order, c.ID)
		}
		r.chains[c.ID] = c
	}
	return r
}

func (r *Registry) Get(chainID uint64) (*Chain, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Client satisfies the relayer pool's view of the registry.
func (r *Registry) Client(chainID uint64) (Client, error) {
	c, err := r.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c.Client, nil
}

func (r *Registry) Supported(chainID uint64) bool {
	_, ok := r.chains[chainID]
	return ok
}

func (r *Registry) IDs() []uint64 {
	return append([]uint64(nil), r.order...)
}

func (r *Registry) Close() {
	for _, c := range r.chains {
		if c.closer != nil {
			c.closer()
		}
	}
}

// Dial connects to every served chain concurrently and checks that each
// node reports the configured chain id.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	served := cfg.ServedChains()
	chains := make([]*Chain, len(served))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range served {
		i, ch := i, ch
		g.Go(func() error {
			c, err := dialChain(gctx, cfg, ch)
			if err != nil {
				return fmt.Errorf("chain %d (%s): %w", ch.ID, ch.Name, err)
			}
			mu.Lock()
			chains[i] = c
			mu.Unlock()
			logger.Info("rpc http connected", "chain", ch.ID, "name", ch.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range lo.Compact(chains) {
			c.closer()
		}
		return nil, err
	}
	reg := NewRegistry(chains...)
	ids := reg.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	logger.Info("chains ready", "chains", ids)
	return reg, nil
}

func dialChain(ctx context.Context, cfg *config.Config, ch config.Chain) (*Chain, error) {
	httpClient := &http.Client{
		Timeout: cfg.Performance.RequestTimeout.Duration,
	}
	rpcClient, err := rpc.DialHTTPWithClient(ch.RPCURL, httpClient)
	if err != nil {
		return nil, err
	}
	rpcClient.SetHeader("User-Agent", "bundler")
	eth := ethclient.NewClient(rpcClient)

	var id *big.Int
	err = util.Retry(ctx, cfg.Performance.RetryMax, cfg.Performance.RetryBackoff.Duration, func() error {
		var err error
		id, err = eth.ChainID(ctx)
		return err
	})
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != ch.ID {
		eth.Close()
		return nil, fmt.Errorf("node reports chain id %s, configured %d", id, ch.ID)
	}
	return &Chain{
		ID:          ch.ID,
		Name:        ch.Name,
		Client:      eth,
		ExplorerURL: ch.ExplorerURL,
		closer:      eth.Close,
	}, nil
}
