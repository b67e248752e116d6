package relayer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type ChainStatus struct {
	ChainID    uint64 `json:"chainId"`
	Pending    int    `json:"pending"`
	Queued     int    `json:"queued"`
	Nonce      uint64 `json:"nonce"`
	NonceKnown bool   `json:"nonceKnown"`
	Watermark  uint64 `json:"watermark"`
	UsedCount  uint64 `json:"usedCount"`
}

type Status struct {
	ID      uint64        `json:"id"`
	Name    string        `json:"name"`
	Address string        `json:"address"`
	Chains  []ChainStatus `json:"chains"`
}

// Snapshot returns a point-in-time view of every registered relayer.
func (p *Pool) Snapshot() []Status {
	return lo.Map(p.order, func(id uint64, _ int) Status {
		r := p.relayers[id]
		s := Status{ID: r.ID, Name: r.Name, Address: r.Address().Hex()}
		for _, chainID := range p.cfg.ChainIDs {
			st, ok := r.chains[chainID]
			if !ok {
				continue
			}
			st.mu.Lock()
			s.Chains = append(s.Chains, ChainStatus{
				ChainID:    chainID,
				Pending:    st.pending,
				Queued:     len(st.executing),
				Nonce:      st.nonce,
				NonceKnown: st.nonceKnown,
				Watermark:  st.watermark,
				UsedCount:  st.usedCount,
			})
			st.mu.Unlock()
		}
		return s
	})
}

// Balances queries every relayer's balance on chainID concurrently.
func (p *Pool) Balances(ctx context.Context, chainID uint64) (map[uint64]*big.Int, error) {
	client, err := p.chains.Client(chainID)
	if err != nil {
		return nil, err
	}
	results := make([]*big.Int, len(p.order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range p.order {
		i, r := i, p.relayers[id]
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, p.cfg.BalanceTimeout)
			defer cancel()
			bal, err := client.BalanceAt(bctx, r.Address(), nil)
			if err != nil {
				return fmt.Errorf("relayer %d: %w", r.ID, err)
			}
			results[i] = bal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[uint64]*big.Int, len(p.order))
	for i, id := range p.order {
		out[id] = results[i]
	}
	return out, nil
}
