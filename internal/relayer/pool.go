// Package relayer allocates funded relayer accounts and their nonces across
// chains.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"bundler/internal/chain"
	"bundler/internal/keys"
)

var (
	ErrRelayerNotFound = errors.New("relayer not found")
	ErrChainNotFound   = errors.New("chain not tracked by relayer pool")
)

// ChainSource resolves the client used for balance and nonce queries.
type ChainSource interface {
	Client(chainID uint64) (chain.Client, error)
}

// Spec describes one configured relayer. A nil Signer means no credential
// was configured.
type Spec struct {
	ID     uint64
	Name   string
	Signer *keys.Signer
}

type Config struct {
	ChainIDs       []uint64
	MinBalance     *big.Int
	BalanceTimeout time.Duration
}

// Reservation is the token handed out by Acquire and Reserve. Passing its ID
// to Release removes exactly this reservation.
type Reservation struct {
	ID         string
	RelayerID  uint64
	ChainID    uint64
	UserOpHash string
	AcquiredAt time.Time
}

type Selection struct {
	Available bool
	RelayerID uint64
}

type Relayer struct {
	ID     uint64
	Name   string
	signer *keys.Signer
	chains map[uint64]*chainState
}

func (r *Relayer) Address() common.Address {
	return r.signer.Address()
}

type chainState struct {
	mu         sync.Mutex
	pending    int
	executing  []Reservation
	nonce      uint64
	nonceKnown bool
	// watermark is one past the highest nonce marked used.
	watermark uint64
	usedCount uint64
}

type Pool struct {
	cfg    Config
	chains ChainSource
	logger *slog.Logger
	now    func() time.Time

	once     sync.Once
	relayers map[uint64]*Relayer
	order    []uint64
	// admission serializes select+acquire per chain. A buffered channel is
	// used instead of a mutex so waiters can give up on ctx.
	admission map[uint64]chan struct{}
}

func NewPool(cfg Config, chains ChainSource, logger *slog.Logger) *Pool {
	if cfg.MinBalance == nil {
		cfg.MinBalance = big.NewInt(0)
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ChainIDs = lo.Uniq(cfg.ChainIDs)
	admission := make(map[uint64]chan struct{}, len(cfg.ChainIDs))
	for _, id := range cfg.ChainIDs {
		admission[id] = make(chan struct{}, 1)
	}
	return &Pool{
		cfg:       cfg,
		chains:    chains,
		logger:    logger,
		now:       time.Now,
		relayers:  map[uint64]*Relayer{},
		admission: admission,
	}
}

// Initialize registers relayers once; later calls are no-ops. Relayers
// without a credential are logged and left out. It returns the number of
// registered relayers.
func (p *Pool) Initialize(specs []Spec) int {
	p.once.Do(func() {
		for _, s := range specs {
			if s.Signer == nil {
				p.logger.Warn("relayer has no credential, skipping", "relayer", s.ID, "name", s.Name)
				continue
			}
			if _, dup := p.relayers[s.ID]; dup {
				p.logger.Warn("duplicate relayer id, skipping", "relayer", s.ID)
				continue
			}
			r := &Relayer{
				ID:     s.ID,
				Name:   s.Name,
				signer: s.Signer,
				chains: make(map[uint64]*chainState, len(p.cfg.ChainIDs)),
			}
			for _, id := range p.cfg.ChainIDs {
				r.chains[id] = &chainState{}
			}
			p.relayers[s.ID] = r
			p.order = append(p.order, s.ID)
			p.logger.Info("relayer registered", "relayer", s.ID, "address", s.Signer.Address().Hex(), "chains", p.cfg.ChainIDs)
		}
	})
	return len(p.order)
}

func (p *Pool) state(relayerID, chainID uint64) (*Relayer, *chainState, error) {
	r, ok := p.relayers[relayerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrRelayerNotFound, relayerID)
	}
	st, ok := r.chains[chainID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: relayer %d chain %d", ErrChainNotFound, relayerID, chainID)
	}
	return r, st, nil
}

// SelectAvailable returns the first idle relayer, in registration order,
// whose balance on chainID is at least the configured minimum. It does not
// reserve anything.
func (p *Pool) SelectAvailable(ctx context.Context, chainID uint64) (Selection, error) {
	client, err := p.chains.Client(chainID)
	if err != nil {
		return Selection{}, err
	}
	for _, id := range p.order {
		r := p.relayers[id]
		st, ok := r.chains[chainID]
		if !ok {
			continue
		}
		st.mu.Lock()
		busy := st.pending > 0
		st.mu.Unlock()
		if busy {
			continue
		}

		bctx, cancel := context.WithTimeout(ctx, p.cfg.BalanceTimeout)
		balance, err := client.BalanceAt(bctx, r.Address(), nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Selection{}, ctx.Err()
			}
			p.logger.Warn("relayer balance query failed", "relayer", id, "chain", chainID, "error", err)
			continue
		}
		if balance.Cmp(p.cfg.MinBalance) < 0 {
			p.logger.Debug("relayer below minimum balance", "relayer", id, "chain", chainID, "balance", balance.String(), "min", p.cfg.MinBalance.String())
			continue
		}
		return Selection{Available: true, RelayerID: id}, nil
	}
	return Selection{}, nil
}

// Acquire reserves the relayer on chainID for userOpHash.
func (p *Pool) Acquire(relayerID, chainID uint64, userOpHash string) (Reservation, error) {
	_, st, err := p.state(relayerID, chainID)
	if err != nil {
		return Reservation{}, err
	}
	res := Reservation{
		ID:         ulid.Make().String(),
		RelayerID:  relayerID,
		ChainID:    chainID,
		UserOpHash: userOpHash,
		AcquiredAt: p.now(),
	}
	st.mu.Lock()
	st.executing = append(st.executing, res)
	st.pending++
	st.mu.Unlock()
	return res, nil
}

// Release frees a reservation. An empty reservationID pops the oldest one.
// Releasing an idle relayer or an unknown reservation is a no-op.
func (p *Pool) Release(relayerID, chainID uint64, reservationID string) error {
	_, st, err := p.state(relayerID, chainID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.executing) == 0 {
		st.pending = 0
		return nil
	}
	idx := 0
	if reservationID != "" {
		_, i, found := lo.FindIndexOf(st.executing, func(r Reservation) bool { return r.ID == reservationID })
		if !found {
			return nil
		}
		idx = i
	}
	st.executing = append(st.executing[:idx], st.executing[idx+1:]...)
	if st.pending > 0 {
		st.pending--
	}
	return nil
}

// Reserve selects and acquires a relayer as one step. Callers on the same
// chain are serialized so two requests never see the same idle relayer.
func (p *Pool) Reserve(ctx context.Context, chainID uint64, userOpHash string) (Reservation, bool, error) {
	sem, ok := p.admission[chainID]
	if !ok {
		return Reservation{}, false, fmt.Errorf("%w: %d", ErrChainNotFound, chainID)
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return Reservation{}, false, ctx.Err()
	}
	defer func() { <-sem }()

	sel, err := p.SelectAvailable(ctx, chainID)
	if err != nil || !sel.Available {
		return Reservation{}, false, err
	}
	res, err := p.Acquire(sel.RelayerID, chainID, userOpHash)
	if err != nil {
		return Reservation{}, false, err
	}
	return res, true, nil
}

// NonceFor returns the cached nonce, refreshing it from the chain when it is
// unknown or already used.
func (p *Pool) NonceFor(ctx context.Context, relayerID, chainID uint64) (uint64, error) {
	r, st, err := p.state(relayerID, chainID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	if st.nonceKnown && st.nonce >= st.watermark {
		n := st.nonce
		st.mu.Unlock()
		return n, nil
	}
	st.mu.Unlock()

	client, err := p.chains.Client(chainID)
	if err != nil {
		return 0, err
	}
	fresh, err := client.PendingNonceAt(ctx, r.Address())
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	st.mu.Lock()
	// A lagging node can report a nonce this pool already broadcast.
	if fresh < st.watermark {
		p.logger.Warn("node nonce below used watermark", "relayer", relayerID, "chain", chainID, "node_nonce", fresh, "watermark", st.watermark)
		fresh = st.watermark
	}
	st.nonce = fresh
	st.nonceKnown = true
	st.mu.Unlock()
	p.logger.Debug("relayer nonce refreshed", "relayer", relayerID, "chain", chainID, "nonce", fresh)
	return fresh, nil
}

// MarkNonceUsed records a broadcast nonce and advances the cached one.
func (p *Pool) MarkNonceUsed(relayerID, chainID, nonce uint64) error {
	_, st, err := p.state(relayerID, chainID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nonce = max(st.nonce, nonce) + 1
	st.nonceKnown = true
	st.watermark = max(st.watermark, nonce+1)
	st.usedCount++
	return nil
}

// ResetNonce forgets the cached nonce so the next NonceFor asks the chain.
// The used watermark is kept.
func (p *Pool) ResetNonce(relayerID, chainID uint64) error {
	_, st, err := p.state(relayerID, chainID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.nonceKnown = false
	st.mu.Unlock()
	return nil
}

func (p *Pool) Signer(relayerID uint64) (*keys.Signer, error) {
	r, ok := p.relayers[relayerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRelayerNotFound, relayerID)
	}
	return r.signer, nil
}

func (p *Pool) ChainIDs() []uint64 {
	return append([]uint64(nil), p.cfg.ChainIDs...)
}

func (p *Pool) MinBalance() *big.Int {
	return new(big.Int).Set(p.cfg.MinBalance)
}
