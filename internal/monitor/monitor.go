// Package monitor periodically samples relayer balances.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"bundler/internal/metrics"
)

type BalanceSource interface {
	ChainIDs() []uint64
	MinBalance() *big.Int
	Balances(ctx context.Context, chainID uint64) (map[uint64]*big.Int, error)
}

type Monitor struct {
	source   BalanceSource
	metrics  metrics.Recorder
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	scheduler gocron.Scheduler
}

func New(source BalanceSource, rec metrics.Recorder, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Monitor{
		source:   source,
		metrics:  rec,
		logger:   logger,
		interval: interval,
		timeout:  interval / 2,
	}
}

// Start schedules the balance check and runs it once right away.
func (m *Monitor) Start() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			m.Check(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("balance job: %w", err)
	}
	s.Start()
	m.scheduler = s
	m.logger.Info("balance monitor started", "interval", m.interval.String())
	return nil
}

func (m *Monitor) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

// Check samples every relayer on every chain once. It returns the number of
// relayers found below the minimum balance.
func (m *Monitor) Check(ctx context.Context) int {
	threshold := m.source.MinBalance()
	low := 0
	for _, chainID := range m.source.ChainIDs() {
		balances, err := m.source.Balances(ctx, chainID)
		if err != nil {
			m.logger.Warn("balance check failed", "chain", chainID, "error", err)
			continue
		}
		for relayerID, bal := range balances {
			m.metrics.SetBalance(relayerID, chainID, bal)
			if bal.Cmp(threshold) < 0 {
				low++
				m.logger.Warn("relayer balance below minimum", "relayer", relayerID, "chain", chainID, "balance", bal.String(), "min", threshold.String())
			}
		}
	}
	return low
}
