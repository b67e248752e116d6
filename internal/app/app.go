package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"bundler/internal/api"
	"bundler/internal/chain"
	"bundler/internal/config"
	"bundler/internal/entrypoint"
	"bundler/internal/executor"
	"bundler/internal/keys"
	"bundler/internal/metrics"
	"bundler/internal/monitor"
	"bundler/internal/relayer"
	"bundler/internal/store"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run serves the JSON-RPC API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	registry, pool, err := a.Pool(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()

	journal, err := openJournal(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			a.logger.Warn("journal close failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	exec := executor.New(executor.Config{
		AdmissionAttempts:   a.cfg.Relayer.AdmissionAttempts,
		AdmissionInterval:   a.cfg.Relayer.AdmissionInterval.Duration,
		ReceiptTimeout:      a.cfg.Relayer.ReceiptTimeout.Duration,
		ReceiptPollInterval: a.cfg.Relayer.ReceiptPollInterval.Duration,
	}, pool, registry, entrypoint.NewGateway(a.cfg.EntryPointAddress()),
		executor.WithJournal(journal),
		executor.WithMetrics(m),
		executor.WithLogger(a.logger),
	)

	receipts, err := api.NewReceiptCache(ctx, a.cfg.Cache.ReceiptTTL.Duration)
	if err != nil {
		return fmt.Errorf("receipt cache: %w", err)
	}
	defer receipts.Close()

	mon := monitor.New(pool, m, a.logger, a.cfg.Relayer.MonitorInterval.Duration)
	if err := mon.Start(); err != nil {
		return err
	}
	defer func() {
		if err := mon.Stop(); err != nil {
			a.logger.Warn("monitor stop failed", "error", err)
		}
	}()

	server := api.NewServer(a.cfg, a.logger, exec, registry, pool, journal, receipts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a.logger, a.cfg.Metrics.Listen, m.Handler())
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

// Pool dials every served chain and registers the relayers that have a
// credential configured.
func (a *App) Pool(ctx context.Context) (*chain.Registry, *relayer.Pool, error) {
	registry, err := chain.Dial(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	specs, err := loadRelayers(a.cfg, a.logger)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	pool := relayer.NewPool(relayer.Config{
		ChainIDs:       a.cfg.ChainIDs(),
		MinBalance:     a.cfg.MinBalanceWei(),
		BalanceTimeout: a.cfg.Relayer.BalanceTimeout.Duration,
	}, registry, a.logger)
	if n := pool.Initialize(specs); n == 0 {
		registry.Close()
		return nil, nil, errors.New("no relayer has a usable key")
	}
	return registry, pool, nil
}

func loadRelayers(cfg *config.Config, logger *slog.Logger) ([]relayer.Spec, error) {
	specs := make([]relayer.Spec, 0, len(cfg.Relayers))
	for _, r := range cfg.Relayers {
		signer, err := keys.Load(r)
		if errors.Is(err, keys.ErrNoCredential) {
			logger.Warn("relayer has no key, skipping", "relayer", r.ID, "env", r.PrivateKeyEnv)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("relayer %d: %w", r.ID, err)
		}
		specs = append(specs, relayer.Spec{ID: r.ID, Name: r.Name, Signer: signer})
	}
	return specs, nil
}

func openJournal(cfg *config.Config) (store.Journal, error) {
	if cfg.Store.Path == "" {
		return store.NewMemory(), nil
	}
	j, err := store.OpenBadger(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
