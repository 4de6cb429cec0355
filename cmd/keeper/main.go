// DLMM Keeper — automated liquidity management for concentrated-liquidity
// (DLMM) pools on Solana.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	manager/manager.go    — instance lifecycle: create/start/pause/resume/stop/delete, boot recovery
//	manager/scheduler.go  — per-instance tick loops under a global concurrency cap
//	strategy/simpley.go   — single Y-side position: recenter on range exit, harvest fees, stop-loss
//	strategy/chain.go     — K contiguous links, shifted one link at a time as price walks
//	analytics/analyzer.go — per-tick valuation, PnL, windowed yield rates vs benchmark
//	dlmm/adapter.go       — DLMM program reads + transaction-build API, precision normalization
//	swap/adapter.go       — aggregator quotes and swaps behind a circuit breaker
//	solana/gateway.go     — pooled RPC endpoints with health tracking and failover
//	retry/coordinator.go  — classified-error retry policies, serialized per instance
//	health/checker.go     — periodic audit: tick stalls, position drift, missing records
//	crawler/crawler.go    — optional pool discovery feeding the pool-crawler room
//	api/server.go         — REST + WebSocket surface for the operator dashboard
//
// How it earns yield:
//
//	A DLMM pool pays trading fees only to liquidity in the bins the price
//	actually crosses. The keeper parks deposits in a narrow band at the
//	active bin and moves the band when the price walks out of it, keeping
//	capital where the fees are. Strategies differ in how they place and
//	move that band; all of them unwind through the same stop-loss path
//	when the market runs away downward.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dlmm-keeper/internal/analytics"
	"dlmm-keeper/internal/api"
	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/config"
	"dlmm-keeper/internal/crawler"
	"dlmm-keeper/internal/dlmm"
	"dlmm-keeper/internal/health"
	"dlmm-keeper/internal/manager"
	"dlmm-keeper/internal/metrics"
	"dlmm-keeper/internal/retry"
	"dlmm-keeper/internal/solana"
	"dlmm-keeper/internal/store"
	"dlmm-keeper/internal/strategy"
	"dlmm-keeper/internal/swap"
	"dlmm-keeper/pkg/types"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfgPath := flag.String("config", "", "path to YAML config file (empty: defaults + environment)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	m := metrics.New()
	gw := solana.NewGateway(cfg.Solana, cfg.Endpoints(), m, logger)

	wallet, err := solana.LoadWallet(cfg.Wallet)
	if err != nil {
		logger.Error("failed to load wallet", "error", err)
		os.Exit(1)
	}
	sender := solana.NewSender(gw, wallet, cfg.Solana.ConfirmTimeout, logger)

	amm, err := dlmm.New(cfg.AMM, gw, sender, m, logger)
	if err != nil {
		logger.Error("failed to build amm adapter", "error", err)
		os.Exit(1)
	}
	swapper := swap.New(cfg.Swap, sender, gw, m, logger)
	coordinator := retry.NewCoordinator(m, logger)
	b := bus.New()

	st, err := store.Open(cfg.Strategy.DataRoot)
	if err != nil {
		logger.Error("failed to open instance store", "error", err, "root", cfg.Strategy.DataRoot)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bench *analytics.Benchmark
	if cfg.Analytics.BenchmarkURL != "" {
		bench = analytics.NewBenchmark(cfg.Analytics, logger)
		go bench.Run(ctx)
	}

	env := strategy.Env{
		AMM:      amm,
		Swapper:  swapper,
		Balances: gw,
		Retry:    coordinator,
		Bus:      b,
		Metrics:  m,
		Logger:   logger,
		NewAnalyzer: func(pool types.Pool) *analytics.Analyzer {
			if bench == nil {
				return analytics.New(cfg.Analytics, pool, nil)
			}
			return analytics.New(cfg.Analytics, pool, bench)
		},
		Defaults: cfg.Strategy.DefaultParams,
	}

	mgr := manager.New(*cfg, env, st, logger)
	if err := mgr.Recover(ctx); err != nil {
		logger.Error("boot recovery failed", "error", err)
		os.Exit(1)
	}

	checker := health.New(*cfg, mgr, mgr, amm, st, b, logger)
	go checker.Run(ctx)

	if cfg.Crawler.Enabled {
		go crawler.New(*cfg, b, logger).Run(ctx)
	}

	broadcaster := api.NewBroadcaster(cfg.Server, b, m, logger)
	handlers := api.NewHandlers(mgr, checker, swapper.BreakerState, api.Info{
		Name:      "dlmm-keeper",
		Version:   version,
		Wallet:    sender.Wallet(),
		StartedAt: time.Now().UTC(),
	}, logger)
	srv := api.NewServer(cfg.Server, handlers, broadcaster, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("dlmm keeper started",
		"wallet", sender.Wallet(),
		"port", cfg.Server.Port,
		"instances", len(mgr.List()),
		"crawler", cfg.Crawler.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Teardown in reverse: stop taking requests, drain the tick loops, then
	// cancel the background pollers.
	if err := srv.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	mgr.Shutdown()
	cancel()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
