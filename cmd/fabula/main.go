// Command fabula is the main entry point for the Fabula story server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fabula/internal/bus"
	busmem "github.com/MrWong99/fabula/internal/bus/memory"
	busredis "github.com/MrWong99/fabula/internal/bus/redis"
	"github.com/MrWong99/fabula/internal/config"
	"github.com/MrWong99/fabula/internal/energy"
	energypg "github.com/MrWong99/fabula/internal/energy/postgres"
	"github.com/MrWong99/fabula/internal/engine"
	"github.com/MrWong99/fabula/internal/health"
	lockpg "github.com/MrWong99/fabula/internal/lock/postgres"
	"github.com/MrWong99/fabula/internal/observe"
	"github.com/MrWong99/fabula/internal/resilience"
	"github.com/MrWong99/fabula/internal/server"
	storepg "github.com/MrWong99/fabula/internal/store/postgres"
	"github.com/MrWong99/fabula/pkg/provider/llm"
	"github.com/MrWong99/fabula/pkg/provider/llm/openai"
	"github.com/MrWong99/fabula/pkg/tokens"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fabula: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fabula: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("fabula starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "fabula",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Postgres ──────────────────────────────────────────────────────────────
	st, err := storepg.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer st.Close()
	slog.Info("postgres connected")

	locker := lockpg.NewLocker(st.Pool())

	// Without metering every user has unlimited energy and the grant
	// endpoint stays unrouted.
	gate := energy.Unlimited
	var granter energy.Granter
	if cfg.Energy.Metering {
		pgGate := energypg.NewGate(st.Pool())
		gate, granter = pgGate, pgGate
		slog.Info("energy metering enabled")
	}

	// ── Pub/sub bus ───────────────────────────────────────────────────────────
	eventBus, rdb, err := newBus(ctx, cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ── LLM backend ───────────────────────────────────────────────────────────
	provider, err := newProvider(cfg.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}

	counter, err := tokens.ForModel(cfg.LLM.Model)
	if err != nil {
		slog.Error("failed to load tokeniser", "model", cfg.LLM.Model, "err", err)
		return 1
	}

	// ── Turn engine ───────────────────────────────────────────────────────────
	eng, err := engine.New(st, locker, eventBus, provider, counter, gate,
		engine.NewTurnRegistry(), metrics, engineConfig(cfg.Engine))
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "postgres", Check: func(ctx context.Context) error { return st.Pool().Ping(ctx) }},
	}
	if rdb != nil {
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	srv := server.New(eng, st, eventBus, granter, health.New(checkers...), metrics)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, addr) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newBus picks the pub/sub backend: Redis when an address is configured, the
// in-process bus otherwise. The Redis client is returned for health checks
// and cleanup.
func newBus(ctx context.Context, cfg config.RedisConfig) (bus.Bus, *redis.Client, error) {
	if cfg.Addr == "" {
		slog.Warn("no redis address configured, using in-process bus; streams will not span nodes")
		return busmem.NewBus(), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}
	slog.Info("redis connected", "addr", cfg.Addr)
	return busredis.NewBus(rdb, cfg.Prefix), rdb, nil
}

// newProvider builds the configured LLM backend wrapped in retry and circuit
// breaker layers.
func newProvider(cfg config.LLMConfig) (llm.Provider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is empty", cfg.APIKeyEnv)
	}

	var opts []openai.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	inner, err := openai.New(apiKey, cfg.Model, opts...)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"})
	return resilience.NewRetryProvider(inner, resilience.RetryConfig{}, breaker), nil
}

func engineConfig(cfg config.EngineConfig) engine.Config {
	return engine.Config{
		HardBufferLimit:   cfg.HardBufferLimit,
		SoftBufferLimit:   cfg.SoftBufferLimit,
		InputTokenLimit:   cfg.InputTokenLimit,
		ReplyTokenLimit:   cfg.ReplyTokenLimit,
		SummaryTokenLimit: cfg.SummaryTokenLimit,
		SummaryReplyLimit: cfg.SummaryReplyLimit,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		BusyLeaseTTL:      cfg.BusyLeaseTTL.Std(),
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
