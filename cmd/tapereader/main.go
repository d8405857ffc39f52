// Package main is the entry point for the tape-reading microstructure
// engine: it loads configuration, wires every subsystem into a
// coordinator, and runs the main loop until a termination signal arrives
// or the loop aborts on an unrecoverable error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marketflow/tapereader/internal/cache"
	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/confirmation"
	"github.com/marketflow/tapereader/internal/confluence"
	"github.com/marketflow/tapereader/internal/coordinator"
	"github.com/marketflow/tapereader/internal/display"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/internal/filters"
	"github.com/marketflow/tapereader/internal/metrics"
	"github.com/marketflow/tapereader/internal/patterns"
	"github.com/marketflow/tapereader/internal/persistence"
	"github.com/marketflow/tapereader/internal/provider"
	"github.com/marketflow/tapereader/internal/regime"
	"github.com/marketflow/tapereader/internal/risk"
)

// priceTick is the instruments' common price increment; both X and Y trade
// on the same tick in this engine's supported contract pairs.
const priceTick = "0.5"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./config.yaml)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	referenceRate := flag.Float64("reference-rate", 5000, "static daily reference rate used when no table is configured")
	live := flag.Bool("live", false, "dial the websocket provider instead of the simulated one")
	flag.Parse()

	replayDate, err := parseReplayDateArg(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New(logger)
	tick := decimal.RequireFromString(priceTick)

	tradeCache := cache.New(cfg.Cache.BufferSize)
	detectors := patterns.NewEngine(cfg, logger, tick)
	confirm := confirmation.NewTracker(cfg, bus, logger, tick)
	pipeline := filters.NewPipeline(cfg, bus)
	conflEngine := confluence.NewEngine(cfg, bus, logger, tick)
	riskMgr := risk.NewManager(cfg, bus, logger)
	regimes := regime.NewRegistry(cfg, bus, logger)

	store, err := persistence.New(logger, cfg.Persistence.Directory, cfg.Persistence.FlushInterval)
	if err != nil {
		logger.Fatal("open persistence store", zap.Error(err))
	}
	defer store.Close()

	metricsRegistry := metrics.New(logger)
	metricsRegistry.Subscribe(bus)

	hub := display.NewHub(logger)
	go hub.Run(ctx)
	hub.Subscribe(bus)
	displayServer := display.NewServer(logger, hub, confirm)

	dataProvider := buildProvider(cfg, *live, logger)
	rateSource := provider.NewStaticReferenceRateSource(*referenceRate)

	c := coordinator.New(cfg, logger, bus, coordinator.Deps{
		Provider:   dataProvider,
		RateSource: rateSource,
		Cache:      tradeCache,
		Detectors:  detectors,
		Confirm:    confirm,
		Pipeline:   pipeline,
		Confluence: conflEngine,
		Risk:       riskMgr,
		Regimes:    regimes,
		Store:      store,
		Display:    hub,
		Metrics:    metricsRegistry,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := displayServer.Start(ctx, cfg.Display.Addr); err != nil {
			logger.Error("display server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := metricsRegistry.Start(ctx, cfg.Metrics.Addr); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- c.Run(ctx, replayDate) }()

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		c.Stop()
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		cancel()
		if err != nil && err != context.Canceled {
			logger.Error("coordinator stopped with error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}

// parseReplayDateArg parses the single DDMMYYYY positional argument used to
// select the reference-rate/grid date for a replay run. Absent, it defaults
// to today.
func parseReplayDateArg(args []string) (time.Time, error) {
	if len(args) == 0 {
		return time.Now(), nil
	}
	t, err := time.Parse("02012006", args[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("replay date %q: expected DDMMYYYY: %w", args[0], err)
	}
	return t, nil
}

// buildProvider selects the websocket-backed provider when live is set (one
// dial URL per instrument, read from TAPEREADER_PROVIDER_URL_<INSTRUMENT>)
// and otherwise a self-contained simulated tape, convenient for local runs
// and replay without external connectivity.
func buildProvider(cfg *config.Config, live bool, logger *zap.Logger) provider.Provider {
	if live {
		urls := make(map[string]string, len(cfg.Instruments))
		for _, inst := range cfg.Instruments {
			urls[inst] = os.Getenv("TAPEREADER_PROVIDER_URL_" + inst)
		}
		return provider.NewWebSocketProvider(provider.WebSocketConfig{
			URLs:             urls,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
		}, logger)
	}
	return provider.NewSimulatedProvider(provider.SimulatedConfig{
		Instruments:   cfg.Instruments,
		Tick:          decimal.RequireFromString(priceTick),
		TradesPerPoll: 3,
	})
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
