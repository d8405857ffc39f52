package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/cache"
	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/confirmation"
	"github.com/marketflow/tapereader/internal/confluence"
	"github.com/marketflow/tapereader/internal/errkind"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/internal/filters"
	"github.com/marketflow/tapereader/internal/patterns"
	"github.com/marketflow/tapereader/internal/persistence"
	"github.com/marketflow/tapereader/internal/provider"
	"github.com/marketflow/tapereader/internal/regime"
	"github.com/marketflow/tapereader/internal/risk"
	"github.com/marketflow/tapereader/pkg/types"
)

// stubProvider is a fully scripted provider.Provider: each call to Poll
// consults pollFunc with the 0-based call index.
type stubProvider struct {
	mu       sync.Mutex
	connects int
	closes   int
	pollFunc func(call int) (types.MarketSnapshot, bool, error)
}

func (p *stubProvider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return nil
}

func (p *stubProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *stubProvider) Poll() (types.MarketSnapshot, bool, error) {
	p.mu.Lock()
	fn := p.pollFunc
	p.mu.Unlock()
	if fn == nil {
		return types.MarketSnapshot{}, false, nil
	}
	return fn(0)
}

func newTestCoordinator(t *testing.T, cfg *config.Config, bus *events.Bus, prov provider.Provider) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	tick := decimal.NewFromFloat(0.5)
	store, err := persistence.New(logger, t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	deps := Deps{
		Provider:   prov,
		RateSource: provider.NewStaticReferenceRateSource(5000),
		Cache:      cache.New(cfg.Cache.BufferSize),
		Detectors:  patterns.NewEngine(cfg, logger, tick),
		Confirm:    confirmation.NewTracker(cfg, bus, logger, tick),
		Pipeline:   filters.NewPipeline(cfg, bus),
		Confluence: confluence.NewEngine(cfg, bus, logger, tick),
		Risk:       risk.NewManager(cfg, bus, logger),
		Regimes:    regime.NewRegistry(cfg, bus, logger),
		Store:      store,
	}
	return New(cfg, logger, bus, deps)
}

func TestGenericBackoffClampsToRange(t *testing.T) {
	d := genericBackoff(1, 1, 4)
	if d != time.Second {
		t.Fatalf("expected 1s at first error, got %v", d)
	}
	d = genericBackoff(3, 1, 4)
	if d != 4*time.Second {
		t.Fatalf("expected clamp to max 4s, got %v", d)
	}
	d = genericBackoff(10, 1, 4)
	if d != 4*time.Second {
		t.Fatalf("expected clamp to max 4s at high error count, got %v", d)
	}
}

func TestParseResetTime(t *testing.T) {
	hour, minute, err := parseResetTime("06:30")
	if err != nil || hour != 6 || minute != 30 {
		t.Fatalf("expected 6:30, got %d:%d err=%v", hour, minute, err)
	}
	if _, _, err := parseResetTime("garbage"); err == nil {
		t.Fatalf("expected error for malformed reset time")
	}
}

func TestHandlePollErrorProviderErrReconnects(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	prov := &stubProvider{}
	c := newTestCoordinator(t, cfg, bus, prov)

	err := c.handlePollError(errkind.WrapErr(errkind.ProviderErr, context.DeadlineExceeded))
	if err != nil {
		t.Fatalf("expected reconnect to succeed without aborting, got %v", err)
	}
	if prov.connects < 1 {
		t.Fatalf("expected at least one reconnect attempt, got %d", prov.connects)
	}
	if c.consecutiveErrors != 0 {
		t.Fatalf("expected consecutiveErrors reset to 0 after a successful reconnect, got %d", c.consecutiveErrors)
	}
}

func TestHandlePollErrorOutOfMemoryAborts(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	prov := &stubProvider{}
	c := newTestCoordinator(t, cfg, bus, prov)

	var emergencySeen bool
	bus.Subscribe(events.TopicMemoryEmergency, func(interface{}) error {
		emergencySeen = true
		return nil
	})

	err := c.handlePollError(errkind.Wrap(errkind.OutOfMemoryErr, "cache too large"))
	if err == nil {
		t.Fatalf("expected out-of-memory condition to abort the loop")
	}
	if !emergencySeen {
		t.Fatalf("expected MEMORY_EMERGENCY to be published")
	}
}

func TestHandlePollErrorGenericAbortsAfterMaxConsecutive(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxConsecutiveErrors = 2
	cfg.MinBackoffSeconds = 0.001
	cfg.MaxBackoffSeconds = 0.001
	bus := events.New(zap.NewNop())
	prov := &stubProvider{}
	c := newTestCoordinator(t, cfg, bus, prov)

	var criticalCount int
	bus.Subscribe(events.TopicSystemCriticalFail, func(interface{}) error {
		criticalCount++
		return nil
	})

	genericErr := context.DeadlineExceeded
	if err := c.handlePollError(genericErr); err != nil {
		t.Fatalf("expected first error not to abort, got %v", err)
	}
	if err := c.handlePollError(genericErr); err != nil {
		t.Fatalf("expected second error not to abort (still == max), got %v", err)
	}
	err := c.handlePollError(genericErr)
	if err == nil {
		t.Fatalf("expected third consecutive error to exceed max and abort")
	}
	if criticalCount != 1 {
		t.Fatalf("expected exactly one SYSTEM_CRITICAL_FAILURE publish, got %d", criticalCount)
	}
}

func TestRunStopsCleanlyOnStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	bus := events.New(zap.NewNop())
	prov := &stubProvider{pollFunc: func(int) (types.MarketSnapshot, bool, error) {
		return types.MarketSnapshot{}, false, nil
	}}
	c := newTestCoordinator(t, cfg, bus, prov)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), time.Now()) }()

	time.Sleep(30 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("coordinator did not stop in time")
	}
	if prov.connects != 1 || prov.closes != 1 {
		t.Fatalf("expected exactly one connect/close pair, got connects=%d closes=%d", prov.connects, prov.closes)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	bus := events.New(zap.NewNop())
	prov := &stubProvider{pollFunc: func(int) (types.MarketSnapshot, bool, error) {
		return types.MarketSnapshot{}, false, nil
	}}
	c := newTestCoordinator(t, cfg, bus, prov)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := c.Run(ctx, time.Now())
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestProcessSnapshotPublishesSignalGeneratedForVolumeSpike(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SignalQualityThreshold = 0
	cfg.RiskManagement.SignalQualityThreshold = 0
	bus := events.New(zap.NewNop())
	prov := &stubProvider{}
	c := newTestCoordinator(t, cfg, bus, prov)

	var generated int
	bus.Subscribe(events.TopicSignalGenerated, func(interface{}) error {
		generated++
		return nil
	})

	now := time.Now()
	book := types.OrderBook{
		Instrument: "X",
		Bids:       []types.BookLevel{{Price: decimal.NewFromInt(100), Volume: 500}},
		Asks:       []types.BookLevel{{Price: decimal.NewFromInt(101), Volume: 500}},
		Timestamp:  now,
	}
	trades := make([]types.Trade, 0, cfg.SpikeHistorySize+5)
	for i := 0; i < cfg.SpikeHistorySize; i++ {
		trades = append(trades, types.Trade{
			Instrument: "X", Price: decimal.NewFromInt(100), Volume: 10,
			Side: types.SideBuy, Timestamp: now, TimeLabel: "baseline",
		})
	}
	trades = append(trades, types.Trade{
		Instrument: "X", Price: decimal.NewFromInt(100),
		Volume: int64(10) * int64(cfg.SpikeMultiplier) * 10,
		Side:   types.SideBuy, Timestamp: now, TimeLabel: "spike",
	})

	snapshot := types.MarketSnapshot{
		Timestamp: now,
		ByInstrument: map[string]types.InstrumentView{
			"X": {Trades: trades, Book: book},
			"Y": {Trades: nil, Book: types.OrderBook{Instrument: "Y", Timestamp: now}},
		},
	}

	c.processSnapshot(snapshot)

	if generated == 0 {
		t.Fatalf("expected at least one SIGNAL_GENERATED from the volume spike candidate")
	}
}
