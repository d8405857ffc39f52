package risk

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	return NewManager(cfg, bus, zap.NewNop())
}

func mkSignal(source types.SignalSource) types.Signal {
	return types.Signal{ID: "sig-1", Source: source, Level: types.LevelAlert}
}

func TestEvaluateApprovesGoodSignalInTradingHours(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	a := m.Evaluate(mkSignal(types.SourceTapeReading), Context{QualityScore: 0.9, CVDRoC: 10, Now: now})
	if !a.Approved {
		t.Fatalf("expected approval, got reject reason=%q level=%v", a.Reason, a.Level)
	}
}

func TestEvaluateRejectsLowQuality(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	a := m.Evaluate(mkSignal(types.SourceTapeReading), Context{QualityScore: 0.01, CVDRoC: 0, Now: now})
	if a.Approved {
		t.Fatal("expected rejection for quality below adaptive threshold")
	}
}

func TestEvaluateTripsFrequencyBreakerAndThenRejectsAll(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)

	var lastApproved bool
	for i := 0; i < m.cfg.RiskManagement.MaxSignalsPerMinute+2; i++ {
		a := m.Evaluate(mkSignal(types.SourceTapeReading), Context{QualityScore: 0.9, CVDRoC: 0, Now: now})
		lastApproved = a.Approved
	}
	if lastApproved {
		t.Fatal("expected frequency breaker to reject once per-minute limit is exceeded")
	}

	a := m.Evaluate(mkSignal(types.SourceTapeReading), Context{QualityScore: 0.9, CVDRoC: 0, Now: now.Add(time.Second)})
	if a.Approved || a.Level != LevelCritical {
		t.Fatalf("expected breaker-gated rejection while still within cooldown, got %+v", a)
	}
}

func TestOnRegimeChangeAdjustsThresholds(t *testing.T) {
	m := newTestManager(t)
	base := m.adaptive.qualityThreshold
	m.OnRegimeChange(types.RegimeChangeEvent{Instrument: "X", New: "QUIET"})
	m.OnRegimeChange(types.RegimeChangeEvent{Instrument: "Y", New: "QUIET"})
	if m.adaptive.qualityThreshold <= base {
		t.Fatalf("expected QUIET regime to raise quality threshold above base %v, got %v", base, m.adaptive.qualityThreshold)
	}
}

func TestRecordOutcomeTripsConsecutiveLossBreaker(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	for i := 0; i < m.cfg.RiskManagement.ConsecutiveLossesLimit; i++ {
		m.RecordOutcome(-10, false, now)
	}
	if _, _, active := m.breakers.anyActive(now); !active {
		t.Fatal("expected consecutive_losses breaker to be active")
	}
}

func TestDailyResetClearsState(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	m.RecordOutcome(-2000, false, now)
	if m.metrics.dailyPnL >= 0 {
		t.Fatal("expected negative PnL before reset")
	}
	m.DailyReset(now)
	if m.metrics.dailyPnL != 0 {
		t.Fatalf("expected PnL cleared after reset, got %v", m.metrics.dailyPnL)
	}
	if _, _, active := m.breakers.anyActive(now); active {
		t.Fatal("expected emergency breaker cleared after reset")
	}
}
