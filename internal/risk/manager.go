// Package risk implements the adaptive risk manager: circuit breakers,
// exposure/frequency/quality/contextual gating, a regime-driven adaptive
// multiplier table, and the daily reset cycle.
package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// Level is the coarse contextual-risk classification the additive-points
// table maps onto.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Assessment is the result of one Evaluate call.
type Assessment struct {
	Approved bool
	Level    Level
	Reason   string
	Score    float64
}

// Context carries the evaluation-time inputs Evaluate needs beyond the
// signal itself: the quality score assigned upstream, the CVD rate of
// change (for the contextual step), and the current wall-clock time.
type Context struct {
	QualityScore float64
	CVDRoC       float64
	Now          time.Time
}

// adaptive holds the current, regime-adjusted thresholds derived from
// config.RiskManagement's base values.
type adaptive struct {
	signalsPerMinute      int
	signalsPerHour        int
	confluencePerHour     int
	concurrentSignals     int
	signalTimeout         time.Duration
	qualityThreshold      float64
	circuitBreakerSensitivity float64
}

// Manager is the adaptive risk manager. One Manager is shared across both
// instruments, since exposure, frequency, and the circuit breakers are
// portfolio-wide concerns.
type Manager struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	breakers  *breakerSet
	metrics   *metricsTracker
	adaptive  adaptive
	regimes   map[string]string // instrument -> current regime
	lastReset time.Time
}

// NewManager creates a Manager with base thresholds from cfg.
func NewManager(cfg *config.Config, bus *events.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.Named("risk"),
		breakers: newBreakerSet(cfg.RiskManagement.CircuitBreakerCooldown),
		metrics:  newMetricsTracker(),
		regimes:  make(map[string]string),
	}
	m.adaptive = m.baseAdaptive()
	bus.Subscribe(events.TopicRegimeChange, func(payload interface{}) error {
		if rc, ok := payload.(types.RegimeChangeEvent); ok {
			m.OnRegimeChange(rc)
		}
		return nil
	})
	return m
}

func (m *Manager) baseAdaptive() adaptive {
	return adaptive{
		signalsPerMinute:          m.cfg.RiskManagement.MaxSignalsPerMinute,
		signalsPerHour:            m.cfg.RiskManagement.MaxSignalsPerHour,
		confluencePerHour:         m.cfg.RiskManagement.MaxConfluencePerHour,
		concurrentSignals:         m.cfg.RiskManagement.ConcurrentSignals,
		signalTimeout:             m.cfg.RiskManagement.SignalTimeout,
		qualityThreshold:          m.cfg.RiskManagement.SignalQualityThreshold,
		circuitBreakerSensitivity: 1.0,
	}
}

// OnRegimeChange recomputes the adaptive thresholds from both instruments'
// current regimes.
func (m *Manager) OnRegimeChange(evt types.RegimeChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimes[evt.Instrument] = evt.New

	var regimeX, regimeY string
	if len(m.cfg.Instruments) >= 2 {
		regimeX = m.regimes[m.cfg.Instruments[0]]
		regimeY = m.regimes[m.cfg.Instruments[1]]
	} else {
		regimeX = evt.New
		regimeY = evt.New
	}

	factors := adaptiveFactors(regimeX, regimeY)
	base := m.baseAdaptive()
	m.adaptive = adaptive{
		signalsPerMinute:          int(float64(base.signalsPerMinute) * factors.freq),
		signalsPerHour:            int(float64(base.signalsPerHour) * factors.freq),
		confluencePerHour:         int(float64(base.confluencePerHour) * factors.freq),
		concurrentSignals:         int(float64(base.concurrentSignals) * factors.concurrent),
		signalTimeout:             time.Duration(float64(base.signalTimeout) * factors.timeout),
		qualityThreshold:          base.qualityThreshold * factors.quality,
		circuitBreakerSensitivity: factors.cbSensitivity,
	}
}

// Evaluate runs the full gating sequence for sig and returns whether it is
// approved, short-circuiting on the first failing step.
func (m *Manager) Evaluate(sig types.Signal, ctx Context) Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name, reason, active := m.breakers.anyActive(ctx.Now); active {
		return m.reject(sig, ctx.Now, LevelCritical, fmt.Sprintf("circuit breaker %s active: %s", name, reason))
	}

	if active := m.metrics.pruneActive(ctx.Now); active >= m.adaptive.concurrentSignals {
		m.breakers.trip(breakerExposure, "max concurrent signals reached", ctx.Now)
		return m.reject(sig, ctx.Now, LevelHigh, "exposure limit reached")
	}

	minuteAgo := ctx.Now.Add(-time.Minute)
	hourAgo := ctx.Now.Add(-time.Hour)
	if n := m.metrics.allSignals.countSince(minuteAgo); n > m.adaptive.signalsPerMinute {
		m.breakers.trip(breakerFrequency, "signals/minute exceeded", ctx.Now)
		return m.reject(sig, ctx.Now, LevelHigh, "signal frequency (per-minute) exceeded")
	}
	if n := m.metrics.allSignals.countSince(hourAgo); n > m.adaptive.signalsPerHour {
		m.breakers.trip(breakerFrequency, "signals/hour exceeded", ctx.Now)
		return m.reject(sig, ctx.Now, LevelHigh, "signal frequency (per-hour) exceeded")
	}
	if sig.Source == types.SourceConfluence {
		if n := m.metrics.confluence.countSince(hourAgo); n > m.adaptive.confluencePerHour {
			m.breakers.trip(breakerFrequency, "confluence/hour exceeded", ctx.Now)
			return m.reject(sig, ctx.Now, LevelHigh, "confluence frequency exceeded")
		}
	}

	if ctx.QualityScore < m.adaptive.qualityThreshold {
		m.breakers.trip(breakerQuality, "quality below adaptive threshold", ctx.Now)
		return m.reject(sig, ctx.Now, LevelMedium, "quality below adaptive threshold")
	}

	level, points := m.contextualRisk(ctx)
	if level == LevelHigh || level == LevelCritical {
		return m.reject(sig, ctx.Now, level, fmt.Sprintf("contextual risk too high (%d points)", points))
	}

	m.metrics.recordApproval(sig.Source, ctx.Now)
	m.metrics.registerActive(sig.ID, ctx.Now.Add(m.adaptive.signalTimeout))
	m.bus.Publish(events.TopicSignalApproved, sig)
	return Assessment{Approved: true, Level: level, Score: ctx.QualityScore}
}

func (m *Manager) reject(sig types.Signal, now time.Time, level Level, reason string) Assessment {
	m.bus.Publish(events.TopicSignalRejected, sig)
	return Assessment{Approved: false, Level: level, Reason: reason}
}

// contextualRisk implements the contextual-gating stage's additive scheme.
func (m *Manager) contextualRisk(ctx Context) (Level, int) {
	points := 0
	switch m.systemRiskLevel() {
	case LevelCritical:
		points += 3
	case LevelHigh:
		points += 2
	case LevelMedium:
		points += 1
	}
	if m.cfg.RiskManagement.MaxDrawdownPercent > 0 &&
		m.metrics.drawdownPct >= m.cfg.RiskManagement.MaxDrawdownPercent*0.75 {
		points += 2
	}
	hour := ctx.Now.Hour()
	if hour < 10 || hour >= 16 {
		points++
	}
	if abs(ctx.CVDRoC) > 150 {
		points++
	}
	switch {
	case points >= 4:
		return LevelCritical, points
	case points >= 3:
		return LevelHigh, points
	case points >= 2:
		return LevelMedium, points
	default:
		return LevelLow, points
	}
}

// systemRiskLevel derives the manager's persistent risk posture from
// drawdown and consecutive-loss state, independent of the per-signal
// breaker checks: it is the "system already under stress" input the
// contextual step's own additive points build on.
func (m *Manager) systemRiskLevel() Level {
	switch {
	case m.metrics.drawdownPct >= m.cfg.RiskManagement.MaxDrawdownPercent:
		return LevelCritical
	case m.metrics.consecutiveLosses >= m.cfg.RiskManagement.ConsecutiveLossesLimit:
		return LevelHigh
	case m.metrics.drawdownPct >= m.cfg.RiskManagement.MaxDrawdownPercent*0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// RecordOutcome feeds a realized trade result into the metrics tracker and
// updates the loss/drawdown breakers accordingly.
func (m *Manager) RecordOutcome(pnlDelta float64, won bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.recordOutcome(pnlDelta, won)

	if m.metrics.consecutiveLosses >= m.cfg.RiskManagement.ConsecutiveLossesLimit {
		m.breakers.trip(breakerConsecutiveLosses, "consecutive loss limit reached", now)
	}
	if m.metrics.drawdownPct >= m.cfg.RiskManagement.MaxDrawdownPercent {
		m.breakers.trip(breakerDrawdown, "max drawdown reached", now)
	}
	if m.metrics.dailyPnL <= m.cfg.RiskManagement.EmergencyStopLoss {
		m.breakers.trip(breakerEmergency, "emergency stop loss reached", now)
	}
}

// DailyReset clears PnL/drawdown and active signals, prunes stale
// timestamps, resets the emergency breaker, and publishes DAILY_RESET.
func (m *Manager) DailyReset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.dailyReset()
	m.metrics.pruneOlderThan24h(now)
	m.breakers.resetEmergency()
	m.lastReset = now
	m.bus.Publish(events.TopicDailyReset, now)
}

// ShouldReset reports whether resetTime (the configured daily reset
// local-time-of-day) has been crossed since the last reset.
func (m *Manager) ShouldReset(now time.Time, resetHour, resetMinute int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastReset.IsZero() && sameDay(m.lastReset, now) {
		return false
	}
	return now.Hour() > resetHour || (now.Hour() == resetHour && now.Minute() >= resetMinute)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
