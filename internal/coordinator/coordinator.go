// Package coordinator implements the main loop that wires the provider,
// cache, pattern detectors, confirmation tracker, filter pipeline,
// confluence matrix, risk manager, regime registry, and persistence/display
// sinks into one synchronous, single-threaded cycle.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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
	"github.com/marketflow/tapereader/internal/stats"
	"github.com/marketflow/tapereader/pkg/types"
)

// SignalSink is the display half of the signal sink contract: whatever
// receives approved signals for live presentation. A minimal interface
// rather than a concrete *display.Hub so the loop can be exercised with a
// fake in tests.
type SignalSink interface {
	Add(types.Signal)
}

// MetricsSink is the subset of internal/metrics.Registry the loop touches
// directly, kept as an interface for the same reason as SignalSink.
type MetricsSink interface {
	ObservePoll(time.Duration)
	ObserveSignal(source, level string)
	ObserveRiskOutcome(outcome string)
}

// noopSink discards everything; used when no display/metrics instance is
// wired in (e.g. a headless replay run).
type noopSink struct{}

func (noopSink) Add(types.Signal)                  {}
func (noopSink) ObservePoll(time.Duration)          {}
func (noopSink) ObserveSignal(string, string)       {}
func (noopSink) ObserveRiskOutcome(string)          {}

// Coordinator runs the poll -> detect -> confirm -> filter -> confluence ->
// risk -> persist cycle described for the engine's main loop. Every method
// except Run/Stop is intended to run on the loop's own goroutine; only Run
// itself may be called concurrently with Stop.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus

	provider   provider.Provider
	rateSource provider.ReferenceRateSource

	cache     *cache.TradeCache
	detectors *patterns.Engine
	confirm   *confirmation.Tracker
	pipeline  *filters.Pipeline
	confl     *confluence.Engine
	riskMgr   *risk.Manager
	regimes   *regime.Registry
	store     *persistence.Store
	display   SignalSink
	metrics   MetricsSink

	mu        sync.Mutex
	books     map[string]types.OrderBook
	grid      *types.LevelGrid
	gridDate  time.Time
	loopCount int

	consecutiveErrors int
	lastErrorAt       time.Time

	stopCh  chan struct{}
	running bool
}

// Deps bundles every pre-constructed collaborator New needs, so the
// constructor itself stays a single straightforward assignment.
type Deps struct {
	Provider   provider.Provider
	RateSource provider.ReferenceRateSource
	Cache      *cache.TradeCache
	Detectors  *patterns.Engine
	Confirm    *confirmation.Tracker
	Pipeline   *filters.Pipeline
	Confluence *confluence.Engine
	Risk       *risk.Manager
	Regimes    *regime.Registry
	Store      *persistence.Store
	Display    SignalSink
	Metrics    MetricsSink
}

// New creates a Coordinator ready for Run. Display/Metrics may be left nil;
// a no-op stand-in is used in that case.
func New(cfg *config.Config, logger *zap.Logger, bus *events.Bus, deps Deps) *Coordinator {
	display := deps.Display
	if display == nil {
		display = noopSink{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopSink{}
	}
	return &Coordinator{
		cfg:        cfg,
		logger:     logger.Named("coordinator"),
		bus:        bus,
		provider:   deps.Provider,
		rateSource: deps.RateSource,
		cache:      deps.Cache,
		detectors:  deps.Detectors,
		confirm:    deps.Confirm,
		pipeline:   deps.Pipeline,
		confl:      deps.Confluence,
		riskMgr:    deps.Risk,
		regimes:    deps.Regimes,
		store:      deps.Store,
		display:    display,
		metrics:    metrics,
		books:      make(map[string]types.OrderBook),
		stopCh:     make(chan struct{}),
	}
}

// Run connects the provider, builds the first calculated-level grid, and
// blocks running the main loop until ctx is cancelled, Stop is called, or an
// unrecoverable error forces an abort.
func (c *Coordinator) Run(ctx context.Context, replayDate time.Time) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.provider.Connect(); err != nil {
		return fmt.Errorf("coordinator: connect provider: %w", err)
	}
	defer c.provider.Close()

	if err := c.rebuildGrid(replayDate); err != nil {
		return fmt.Errorf("coordinator: build initial grid: %w", err)
	}

	c.bus.Publish(events.TopicSystemStarted, map[string]interface{}{"replay_date": replayDate})
	c.logger.Info("coordinator started", zap.Time("replay_date", replayDate))

	ticker := time.NewTicker(c.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown("context cancelled")
			return ctx.Err()
		case <-c.stopCh:
			c.shutdown("stop requested")
			return nil
		case <-ticker.C:
			if abort := c.step(replayDate); abort != nil {
				c.shutdown("aborted: " + abort.Error())
				return abort
			}
		}
	}
}

// Stop requests the loop exit at its next tick boundary.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *Coordinator) shutdown(reason string) {
	c.bus.Publish(events.TopicSystemStopping, reason)
	_ = c.store.Flush()
	c.logger.Info("coordinator stopped", zap.String("reason", reason))
}

// step runs exactly one loop iteration: poll, process, periodic maintenance,
// daily reset check. It returns a non-nil error only when the loop must
// abort (an OutOfMemory failure, or max_consecutive_errors exceeded).
func (c *Coordinator) step(replayDate time.Time) error {
	now := time.Now()

	pollStart := time.Now()
	snapshot, ok, err := c.provider.Poll()
	c.metrics.ObservePoll(time.Since(pollStart))

	if err != nil {
		return c.handlePollError(err)
	}
	c.onPollSuccess()

	if ok {
		c.processSnapshot(snapshot)
	}

	c.loopCount++
	if c.cfg.MaintenanceIntervalLoop > 0 && c.loopCount%c.cfg.MaintenanceIntervalLoop == 0 {
		c.runMaintenance(now)
	}

	c.maybeDailyReset(now, replayDate)
	return nil
}

// onPollSuccess resets the consecutive-error counter once the loop has run
// error-free for at least five minutes, per the generic backoff policy's
// reset rule.
func (c *Coordinator) onPollSuccess() {
	if c.consecutiveErrors > 0 && time.Since(c.lastErrorAt) >= 5*time.Minute {
		c.consecutiveErrors = 0
	}
}

// handlePollError applies the three-exception-class policy: a provider
// error backs off and reconnects inline (up to three attempts before
// falling through to the generic policy); an out-of-memory condition forces
// an emergency cache shrink and aborts; anything else is the generic
// exponential backoff, aborting once max_consecutive_errors is exceeded.
func (c *Coordinator) handlePollError(err error) error {
	c.consecutiveErrors++
	c.lastErrorAt = time.Now()
	c.bus.Publish(events.TopicSystemError, err.Error())

	switch errkind.KindOf(err) {
	case errkind.ProviderErr:
		return c.reconnectWithBackoff(err)
	case errkind.OutOfMemoryErr:
		c.emergencyCleanup()
		return fmt.Errorf("out of memory: %w", err)
	}

	if c.consecutiveErrors > c.cfg.MaxConsecutiveErrors {
		c.bus.Publish(events.TopicSystemCriticalFail, err.Error())
		return fmt.Errorf("max consecutive errors exceeded: %w", err)
	}

	delay := genericBackoff(c.consecutiveErrors, c.cfg.MinBackoffSeconds, c.cfg.MaxBackoffSeconds)
	c.logger.Warn("loop error, backing off", zap.Error(err), zap.Duration("backoff", delay))
	time.Sleep(delay)
	return nil
}

// reconnectWithBackoff retries Connect up to three times at 1s/2s/4s, the
// fixed schedule the connection-error branch uses ahead of the generic
// exponential policy.
func (c *Coordinator) reconnectWithBackoff(cause error) error {
	schedule := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, delay := range schedule {
		c.logger.Warn("provider error, reconnecting",
			zap.Error(cause), zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		time.Sleep(delay)
		_ = c.provider.Close()
		if err := c.provider.Connect(); err == nil {
			c.consecutiveErrors = 0
			return nil
		}
	}
	if c.consecutiveErrors > c.cfg.MaxConsecutiveErrors {
		c.bus.Publish(events.TopicSystemCriticalFail, cause.Error())
		return fmt.Errorf("provider unreachable after reconnect attempts: %w", cause)
	}
	delay := genericBackoff(c.consecutiveErrors, c.cfg.MinBackoffSeconds, c.cfg.MaxBackoffSeconds)
	c.logger.Warn("provider still unreachable, backing off", zap.Error(cause), zap.Duration("backoff", delay))
	time.Sleep(delay)
	return nil
}

// emergencyCleanup sheds half of every instrument's cached trade history,
// the aggressive-cleanup step the out-of-memory policy runs before it
// aborts the loop.
func (c *Coordinator) emergencyCleanup() {
	c.cache.ShrinkByHalf()
	c.bus.Publish(events.TopicMemoryEmergency, nil)
	c.logger.Error("out-of-memory condition, shed cache and aborting")
}

// genericBackoff implements min_backoff * 2^(consecutive_errors-1), clamped
// to [min_backoff, max_backoff].
func genericBackoff(consecutiveErrors int, minSeconds, maxSeconds float64) time.Duration {
	seconds := minSeconds * math.Pow(2, float64(consecutiveErrors-1))
	if seconds < minSeconds {
		seconds = minSeconds
	}
	if seconds > maxSeconds {
		seconds = maxSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// processSnapshot folds one polled MarketSnapshot through detection,
// confirmation, filtering, confluence, and risk, in that fixed order.
func (c *Coordinator) processSnapshot(snapshot types.MarketSnapshot) {
	c.bus.Publish(events.TopicMarketSnapshot, snapshot)

	tradesByInstrument := make(map[string][]types.Trade, len(snapshot.ByInstrument))
	booksByInstrument := make(map[string]types.OrderBook, len(snapshot.ByInstrument))

	for instrument, view := range snapshot.ByInstrument {
		c.cache.AppendBatch(instrument, view.Trades)
		for _, t := range view.Trades {
			c.regimes.Observe(instrument, t, view.Book)
		}

		c.mu.Lock()
		c.books[instrument] = view.Book
		c.mu.Unlock()

		tradesByInstrument[instrument] = view.Trades
		booksByInstrument[instrument] = view.Book

		var candidates []types.Candidate
		candidates = append(candidates, c.detectors.DetectBook(instrument, view.Book)...)
		candidates = append(candidates, c.detectors.Detect(instrument, view.Trades)...)

		for _, cand := range candidates {
			c.store.SavePattern(cand)
			if c.confirm.Submit(cand) {
				continue
			}
			c.handleCandidate(cand, view.Book)
		}

		c.regimes.Update(instrument, snapshot.Timestamp)
	}

	for _, confirmed := range c.confirm.Tick(snapshot.Timestamp, tradesByInstrument, booksByInstrument) {
		c.handleCandidate(confirmed, booksByInstrument[confirmed.Instrument])
	}
}

// handleCandidate runs the post-detection pipeline for a single candidate
// (fresh or confirmed): quality/cooldown/defensive filtering, then either a
// confluence-sourced signal or a plain tape-reading one, through risk.
func (c *Coordinator) handleCandidate(cand types.Candidate, book types.OrderBook) {
	now := cand.Timestamp
	if !c.pipeline.Run(cand, book, now) {
		return
	}

	c.mu.Lock()
	grid := c.grid
	c.mu.Unlock()

	sig, fromConfluence := c.confl.Evaluate(cand, grid)
	if !fromConfluence {
		sig = tapeSignal(cand)
		c.bus.Publish(events.TopicSignalGenerated, sig)
	}

	c.dispatchSignal(cand, sig)
}

// tapeSignal builds the plain TAPE_READING signal emitted for a candidate
// that the confluence matrix did not match against any named level.
func tapeSignal(cand types.Candidate) types.Signal {
	return types.Signal{
		ID:        uuid.NewString(),
		Source:    types.SourceTapeReading,
		Level:     types.LevelInfo,
		Message:   fmt.Sprintf("%s: %s", cand.Instrument, cand.Pattern),
		Timestamp: cand.Timestamp,
		Detail:    cand.AsMap(),
	}
}

// dispatchSignal evaluates sig against the risk manager and, if approved,
// fans it out to persistence, display, and the event bus (already published
// by the confluence/tape path above for SIGNAL_GENERATED; SIGNAL_APPROVED
// and SIGNAL_REJECTED are published from inside risk.Manager.Evaluate).
func (c *Coordinator) dispatchSignal(cand types.Candidate, sig types.Signal) {
	quality := c.pipeline.Quality.Score(cand)
	cvdRoC := stats.RateOfChange(c.cache.Recent(cand.Instrument, c.cfg.CVDRoCPeriod), c.cfg.CVDRoCPeriod)

	assessment := c.riskMgr.Evaluate(sig, risk.Context{
		QualityScore: quality,
		CVDRoC:       cvdRoC,
		Now:          sig.Timestamp,
	})

	c.metrics.ObserveSignal(string(sig.Source), string(sig.Level))
	if !assessment.Approved {
		c.metrics.ObserveRiskOutcome("REJECTED")
		return
	}
	c.metrics.ObserveRiskOutcome("APPROVED")

	c.store.Save(sig)
	c.display.Add(sig)
}

// rebuildGrid fetches replayDate's reference rate and recomputes the
// calculated-level grid from it.
func (c *Coordinator) rebuildGrid(replayDate time.Time) error {
	rate, err := c.rateSource.Rate(replayDate)
	if err != nil {
		return fmt.Errorf("reference rate: %w", err)
	}
	grid := confluence.BuildGrid(replayDate, rate, c.cfg)

	c.mu.Lock()
	c.grid = grid
	c.gridDate = replayDate
	c.mu.Unlock()
	return nil
}

// maybeDailyReset checks the risk manager's reset clock and, if crossed,
// clears per-instrument detector state and rebuilds the grid for the new
// trading day.
func (c *Coordinator) maybeDailyReset(now time.Time, replayDate time.Time) {
	hour, minute, err := parseResetTime(c.cfg.DailyResetTime)
	if err != nil {
		return
	}
	if !c.riskMgr.ShouldReset(now, hour, minute) {
		return
	}

	c.riskMgr.DailyReset(now)
	for _, instrument := range c.cfg.Instruments {
		c.detectors.Reset(instrument)
	}
	c.store.SaveSystem("DAILY_RESET", map[string]interface{}{"at": now})

	c.mu.Lock()
	nextDate := c.gridDate.AddDate(0, 0, 1)
	c.mu.Unlock()
	if err := c.rebuildGrid(nextDate); err != nil {
		c.logger.Warn("daily reset: failed to rebuild grid", zap.Error(err))
	}
}

// runMaintenance flushes persistence and reports each instrument's live
// cache depth within the last 5 seconds, the periodic pass the main loop
// runs every maintenance_interval_loops iterations. The trade cache itself
// is a fixed-capacity ring (internal/cache.TradeCache) rather than a
// time-pruned map, so there is nothing here to evict by age; staleness is
// only ever observed, not acted on.
func (c *Coordinator) runMaintenance(now time.Time) {
	live := make(map[string]int, len(c.cfg.Instruments))
	for _, instrument := range c.cfg.Instruments {
		live[instrument] = len(c.cache.Window(instrument, 5*time.Second, now))
	}

	if err := c.store.Flush(); err != nil {
		c.logger.Warn("maintenance flush failed", zap.Error(err))
	}

	c.store.SaveSystem("MAINTENANCE_COMPLETED", map[string]interface{}{"loop_count": c.loopCount})
	c.bus.Publish(events.TopicMaintenanceComplete, map[string]interface{}{
		"loop_count": c.loopCount, "live_last_5s": live,
	})
}

// parseResetTime parses an "HH:MM" string, the format config.DailyResetTime
// is documented in.
func parseResetTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid reset time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}
