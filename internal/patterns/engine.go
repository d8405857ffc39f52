// Package patterns implements the tape-reading detector catalogue: each
// detector inspects a window of trades (and, for the book-dynamics and
// trap families, order-book snapshots) and emits zero or more
// types.Candidate values. Detectors that need memory across calls (book
// dynamics' previous snapshot and level birth times, the multi-timeframe
// trade queue and regime-label history, the CVD/pace/volume-profile
// trackers) keep that memory on the Engine, scoped per instrument; the rest,
// institutional footprint and the trap family included, work on their input
// window alone, except that hidden liquidity and the liquidity-trap check
// also read the last book stored by DetectBook. Detector order follows the
// tape-reading analyzer this module generalizes from.
package patterns

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/stats"
	"github.com/marketflow/tapereader/pkg/types"
)

// Engine owns the per-instrument statistical state the detectors share and
// runs the full detector set over a trade window / book pair.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	tick   decimal.Decimal

	mu sync.Mutex

	cvd  map[string]*stats.CVD
	pace map[string]*stats.Pace
	vp   *stats.VolumeProfile

	lastBook map[string]types.OrderBook
	levelAge map[string]map[string]levelBirth // instrument -> level key -> birth record

	multiframe map[string]*multiframeState
}

type levelBirth struct {
	firstSeen time.Time
	volume    int64
}

// NewEngine creates a detector engine bound to cfg, with one tick-size
// volume profile shared across instruments (keyed internally by
// instrument) and per-instrument CVD/Pace trackers created lazily.
func NewEngine(cfg *config.Config, logger *zap.Logger, tick decimal.Decimal) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		tick:       tick,
		cvd:        make(map[string]*stats.CVD),
		pace:       make(map[string]*stats.Pace),
		vp:         stats.NewVolumeProfile(tick),
		lastBook:   make(map[string]types.OrderBook),
		levelAge:   make(map[string]map[string]levelBirth),
		multiframe: make(map[string]*multiframeState),
	}
}

func (e *Engine) cvdFor(instrument string) *stats.CVD {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cvd[instrument]
	if !ok {
		c = stats.NewCVD()
		e.cvd[instrument] = c
	}
	return c
}

func (e *Engine) paceFor(instrument string) *stats.Pace {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pace[instrument]
	if !ok {
		p = stats.NewPace(e.cfg.PaceBaselineSamples, e.cfg.PaceAnomalyStdev, e.cfg.PaceWindowSeconds)
		e.pace[instrument] = p
	}
	return p
}

// Detect runs every trade-window detector against instrument's recent
// trades, folding them into the per-instrument CVD/Pace/VolumeProfile
// trackers along the way.
func (e *Engine) Detect(instrument string, trades []types.Trade) []types.Candidate {
	if len(trades) == 0 {
		return nil
	}

	cvd := e.cvdFor(instrument)
	cvd.Update(trades)
	pace := e.paceFor(instrument)
	e.vp.Update(instrument, trades)

	var out []types.Candidate
	out = append(out, e.detectAbsorption(instrument, trades)...)
	out = append(out, e.detectIceberg(instrument, trades)...)
	out = append(out, e.detectMomentum(instrument, trades)...)
	out = append(out, e.detectPressure(instrument, trades)...)
	out = append(out, e.detectVolumeSpike(instrument, trades)...)
	if a, ok := pace.Update(trades[len(trades)-1].Timestamp); ok {
		out = append(out, e.paceCandidate(instrument, trades, a))
	}
	out = append(out, e.detectInstitutional(instrument, trades)...)
	out = append(out, e.detectHiddenLiquidity(instrument, trades)...)
	out = append(out, e.detectMultiframe(instrument, trades)...)
	out = append(out, e.detectTrap(instrument, trades)...)
	return out
}

// DetectBook runs the book-dynamics detector family against a fresh
// OrderBook snapshot, diffing it against the previous snapshot held for
// instrument.
func (e *Engine) DetectBook(instrument string, book types.OrderBook) []types.Candidate {
	e.mu.Lock()
	prev, had := e.lastBook[instrument]
	e.lastBook[instrument] = book
	e.mu.Unlock()

	if !had {
		return nil
	}
	return e.detectBookDynamics(instrument, prev, book)
}

// Reset clears instrument's CVD, volume profile, previous book, level birth
// times and multi-timeframe state; its pace tracker and baseline are kept.
// Called on the daily-reset event.
func (e *Engine) Reset(instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cvd[instrument]; ok {
		c.Reset()
	}
	e.vp.Reset(instrument)
	delete(e.lastBook, instrument)
	delete(e.levelAge, instrument)
	delete(e.multiframe, instrument)
}

// strength derives the 1..10 strength score from a detector's base class
// (strong family = 8, medium = 7, else 5) plus the volume bonus (+2 if
// > 2000, +1 if > 1000) shared by every detector.
func strength(base int, volume int64) int {
	s := base
	switch {
	case volume > 2000:
		s += 2
	case volume > 1000:
		s += 1
	}
	if s > 10 {
		s = 10
	}
	return s
}

func windowVolume(trades []types.Trade) int64 {
	var total int64
	for _, t := range trades {
		total += t.Volume
	}
	return total
}

func lastN(trades []types.Trade, n int) []types.Trade {
	if n >= len(trades) {
		return trades
	}
	return trades[len(trades)-n:]
}
