// Package confluence matches a passed candidate against the daily
// calculated-level grid: a candidate near a named price level, matched
// against a seed rule table, can synthesize an ALERT-level signal sourced
// from CONFLUENCE.
package confluence

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// Engine evaluates candidates against a daily LevelGrid.
type Engine struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger
	tick   decimal.Decimal
}

// NewEngine creates a confluence Engine bound to cfg's calculated_market
// settings, publishing any synthesized signal on bus.
func NewEngine(cfg *config.Config, bus *events.Bus, logger *zap.Logger, tick decimal.Decimal) *Engine {
	return &Engine{cfg: cfg, bus: bus, logger: logger.Named("confluence"), tick: tick}
}

// Evaluate runs the full confluence pipeline for c against grid, publishing
// and returning the resulting Signal if every gate passes.
func (e *Engine) Evaluate(c types.Candidate, grid *types.LevelGrid) (types.Signal, bool) {
	tolerance := e.tick.Mul(decimal.NewFromFloat(e.cfg.CalculatedMarket.ToleranciaProximidade))
	level, ok := nearestLevel(grid, c.Price, tolerance)
	if !ok {
		return types.Signal{}, false
	}

	r, ok := findRule(c.Pattern, level.Name, c.Direction)
	if !ok {
		r, ok = checkExtreme(level.Name, c.Strength, e.cfg.CalculatedMarket.ExtremeForceThreshold)
		if !ok {
			return types.Signal{}, false
		}
	}

	if c.Strength < e.cfg.CalculatedMarket.MinimumForce || r.confidence < e.cfg.CalculatedMarket.MinimumConfidence {
		return types.Signal{}, false
	}

	confidence := r.confidence
	if inPTAXWindow(c.Timestamp, e.cfg.CalculatedMarket.JanelasPTAX) {
		confidence += 0.10
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	stop, target := stopAndTarget(c.Price, r.action, grid)

	sig := types.Signal{
		ID:        uuid.NewString(),
		Source:    types.SourceConfluence,
		Level:     types.LevelAlert,
		Message:   fmt.Sprintf("%s: %s @ %s (%s)", c.Instrument, r.description, level.Name, r.action),
		Timestamp: c.Timestamp,
		Detail: map[string]interface{}{
			"instrument": c.Instrument,
			"pattern":    string(c.Pattern),
			"level":      level.Name,
			"action":     string(r.action),
			"confidence": confidence,
			"strength":   c.Strength,
			"stop":       stop.String(),
			"target":     target.String(),
		},
	}
	e.bus.Publish(events.TopicSignalGenerated, sig)
	return sig, true
}

// stopAndTarget computes a signal's stop/target: on BUY, stop sits 5 below
// the nearest support under price and target at the nearest resistance
// above it; on SELL the roles invert. Either side falls back to a flat
// price +/- 20 offset when the grid has no level of the needed type on
// that side.
func stopAndTarget(price decimal.Decimal, action types.Direction, grid *types.LevelGrid) (stop, target decimal.Decimal) {
	fallback := decimal.NewFromInt(20)
	protective := decimal.NewFromInt(5)

	if action == types.DirectionBuy {
		if support, ok := maxBelow(price, grid, types.LevelSupport); ok {
			stop = support.Sub(protective)
		} else {
			stop = price.Sub(fallback)
		}
		if resistance, ok := minAbove(price, grid, types.LevelResistance); ok {
			target = resistance
		} else {
			target = price.Add(fallback)
		}
		return stop, target
	}

	if resistance, ok := minAbove(price, grid, types.LevelResistance); ok {
		stop = resistance.Add(protective)
	} else {
		stop = price.Add(fallback)
	}
	if support, ok := maxBelow(price, grid, types.LevelSupport); ok {
		target = support
	} else {
		target = price.Sub(fallback)
	}
	return stop, target
}

// maxBelow returns the highest kind-typed level price strictly below price.
func maxBelow(price decimal.Decimal, grid *types.LevelGrid, kind types.LevelType) (decimal.Decimal, bool) {
	found := false
	var best decimal.Decimal
	for _, lvl := range grid.Levels {
		if lvl.Type == kind && lvl.Price.LessThan(price) && (!found || lvl.Price.GreaterThan(best)) {
			best, found = lvl.Price, true
		}
	}
	return best, found
}

// minAbove returns the lowest kind-typed level price strictly above price.
func minAbove(price decimal.Decimal, grid *types.LevelGrid, kind types.LevelType) (decimal.Decimal, bool) {
	found := false
	var best decimal.Decimal
	for _, lvl := range grid.Levels {
		if lvl.Type == kind && lvl.Price.GreaterThan(price) && (!found || lvl.Price.LessThan(best)) {
			best, found = lvl.Price, true
		}
	}
	return best, found
}
