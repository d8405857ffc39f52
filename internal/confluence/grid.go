package confluence

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

// levelType classifies each named level by distance from BASE: strength
// grows with distance, and type follows sign (negative multiplier ==
// support, positive == resistance, BASE itself is the pivot).
var levelType = map[string]types.LevelType{
	"SOFRER_2X": types.LevelResistance,
	"SOFRER":    types.LevelResistance,
	"SX_SUP":    types.LevelResistance,
	"DEFENDO":   types.LevelResistance,
	"BASE":      types.LevelPivot,
	"PB":        types.LevelSupport,
	"SX":        types.LevelSupport,
	"DEVENDO":   types.LevelSupport,
	"SOFGRE":    types.LevelSupport,
}

var levelStrength = map[string]int{
	"SOFRER_2X": 3, "SOFRER": 2, "SX_SUP": 1, "DEFENDO": 1,
	"BASE": 0,
	"PB":   1, "SX": 1, "DEVENDO": 2, "SOFGRE": 3,
}

// BuildGrid computes one day's calculated-level grid from a reference rate:
// base = reference*1000 + cupom_cambial, and each named level sits
// multiplicador[name] * volatilidade_unidade away from base.
func BuildGrid(date time.Time, referenceRate float64, cfg *config.Config) *types.LevelGrid {
	base := decimal.NewFromFloat(referenceRate).Mul(decimal.NewFromInt(1000)).
		Add(decimal.NewFromFloat(cfg.CalculatedMarket.CupomCambial))
	unit := decimal.NewFromFloat(cfg.CalculatedMarket.VolatilidadeUnidade)

	levels := make(map[string]types.CalculatedLevel, len(cfg.CalculatedMarket.Multiplicadores))
	for name, mult := range cfg.CalculatedMarket.Multiplicadores {
		price := base.Add(decimal.NewFromFloat(mult).Mul(unit))
		levels[name] = types.CalculatedLevel{
			Name:     name,
			Price:    price,
			Type:     levelTypeOf(name),
			Strength: levelStrength[name],
		}
	}
	return &types.LevelGrid{Date: date, Base: base, Levels: levels}
}

func levelTypeOf(name string) types.LevelType {
	if t, ok := levelType[name]; ok {
		return t
	}
	return types.LevelPivot
}

// nearestLevel finds the level whose price is closest to price, returning
// it only if that distance is within tolerance.
func nearestLevel(grid *types.LevelGrid, price, tolerance decimal.Decimal) (types.CalculatedLevel, bool) {
	var best types.CalculatedLevel
	var bestDist decimal.Decimal
	found := false
	for _, lvl := range grid.Levels {
		dist := lvl.Price.Sub(price).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = lvl, dist, true
		}
	}
	if !found || bestDist.GreaterThan(tolerance) {
		return types.CalculatedLevel{}, false
	}
	return best, true
}

// inPTAXWindow reports whether ts's local time-of-day falls within any of
// the configured PTAX fixing windows.
func inPTAXWindow(ts time.Time, windows []config.PTAXWindow) bool {
	h, m, _ := ts.Clock()
	minutes := h*60 + m
	for _, w := range windows {
		start := w.StartHour*60 + w.StartMinute
		end := w.EndHour*60 + w.EndMinute
		if minutes >= start && minutes <= end {
			return true
		}
	}
	return false
}
