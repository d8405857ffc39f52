package confirmation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
)

func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// evaluate dispatches to the confirmation predicate for e.pending.Pattern.
// window is the instrument's recent trade history (as wide as the caller
// keeps); book is its current order book snapshot, which may be
// zero-valued if none has arrived yet.
func (t *Tracker) evaluate(e *entry, now time.Time, window []types.Trade, book types.OrderBook) bool {
	switch types.Pattern(e.pending.Pattern) {
	case types.PatternAbsorption, types.PatternExhaustion:
		return t.confirmAbsorption(e, window)
	case types.PatternDivergenceLow, types.PatternDivergenceHi:
		return t.confirmDivergence(e, window)
	case types.PatternMomentumExtrm:
		return t.confirmMomentum(e, window)
	case types.PatternInstitutional:
		return t.confirmInstitutional(e, now, window)
	case types.PatternHiddenLiquidity:
		return t.confirmHiddenLiquidity(e, window)
	default:
		return false
	}
}

// confirmAbsorption: >= min_tests subsequent trades land within
// price_band_ticks of the level, and their combined volume clears
// test_threshold * the original level's volume.
func (t *Tracker) confirmAbsorption(e *entry, window []types.Trade) bool {
	cfg := t.cfg.PatternConfirmation.Absorption
	level := e.original.Price
	band := t.tick.Mul(decimalFromFloat(cfg.PriceBandTicks)).Abs()

	var tests int
	var volume int64
	for _, tr := range window {
		if !tr.Timestamp.After(e.pending.CreatedAt) {
			continue
		}
		if tr.Price.Sub(level).Abs().GreaterThan(band) {
			continue
		}
		tests++
		volume += tr.Volume
	}
	return tests >= cfg.MinTests && float64(volume) >= cfg.TestThreshold*float64(e.original.Volume)
}

// confirmDivergence: after >= confirmation_bars ticks (one per Tick call,
// tracked via Attempts), the most recent price is still on the side of the
// trigger price the original candidate's direction implies, within
// price_tolerance.
func (t *Tracker) confirmDivergence(e *entry, window []types.Trade) bool {
	cfg := t.cfg.PatternConfirmation.Divergence
	if e.pending.Attempts < cfg.ConfirmationBars {
		return false
	}
	if len(window) == 0 {
		return false
	}
	last := window[len(window)-1].Price
	trigger := e.original.Price
	tolerance := trigger.Abs().Mul(decimalFromFloat(cfg.PriceTolerance))

	switch e.original.Direction {
	case types.DirectionSell:
		return last.LessThanOrEqual(trigger.Add(tolerance))
	case types.DirectionBuy:
		return last.GreaterThanOrEqual(trigger.Sub(tolerance))
	default:
		return false
	}
}

// confirmMomentum: the CVD of the last `window` (default 50) trades
// continues in the original candidate's direction with |value| >=
// min_continuation_cvd.
func (t *Tracker) confirmMomentum(e *entry, window []types.Trade) bool {
	cfg := t.cfg.PatternConfirmation.ExtremeMomentum
	n := cfg.Window
	if n <= 0 {
		n = 50
	}
	recent := window
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	var delta int64
	for _, tr := range recent {
		switch tr.Side {
		case types.SideBuy:
			delta += tr.Volume
		case types.SideSell:
			delta -= tr.Volume
		}
	}
	if float64(abs64(delta)) < cfg.MinContinuationCVD {
		return false
	}
	if e.original.Direction == types.DirectionBuy {
		return delta > 0
	}
	if e.original.Direction == types.DirectionSell {
		return delta < 0
	}
	return false
}

// confirmInstitutional: the share of window volume sitting in the
// institutional size band stays >= volume_threshold continuously for >=
// min_persistence. persistentSince resets whenever the share drops below
// threshold, so the persistence window must be unbroken.
func (t *Tracker) confirmInstitutional(e *entry, now time.Time, window []types.Trade) bool {
	cfg := t.cfg.PatternConfirmation.InstitutionalFootprint
	minBand := t.cfg.Institutional.SizeBandMin
	maxBand := t.cfg.Institutional.SizeBandMax

	var total, institutional int64
	for _, tr := range window {
		total += tr.Volume
		if tr.Volume >= minBand && tr.Volume <= maxBand {
			institutional += tr.Volume
		}
	}
	if total == 0 {
		return false
	}
	share := float64(institutional) / float64(total)
	if share < cfg.VolumeThreshold {
		e.persistentSince = time.Time{}
		return false
	}
	if e.persistentSince.IsZero() {
		e.persistentSince = now
		return false
	}
	return now.Sub(e.persistentSince) >= cfg.MinPersistence
}

// confirmHiddenLiquidity: trades landing back at the original level price
// after it was last checked count as reload signals; confirm once
// reload_confirmations such signals have accumulated since creation.
func (t *Tracker) confirmHiddenLiquidity(e *entry, window []types.Trade) bool {
	cfg := t.cfg.PatternConfirmation.HiddenLiquidity
	level := e.original.Price
	band := level.Abs().Mul(decimalFromFloat(0.005))

	for _, tr := range window {
		if tr.Timestamp.Before(e.pending.LastCheckAt) {
			continue
		}
		if tr.Timestamp.After(e.pending.CreatedAt) && tr.Price.Sub(level).Abs().LessThanOrEqual(band) {
			e.reloadCount++
		}
	}
	return e.reloadCount >= cfg.ReloadConfirmations
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
