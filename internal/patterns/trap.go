package patterns

import (
	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
)

// detectTrap implements the BULL_TRAP/BEAR_TRAP/STOP_HUNT/LIQUIDITY_TRAP/
// SQUEEZE_TRAP family. Each sub-detector works over the trailing slice of
// the supplied window it needs (50 trades of context plus a following
// 10-trade confirmation slice), so the family carries no cross-call state;
// the liquidity-trap check also reads the last book stored by DetectBook.
func (e *Engine) detectTrap(instrument string, trades []types.Trade) []types.Candidate {
	var out []types.Candidate
	out = append(out, e.detectBullBearTrap(instrument, trades)...)
	out = append(out, e.detectStopHunt(instrument, trades)...)
	if c, ok := e.detectLiquidityTrap(instrument, trades); ok {
		out = append(out, c)
	}
	if c, ok := e.detectSqueezeTrap(instrument, trades); ok {
		out = append(out, c)
	}
	return out
}

// detectBullBearTrap: a trade pierces the recent 50-trade high/low by
// >= breakout_pct, then the next 10 trades retrace >= retrace_pct of the
// excursion.
func (e *Engine) detectBullBearTrap(instrument string, trades []types.Trade) []types.Candidate {
	if len(trades) < 61 {
		return nil
	}
	window := trades[len(trades)-61 : len(trades)-11]
	confirm := trades[len(trades)-10:]

	high, low := extrema(window)
	breakoutFrac := e.cfg.TrapDetection.BreakoutPct / 100.0
	retraceFrac := e.cfg.TrapDetection.RetracePct / 100.0

	var out []types.Candidate
	pierce := trades[len(trades)-11]
	highF, _ := high.Float64()
	lowF, _ := low.Float64()
	pierceF, _ := pierce.Price.Float64()

	if highF > 0 && pierceF > highF*(1+breakoutFrac) {
		excursion := pierceF - highF
		retraced := retracement(confirm, pierceF, -1)
		if retraced >= retraceFrac*excursion && excursion > 0 {
			// A false break above a high that snaps back catches late
			// buyers; the follow-through is bearish.
			out = append(out, trapCandidate(types.PatternBullTrap, instrument, confirm, excursion/highF*100, retraced/excursion*100, types.DirectionSell))
		}
	}
	if lowF > 0 && pierceF < lowF*(1-breakoutFrac) {
		excursion := lowF - pierceF
		retraced := retracement(confirm, pierceF, 1)
		if retraced >= retraceFrac*excursion && excursion > 0 {
			out = append(out, trapCandidate(types.PatternBearTrap, instrument, confirm, excursion/lowF*100, retraced/excursion*100, types.DirectionBuy))
		}
	}
	return out
}

// retracement measures how far, in the given direction (+1 up, -1 down),
// confirm's prices move back from the pierce price.
func retracement(confirm []types.Trade, pierce float64, direction int) float64 {
	var best float64
	for _, t := range confirm {
		p, _ := t.Price.Float64()
		move := float64(direction) * (p - pierce)
		if move > best {
			best = move
		}
	}
	return best
}

// extrema returns the highest and lowest trade price in a window.
func extrema(trades []types.Trade) (high, low decimal.Decimal) {
	if len(trades) == 0 {
		return decimal.Zero, decimal.Zero
	}
	high, low = trades[0].Price, trades[0].Price
	for _, t := range trades[1:] {
		if t.Price.GreaterThan(high) {
			high = t.Price
		}
		if t.Price.LessThan(low) {
			low = t.Price
		}
	}
	return high, low
}

func trapCandidate(pattern types.Pattern, instrument string, confirm []types.Trade, excursionPct, retracePct float64, dir types.Direction) types.Candidate {
	last := confirm[len(confirm)-1]
	vol := windowVolume(confirm)
	return types.Candidate{
		Pattern: pattern, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp, Strength: strength(8, vol),
		Direction: dir,
		Detail:    types.TrapDetail{ExcursionPct: excursionPct, RetracePct: retracePct},
	}
}

// detectStopHunt: clustering of trades within stop_cluster_pct of a local
// extremum of the last 50 prices, that reverses within <= 10 trades.
func (e *Engine) detectStopHunt(instrument string, trades []types.Trade) []types.Candidate {
	if len(trades) < 60 {
		return nil
	}
	window := trades[len(trades)-60 : len(trades)-10]
	confirm := trades[len(trades)-10:]

	high, low := priceExtrema(window)
	clusterFrac := e.cfg.TrapDetection.StopClusterPct / 100.0

	var near []types.Trade
	for _, t := range confirm {
		p, _ := t.Price.Float64()
		if high > 0 && absF(p-high) <= high*clusterFrac {
			near = append(near, t)
		} else if low > 0 && absF(p-low) <= low*clusterFrac {
			near = append(near, t)
		}
	}
	if len(near) < 2 {
		return nil
	}
	first, _ := near[0].Price.Float64()
	last := near[len(near)-1]
	lastP, _ := last.Price.Float64()
	if absF(lastP-first) < 1e-9 {
		return nil
	}
	reversed := (lastP - first) * (high - low) < 0
	if !reversed {
		return nil
	}
	vol := windowVolume(near)
	return []types.Candidate{{
		Pattern: types.PatternStopHunt, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp, Strength: strength(7, vol),
	}}
}

func priceExtrema(trades []types.Trade) (high, low float64) {
	if len(trades) == 0 {
		return 0, 0
	}
	high, _ = trades[0].Price.Float64()
	low = high
	for _, t := range trades[1:] {
		p, _ := t.Price.Float64()
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}
	return high, low
}

// detectLiquidityTrap: book imbalance >= imbalance_ratio on one side while
// aggregate flow in the last 20 trades exceeds 1.5x on the opposite side.
func (e *Engine) detectLiquidityTrap(instrument string, trades []types.Trade) (types.Candidate, bool) {
	e.mu.Lock()
	book, ok := e.lastBook[instrument]
	e.mu.Unlock()
	if !ok {
		return types.Candidate{}, false
	}

	bidVol := float64(book.BidVolume(0))
	askVol := float64(book.AskVolume(0))
	window := lastN(trades, 20)
	var buy, sell int64
	for _, t := range window {
		switch t.Side {
		case types.SideBuy:
			buy += t.Volume
		case types.SideSell:
			sell += t.Volume
		}
	}
	ratio := e.cfg.TrapDetection.ImbalanceRatio

	bookBidHeavy := askVol > 0 && bidVol >= ratio*askVol
	bookAskHeavy := bidVol > 0 && askVol >= ratio*bidVol
	flowSellHeavy := buy > 0 && float64(sell) >= 1.5*float64(buy)
	flowBuyHeavy := sell > 0 && float64(buy) >= 1.5*float64(sell)

	if !((bookBidHeavy && flowSellHeavy) || (bookAskHeavy && flowBuyHeavy)) {
		return types.Candidate{}, false
	}
	last := window[len(window)-1]
	vol := windowVolume(window)
	return types.Candidate{
		Pattern: types.PatternLiquidityTrp, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp, Strength: strength(7, vol),
	}, true
}

// detectSqueezeTrap: the price range of the last 20 trades is <=
// squeeze_range_ratio of the preceding 20's range, while volume over the
// latter exceeds the former's by >= spike_multiplier.
func (e *Engine) detectSqueezeTrap(instrument string, trades []types.Trade) (types.Candidate, bool) {
	if len(trades) < 40 {
		return types.Candidate{}, false
	}
	preceding := trades[len(trades)-40 : len(trades)-20]
	recent := trades[len(trades)-20:]

	precHigh, precLow := priceExtrema(preceding)
	recHigh, recLow := priceExtrema(recent)
	precRange := precHigh - precLow
	recRange := recHigh - recLow
	if precRange <= 0 {
		return types.Candidate{}, false
	}
	if recRange > precRange*e.cfg.TrapDetection.SqueezeRangeRatio {
		return types.Candidate{}, false
	}
	precVol := windowVolume(preceding)
	recVol := windowVolume(recent)
	if precVol == 0 || float64(recVol) < float64(precVol)*e.cfg.SpikeMultiplier {
		return types.Candidate{}, false
	}
	last := recent[len(recent)-1]
	return types.Candidate{
		Pattern: types.PatternSqueezeTrap, Instrument: instrument, Price: last.Price,
		Volume: recVol, Timestamp: last.Timestamp, Strength: strength(7, recVol),
	}, true
}
