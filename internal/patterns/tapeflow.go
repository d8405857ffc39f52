package patterns

import (
	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/internal/stats"
	"github.com/marketflow/tapereader/pkg/types"
	"github.com/marketflow/tapereader/pkg/utils"
)

// priceBucket groups trades in a window by tick-rounded price, returning
// both the per-bucket volume and a representative price/timestamp/side so
// callers can build a Candidate without a second pass over trades.
type priceBucket struct {
	repPrice decimal.Decimal
	volume   int64
	lastTs   types.Trade
	buySide  int64
	sellSide int64
}

func (e *Engine) bucketByPrice(trades []types.Trade) map[string]*priceBucket {
	buckets := make(map[string]*priceBucket)
	for _, t := range trades {
		key := utils.RoundToTickSize(t.Price, e.tick).String()
		b, ok := buckets[key]
		if !ok {
			b = &priceBucket{repPrice: utils.RoundToTickSize(t.Price, e.tick)}
			buckets[key] = b
		}
		b.volume += t.Volume
		b.lastTs = t
		switch t.Side {
		case types.SideBuy:
			b.buySide += t.Volume
		case types.SideSell:
			b.sellSide += t.Volume
		}
	}
	return buckets
}

// detectAbsorption implements ESCORA_DETECTADA/EXHAUSTION: a price bucket
// whose share of total window volume exceeds concentration_threshold and
// whose aggregate volume clears min_volume_threshold (AbsorptionThreshold).
func (e *Engine) detectAbsorption(instrument string, trades []types.Trade) []types.Candidate {
	total := windowVolume(trades)
	if total == 0 {
		return nil
	}
	buckets := e.bucketByPrice(trades)

	var out []types.Candidate
	for _, b := range buckets {
		concentration := float64(b.volume) / float64(total)
		if concentration < e.cfg.ConcentrationThreshold || b.volume < e.cfg.AbsorptionThreshold {
			continue
		}
		pattern := types.PatternAbsorption
		kind := "ABSORPTION"
		if b.volume > e.cfg.ExhaustionVolume {
			pattern = types.PatternExhaustion
			kind = "EXHAUSTION"
		}
		out = append(out, types.Candidate{
			Pattern:    pattern,
			Instrument: instrument,
			Price:      b.repPrice,
			Volume:     b.volume,
			Timestamp:  b.lastTs.Timestamp,
			Direction:  bucketBias(b),
			Strength:   strength(7, b.volume),
			Detail:     types.AbsorptionDetail{Concentration: concentration, Type: kind},
		})
	}
	return out
}

// detectIceberg implements ICEBERG_BUY/SELL: a bucket where >= repetitions
// executions of near-identical size (>= min_volume each) land on the same
// aggressor side.
func (e *Engine) detectIceberg(instrument string, trades []types.Trade) []types.Candidate {
	type levelSide struct {
		price string
		side  types.Side
	}
	groups := make(map[levelSide][]types.Trade)
	for _, t := range trades {
		if t.Side == types.SideUnknown || t.Volume < e.cfg.IcebergMinVolume {
			continue
		}
		key := levelSide{price: utils.RoundToTickSize(t.Price, e.tick).String(), side: t.Side}
		groups[key] = append(groups[key], t)
	}

	var out []types.Candidate
	for key, ts := range groups {
		if len(ts) < e.cfg.IcebergRepetitions {
			continue
		}
		if !similarSizes(ts) {
			continue
		}
		var total int64
		for _, t := range ts {
			total += t.Volume
		}
		pattern := types.PatternIcebergBuy
		if key.side == types.SideSell {
			pattern = types.PatternIcebergSell
		}
		last := ts[len(ts)-1]
		unit := decimal.NewFromInt(total).Div(decimal.NewFromInt(int64(len(ts))))
		out = append(out, types.Candidate{
			Pattern:    pattern,
			Instrument: instrument,
			Price:      last.Price,
			Volume:     total,
			Timestamp:  last.Timestamp,
			Direction:  sideToDirection(key.side),
			Strength:   strength(7, total),
			Detail:     types.IcebergDetail{Repetitions: len(ts), UnitVolume: unit},
		})
	}
	return out
}

// similarSizes reports whether a group of trades all sit within 20% of
// their mean size, the near-identical-size test the iceberg contract names.
func similarSizes(trades []types.Trade) bool {
	if len(trades) == 0 {
		return false
	}
	var sum int64
	for _, t := range trades {
		sum += t.Volume
	}
	mean := float64(sum) / float64(len(trades))
	for _, t := range trades {
		diff := float64(t.Volume) - mean
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.2*mean {
			return false
		}
	}
	return true
}

// bucketBias returns the aggressor-side bias of a price bucket: BUY if
// buy-side volume dominates, SELL if sell-side does, neutral otherwise.
func bucketBias(b *priceBucket) types.Direction {
	switch {
	case b.buySide > b.sellSide:
		return types.DirectionBuy
	case b.sellSide > b.buySide:
		return types.DirectionSell
	default:
		return types.DirectionNeutral
	}
}

func sideToDirection(s types.Side) types.Direction {
	switch s {
	case types.SideBuy:
		return types.DirectionBuy
	case types.SideSell:
		return types.DirectionSell
	default:
		return types.DirectionNeutral
	}
}

// priceTrend returns -1/0/+1 over a trade window by comparing the first and
// last trade price against a single tick of movement.
func priceTrend(trades []types.Trade, tick decimal.Decimal) int {
	if len(trades) < 2 {
		return 0
	}
	first := trades[0].Price
	last := trades[len(trades)-1].Price
	diff := last.Sub(first)
	if tick.IsPositive() && diff.Abs().LessThan(tick) {
		return 0
	}
	if diff.IsPositive() {
		return 1
	}
	if diff.IsNegative() {
		return -1
	}
	return 0
}

// detectMomentum implements DIVERGENCIA_BAIXA/ALTA and MOMENTUM_EXTREMO.
func (e *Engine) detectMomentum(instrument string, trades []types.Trade) []types.Candidate {
	roc := stats.RateOfChange(trades, e.cfg.CVDRoCPeriod)
	trend := priceTrend(trades, e.tick)
	last := trades[len(trades)-1]
	vol := windowVolume(lastN(trades, e.cfg.CVDRoCPeriod))

	var out []types.Candidate
	switch {
	case trend > 0 && roc < -e.cfg.DivergenceThreshold:
		out = append(out, types.Candidate{
			Pattern: types.PatternDivergenceLow, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Direction: types.DirectionSell,
			Strength: strength(8, vol), Detail: types.MomentumDetail{CVDRoC: roc, PriceTrend: trend},
		})
	case trend < 0 && roc > e.cfg.DivergenceThreshold:
		out = append(out, types.Candidate{
			Pattern: types.PatternDivergenceHi, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Direction: types.DirectionBuy,
			Strength: strength(8, vol), Detail: types.MomentumDetail{CVDRoC: roc, PriceTrend: trend},
		})
	}

	if absF(roc) > e.cfg.ExtremeThreshold {
		opposing := (roc > 0 && trend < 0) || (roc < 0 && trend > 0)
		if !opposing {
			dir := types.DirectionBuy
			if roc < 0 {
				dir = types.DirectionSell
			}
			out = append(out, types.Candidate{
				Pattern: types.PatternMomentumExtrm, Instrument: instrument, Price: last.Price,
				Volume: vol, Timestamp: last.Timestamp, Direction: dir,
				Strength: strength(8, vol), Detail: types.MomentumDetail{CVDRoC: roc, PriceTrend: trend},
			})
		}
	}
	return out
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// detectPressure implements PRESSAO_COMPRA/VENDA over the last 20 trades.
func (e *Engine) detectPressure(instrument string, trades []types.Trade) []types.Candidate {
	window := lastN(trades, 20)
	total := windowVolume(window)
	if total < e.cfg.PressureMinVolume {
		return nil
	}
	var buy, sell int64
	for _, t := range window {
		switch t.Side {
		case types.SideBuy:
			buy += t.Volume
		case types.SideSell:
			sell += t.Volume
		}
	}
	last := window[len(window)-1]

	buyRatio := float64(buy) / float64(total)
	sellRatio := float64(sell) / float64(total)

	var out []types.Candidate
	if buyRatio >= e.cfg.PressureThreshold {
		out = append(out, types.Candidate{
			Pattern: types.PatternPressureBuy, Instrument: instrument, Price: last.Price,
			Volume: total, Timestamp: last.Timestamp, Direction: types.DirectionBuy,
			Strength: strength(7, total), Detail: types.PressureDetail{Ratio: buyRatio, Volume: total},
		})
	} else if sellRatio >= e.cfg.PressureThreshold {
		out = append(out, types.Candidate{
			Pattern: types.PatternPressureSell, Instrument: instrument, Price: last.Price,
			Volume: total, Timestamp: last.Timestamp, Direction: types.DirectionSell,
			Strength: strength(7, total), Detail: types.PressureDetail{Ratio: sellRatio, Volume: total},
		})
	}
	return out
}

// detectVolumeSpike implements VOLUME_SPIKE: the last 10-trade volume
// exceeds spike_multiplier times the median volume of the 50-to-10 trades
// preceding it.
func (e *Engine) detectVolumeSpike(instrument string, trades []types.Trade) []types.Candidate {
	if len(trades) < 20 {
		return nil
	}
	recent := lastN(trades, 10)
	recentVol := float64(windowVolume(recent))

	historyEnd := len(trades) - 10
	historyStart := historyEnd - e.cfg.SpikeHistorySize
	if historyStart < 0 {
		historyStart = 0
	}
	history := trades[historyStart:historyEnd]
	if len(history) < 10 {
		return nil
	}

	// Median of per-trade volume across the history window, matching the
	// contract's "median of the last 50-to-10 trades" baseline.
	vols := make([]float64, 0, len(history))
	for _, t := range history {
		vols = append(vols, float64(t.Volume))
	}
	median := utils.Median(vols) * float64(len(recent))
	if median <= 0 {
		return nil
	}
	if recentVol < median*e.cfg.SpikeMultiplier {
		return nil
	}

	last := recent[len(recent)-1]
	return []types.Candidate{{
		Pattern: types.PatternVolumeSpike, Instrument: instrument, Price: last.Price,
		Volume: int64(recentVol), Timestamp: last.Timestamp,
		Strength: strength(7, int64(recentVol)),
		Detail:   types.VolumeSpikeDetail{Multiplier: recentVol / median, Median: median},
	}}
}

// paceCandidate builds the PACE_ANOMALY candidate from a stats.PaceAnomaly,
// labelling it with the dominant aggressor side over the same window.
func (e *Engine) paceCandidate(instrument string, trades []types.Trade, a stats.PaceAnomaly) types.Candidate {
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
	dir := "NEUTRAL"
	if buy > sell {
		dir = "BUY"
	} else if sell > buy {
		dir = "SELL"
	}
	last := trades[len(trades)-1]
	vol := windowVolume(window)
	return types.Candidate{
		Pattern: types.PatternPaceAnomaly, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp,
		Strength: strength(5, vol),
		Detail:   types.PaceDetail{Pace: a.Pace, Baseline: a.Baseline, Direction: dir},
	}
}
