package patterns

import (
	"github.com/marketflow/tapereader/pkg/types"
	"github.com/marketflow/tapereader/pkg/utils"
)

// canonicalIcebergSizes are round-lot sizes institutional desks favor;
// a trade landing on one of these contributes to the size-repetition score.
var canonicalIcebergSizes = []int64{50, 100, 150, 200, 250, 300, 500, 1000}

func nearestCanonical(vol int64) (int64, bool) {
	for _, c := range canonicalIcebergSizes {
		diff := vol - c
		if diff < 0 {
			diff = -diff
		}
		if float64(diff) <= 0.05*float64(c) {
			return c, true
		}
	}
	return 0, false
}

// detectInstitutional implements INSTITUTIONAL_FOOTPRINT: four normalized
// subscores over a >= min_trades window, weighted-mean gated.
func (e *Engine) detectInstitutional(instrument string, trades []types.Trade) []types.Candidate {
	if len(trades) < e.cfg.Institutional.MinTrades {
		return nil
	}
	window := lastN(trades, e.cfg.Institutional.MinTrades)

	sizeScore := institutionalSizeScore(window)
	timingScore := institutionalTimingScore(window)
	concentrationScore := institutionalConcentrationScore(window, e.cfg.Institutional.SizeBandMin, e.cfg.Institutional.SizeBandMax)
	styleScore, bias := institutionalStyleScore(window)

	weighted := (sizeScore + timingScore + concentrationScore + styleScore) / 4.0
	if weighted < e.cfg.Institutional.ScoreThreshold {
		return nil
	}

	trend := priceTrend(window, e.tick)
	operation := classifyOperation(bias, trend)
	style := "PATIENT"
	if timingScore > 0.6 {
		style = "AGGRESSIVE"
	}

	last := window[len(window)-1]
	vol := windowVolume(window)
	dir := types.DirectionNeutral
	if bias > 0.1 {
		dir = types.DirectionBuy
	} else if bias < -0.1 {
		dir = types.DirectionSell
	}

	return []types.Candidate{{
		Pattern: types.PatternInstitutional, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp, Direction: dir, Strength: strength(8, vol),
		Detail: types.InstitutionalDetail{Score: weighted, Operation: operation, Style: style},
	}}
}

// classifyOperation maps directional bias x price trend to one of
// accumulation/distribution/market-making/position-maintenance.
func classifyOperation(bias float64, trend int) string {
	switch {
	case bias > 0.1 && trend >= 0:
		return "ACCUMULATION"
	case bias < -0.1 && trend <= 0:
		return "DISTRIBUTION"
	case absF(bias) <= 0.1:
		return "MARKET_MAKING"
	default:
		return "POSITION_MAINTENANCE"
	}
}

func institutionalSizeScore(trades []types.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	var hits int
	for _, t := range trades {
		if _, ok := nearestCanonical(t.Volume); ok {
			hits++
		}
	}
	return float64(hits) / float64(len(trades))
}

// institutionalTimingScore normalizes to [0,1] via 1/(1+CV): lower
// variability in inter-trade spacing means a higher, more "programmatic"
// score.
func institutionalTimingScore(trades []types.Trade) float64 {
	if len(trades) < 3 {
		return 0
	}
	intervals := make([]float64, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		intervals = append(intervals, trades[i].Timestamp.Sub(trades[i-1].Timestamp).Seconds())
	}
	mean := utils.CalculateMean(intervals)
	if mean <= 0 {
		return 0
	}
	stdev := utils.CalculateStdDev(intervals)
	cv := stdev / mean
	return 1.0 / (1.0 + cv)
}

func institutionalConcentrationScore(trades []types.Trade, min, max int64) float64 {
	if len(trades) == 0 {
		return 0
	}
	var inBand int
	for _, t := range trades {
		if t.Volume >= min && t.Volume <= max {
			inBand++
		}
	}
	return float64(inBand) / float64(len(trades))
}

// institutionalStyleScore returns a normalized aggression/directional-bias
// score in [0,1] plus the signed bias in [-1,1] used to classify operation
// type.
func institutionalStyleScore(trades []types.Trade) (float64, float64) {
	var buy, sell int64
	for _, t := range trades {
		switch t.Side {
		case types.SideBuy:
			buy += t.Volume
		case types.SideSell:
			sell += t.Volume
		}
	}
	total := buy + sell
	if total == 0 {
		return 0, 0
	}
	bias := (float64(buy) - float64(sell)) / float64(total)
	return absF(bias), bias
}
