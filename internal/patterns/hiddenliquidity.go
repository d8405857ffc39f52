package patterns

import (
	"github.com/marketflow/tapereader/pkg/types"
	"github.com/marketflow/tapereader/pkg/utils"
)

// detectHiddenLiquidity implements HIDDEN_LIQUIDITY's three methods
// (excess execution, reload pattern, persistent level), consolidating
// whichever fire at a given price bucket into a single candidate.
func (e *Engine) detectHiddenLiquidity(instrument string, trades []types.Trade) []types.Candidate {
	buckets := e.bucketByPrice(trades)

	e.mu.Lock()
	book := e.lastBook[instrument]
	e.mu.Unlock()

	var out []types.Candidate
	for key, b := range buckets {
		var methods []string
		var hiddenVolume int64

		if excess, ok := e.excessExecution(book, b); ok {
			methods = append(methods, "EXCESS_EXECUTION")
			hiddenVolume = maxInt64(hiddenVolume, excess)
		}
		if e.reloadPattern(instrument, key, trades) {
			methods = append(methods, "RELOAD_PATTERN")
		}
		if hv, ok := e.persistentLevel(instrument, key, trades); ok {
			methods = append(methods, "PERSISTENT_LEVEL")
			hiddenVolume = maxInt64(hiddenVolume, hv)
		}

		if len(methods) == 0 {
			continue
		}
		confidence := float64(len(methods)) / 3.0
		if hiddenVolume == 0 {
			hiddenVolume = int64(0.7 * float64(b.volume))
		}

		out = append(out, types.Candidate{
			Pattern: types.PatternHiddenLiquidity, Instrument: instrument, Price: b.repPrice,
			Volume: b.volume, Timestamp: b.lastTs.Timestamp, Strength: strength(8, b.volume),
			Detail: types.HiddenLiquidityDetail{Methods: methods, Confidence: confidence, HiddenVolume: hiddenVolume},
		})
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// excessExecution compares a bucket's executed volume against the visible
// resting volume (bid + ask) at that price.
func (e *Engine) excessExecution(book types.OrderBook, b *priceBucket) (int64, bool) {
	var visible int64
	for _, l := range book.Bids {
		if l.Price.Equal(b.repPrice) {
			visible += l.Volume
		}
	}
	for _, l := range book.Asks {
		if l.Price.Equal(b.repPrice) {
			visible += l.Volume
		}
	}
	if visible == 0 {
		return 0, false
	}
	if float64(b.volume) >= float64(visible)*e.cfg.HiddenLiquidity.MinExcessRatio {
		return b.volume - visible, true
	}
	return 0, false
}

// reloadPattern reports whether >= 3 executions hit priceKey with >= 2
// inter-execution intervals <= reload_time.
func (e *Engine) reloadPattern(instrument, priceKey string, trades []types.Trade) bool {
	var hits []types.Trade
	for _, t := range trades {
		if utils.RoundToTickSize(t.Price, e.tick).String() == priceKey {
			hits = append(hits, t)
		}
	}
	if len(hits) < 3 {
		return false
	}
	var fastIntervals int
	for i := 1; i < len(hits); i++ {
		if hits[i].Timestamp.Sub(hits[i-1].Timestamp).Seconds() <= e.cfg.HiddenLiquidity.ReloadTimeSeconds {
			fastIntervals++
		}
	}
	return fastIntervals >= 2
}

// persistentLevel reports whether >= 5 trades over >= 60s hit priceKey
// with frequency > 0.5 trades/min, returning the estimated hidden volume
// (70% of the level's total) when it does.
func (e *Engine) persistentLevel(instrument, priceKey string, trades []types.Trade) (int64, bool) {
	var hits []types.Trade
	var total int64
	for _, t := range trades {
		if utils.RoundToTickSize(t.Price, e.tick).String() == priceKey {
			hits = append(hits, t)
			total += t.Volume
		}
	}
	if len(hits) < e.cfg.HiddenLiquidity.PersistentMinTrades {
		return 0, false
	}
	span := hits[len(hits)-1].Timestamp.Sub(hits[0].Timestamp).Seconds()
	if span < e.cfg.HiddenLiquidity.PersistentWindowSecs {
		return 0, false
	}
	freqPerMin := float64(len(hits)) / (span / 60.0)
	if freqPerMin <= 0.5 {
		return 0, false
	}
	return int64(0.7 * float64(total)), true
}
