package patterns

import (
	"time"

	"github.com/marketflow/tapereader/internal/stats"
	"github.com/marketflow/tapereader/pkg/types"
)

// multiframeState holds the bounded trade history MULTIFRAME_DELTA needs:
// a single trade list pruned to the longest configured window, from which
// the four sub-windows are sliced by timestamp on every call, plus the
// short regime-label history REGIME_CHANGE needs.
type multiframeState struct {
	trades        []types.Trade
	seen          map[string]bool
	regimeHistory []string
	prevRegime    string
}

func (e *Engine) multiframeFor(instrument string) *multiframeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.multiframe[instrument]
	if !ok {
		s = &multiframeState{seen: make(map[string]bool)}
		e.multiframe[instrument] = s
	}
	return s
}

// windowLabel classifies a window's net-delta percentage into a coarse
// directional regime label for the weighted-vote combination.
func windowLabel(deltaPct float64) string {
	switch {
	case deltaPct > 10:
		return "BULLISH"
	case deltaPct < -10:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

// detectMultiframe implements MULTIFRAME_DIVERGENCE/CONFLUENCE/
// REGIME_CHANGE/HIDDEN_ACCUMULATION/HIDDEN_DISTRIBUTION.
func (e *Engine) detectMultiframe(instrument string, trades []types.Trade) []types.Candidate {
	s := e.multiframeFor(instrument)

	e.mu.Lock()
	for _, t := range trades {
		k := t.DedupKey()
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.trades = append(s.trades, t)
	}
	if len(s.trades) == 0 {
		e.mu.Unlock()
		return nil
	}
	now := s.trades[len(s.trades)-1].Timestamp
	cutoff := now.Add(-time.Duration(e.cfg.Multiframe.LongSeconds) * time.Second)
	i := 0
	for i < len(s.trades) && s.trades[i].Timestamp.Before(cutoff) {
		delete(s.seen, s.trades[i].DedupKey())
		i++
	}
	s.trades = s.trades[i:]
	all := append([]types.Trade(nil), s.trades...)
	e.mu.Unlock()

	micro := windowSince(all, now, e.cfg.Multiframe.MicroSeconds)
	short := windowSince(all, now, e.cfg.Multiframe.ShortSeconds)
	medium := windowSince(all, now, e.cfg.Multiframe.MediumSeconds)
	long := windowSince(all, now, e.cfg.Multiframe.LongSeconds)

	microPct := deltaPct(micro)
	shortPct := deltaPct(short)
	mediumPct := deltaPct(medium)
	longPct := deltaPct(long)

	var out []types.Candidate
	vol := windowVolume(long)
	last := all[len(all)-1]

	if absF(microPct-longPct) > 30 && opposingSign(microPct, longPct) {
		out = append(out, types.Candidate{
			Pattern: types.PatternMultiframeDiverg, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Strength: strength(7, vol),
			Detail: types.MultiframeDetail{MicroPct: microPct, ShortPct: shortPct, MediumPct: mediumPct, LongPct: longPct},
		})
	} else if absF(shortPct-mediumPct) > 30 && opposingSign(shortPct, mediumPct) {
		out = append(out, types.Candidate{
			Pattern: types.PatternMultiframeDiverg, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Strength: strength(5, vol),
			Detail: types.MultiframeDetail{MicroPct: microPct, ShortPct: shortPct, MediumPct: mediumPct, LongPct: longPct},
		})
	}

	pcts := []float64{microPct, shortPct, mediumPct, longPct}
	agree, avg := agreement(pcts)
	if agree >= 3 && absF(avg) > 70 {
		out = append(out, types.Candidate{
			Pattern: types.PatternMultiframeConflu, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Strength: strength(8, vol),
			Detail: types.MultiframeDetail{MicroPct: microPct, ShortPct: shortPct, MediumPct: mediumPct, LongPct: longPct},
		})
	}

	if c, ok := e.regimeChange(s, instrument, last, vol, microPct, shortPct, mediumPct, longPct); ok {
		out = append(out, c)
	}

	trend := priceTrend(long, e.tick)
	flow := longPct / 100.0
	if trend != 0 && absF(flow) >= 0.3 && ((trend > 0 && flow < 0) || (trend < 0 && flow > 0)) {
		pattern := types.PatternHiddenAccum
		if trend > 0 {
			pattern = types.PatternHiddenDistrib
		}
		out = append(out, types.Candidate{
			Pattern: pattern, Instrument: instrument, Price: last.Price,
			Volume: vol, Timestamp: last.Timestamp, Strength: strength(7, vol),
			Detail: types.MultiframeDetail{MicroPct: microPct, ShortPct: shortPct, MediumPct: mediumPct, LongPct: longPct},
		})
	}

	return out
}

func (e *Engine) regimeChange(s *multiframeState, instrument string, last types.Trade, vol int64, microPct, shortPct, mediumPct, longPct float64) (types.Candidate, bool) {
	weighted := microPct*0.1 + shortPct*0.2 + mediumPct*0.3 + longPct*0.4
	label := windowLabel(weighted)

	e.mu.Lock()
	s.regimeHistory = append(s.regimeHistory, label)
	if len(s.regimeHistory) > 5 {
		s.regimeHistory = s.regimeHistory[len(s.regimeHistory)-5:]
	}
	count := 0
	for _, r := range s.regimeHistory {
		if r == label {
			count++
		}
	}
	changed := label != s.prevRegime && count >= 2
	prev := s.prevRegime
	if changed {
		s.prevRegime = label
	}
	e.mu.Unlock()

	if !changed {
		return types.Candidate{}, false
	}
	return types.Candidate{
		Pattern: types.PatternRegimeChange, Instrument: instrument, Price: last.Price,
		Volume: vol, Timestamp: last.Timestamp, Strength: strength(7, vol),
		Detail: types.MultiframeDetail{
			MicroPct: microPct, ShortPct: shortPct, MediumPct: mediumPct, LongPct: longPct,
			Regime: prev + "->" + label,
		},
	}, true
}

func windowSince(trades []types.Trade, now time.Time, seconds int) []types.Trade {
	cutoff := now.Add(-time.Duration(seconds) * time.Second)
	start := 0
	for start < len(trades) && trades[start].Timestamp.Before(cutoff) {
		start++
	}
	return trades[start:]
}

func deltaPct(trades []types.Trade) float64 {
	total := windowVolume(trades)
	if total == 0 {
		return 0
	}
	return float64(stats.DeltaOver(trades)) / float64(total) * 100
}

func opposingSign(a, b float64) bool {
	return (a > 0 && b < 0) || (a < 0 && b > 0)
}

// agreement counts how many windows share the majority sign and returns
// that count plus the average percentage across all windows.
func agreement(pcts []float64) (int, float64) {
	var pos, neg int
	var sum float64
	for _, p := range pcts {
		sum += p
		if p > 0 {
			pos++
		} else if p < 0 {
			neg++
		}
	}
	count := pos
	if neg > pos {
		count = neg
	}
	return count, sum / float64(len(pcts))
}
