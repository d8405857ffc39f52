package patterns

import (
	"time"

	"github.com/marketflow/tapereader/pkg/types"
)

// detectBookDynamics diffs two consecutive OrderBook snapshots and emits
// BOOK_PULLING/BOOK_STACKING/FLASH_ORDER/IMBALANCE_SHIFT candidates.
func (e *Engine) detectBookDynamics(instrument string, prev, cur types.OrderBook) []types.Candidate {
	var out []types.Candidate
	out = append(out, e.diffSide(instrument, "BID", prev.Bids, cur.Bids, cur.Timestamp)...)
	out = append(out, e.diffSide(instrument, "ASK", prev.Asks, cur.Asks, cur.Timestamp)...)
	out = append(out, e.detectFlashOrders(instrument, prev, cur)...)
	if c, ok := e.detectImbalanceShift(instrument, prev, cur); ok {
		out = append(out, c)
	}
	return out
}

func (e *Engine) diffSide(instrument, side string, prev, cur []types.BookLevel, ts time.Time) []types.Candidate {
	prevByPrice := make(map[string]types.BookLevel, len(prev))
	for _, l := range prev {
		prevByPrice[l.Price.String()] = l
	}

	var out []types.Candidate
	for _, l := range cur {
		key := l.Price.String()
		p, had := prevByPrice[key]
		if !had {
			continue
		}
		switch {
		case p.Volume > 100 && float64(l.Volume) <= float64(p.Volume)*(1-e.cfg.BookDynamics.PullingThreshold):
			out = append(out, types.Candidate{
				Pattern: types.PatternBookPulling, Instrument: instrument, Price: l.Price,
				Volume: l.Volume, Timestamp: ts, Strength: strength(5, l.Volume),
				Detail: types.BookDynamicsDetail{Side: side, FromVolume: p.Volume, ToVolume: l.Volume, LevelPrice: l.Price},
			})
		case p.Volume > 0 && float64(l.Volume) >= float64(p.Volume)*e.cfg.BookDynamics.StackingThreshold && l.Volume > 200:
			out = append(out, types.Candidate{
				Pattern: types.PatternBookStacking, Instrument: instrument, Price: l.Price,
				Volume: l.Volume, Timestamp: ts, Strength: strength(5, l.Volume),
				Detail: types.BookDynamicsDetail{Side: side, FromVolume: p.Volume, ToVolume: l.Volume, LevelPrice: l.Price},
			})
		}
	}
	return out
}

// detectFlashOrders tracks level birth times (per instrument, across calls)
// to flag a level that appeared with volume > 500 and vanished within <= 2s.
func (e *Engine) detectFlashOrders(instrument string, prev, cur types.OrderBook) []types.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	ages, ok := e.levelAge[instrument]
	if !ok {
		ages = make(map[string]levelBirth)
		e.levelAge[instrument] = ages
	}

	curKeys := make(map[string]bool)
	for _, l := range append(append([]types.BookLevel{}, cur.Bids...), cur.Asks...) {
		key := "B" + l.Price.String()
		curKeys[key] = true
		if _, had := ages[key]; !had && l.Volume > 500 {
			ages[key] = levelBirth{firstSeen: cur.Timestamp, volume: l.Volume}
		}
	}

	var out []types.Candidate
	for key, birth := range ages {
		if curKeys[key] {
			continue
		}
		if cur.Timestamp.Sub(birth.firstSeen) <= time.Duration(e.cfg.BookDynamics.FlashOrderSeconds*float64(time.Second)) {
			out = append(out, types.Candidate{
				Pattern: types.PatternFlashOrder, Instrument: instrument,
				Volume: birth.volume, Timestamp: cur.Timestamp, Strength: strength(7, birth.volume),
				Detail: types.BookDynamicsDetail{FromVolume: birth.volume, ToVolume: 0},
			})
		}
		delete(ages, key)
	}
	return out
}

// imbalance is (bidVol - askVol) / (bidVol + askVol) over the top-5 levels.
func imbalance(book types.OrderBook) float64 {
	bid := float64(book.BidVolume(5))
	ask := float64(book.AskVolume(5))
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

func (e *Engine) detectImbalanceShift(instrument string, prev, cur types.OrderBook) (types.Candidate, bool) {
	delta := imbalance(cur) - imbalance(prev)
	if absF(delta) < e.cfg.BookDynamics.ImbalanceShiftThreshold {
		return types.Candidate{}, false
	}
	vol := cur.BidVolume(5) + cur.AskVolume(5)
	return types.Candidate{
		Pattern: types.PatternImbalanceShift, Instrument: instrument,
		Volume: vol, Timestamp: cur.Timestamp, Strength: strength(5, vol),
		Detail: types.BookDynamicsDetail{Imbalance: delta},
	}, true
}
