// Package regime classifies each instrument's current market regime from
// rolling price/volume/spread/trade windows: a weighted scoring rule over
// seven categories (TRENDING_UP, TRENDING_DOWN, RANGING, VOLATILE, QUIET,
// BREAKOUT, REVERSAL), rate-limited to one update per update interval.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

// Regime is one of the seven market-regime classifications.
type Regime string

const (
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeRanging      Regime = "RANGING"
	RegimeVolatile     Regime = "VOLATILE"
	RegimeQuiet        Regime = "QUIET"
	RegimeBreakout     Regime = "BREAKOUT"
	RegimeReversal     Regime = "REVERSAL"
)

// VolBucket classifies annualized volatility.
type VolBucket string

const (
	VolLow     VolBucket = "LOW"
	VolNormal  VolBucket = "NORMAL"
	VolHigh    VolBucket = "HIGH"
	VolExtreme VolBucket = "EXTREME"
)

// LiqBucket classifies liquidity depth.
type LiqBucket string

const (
	LiqThin   LiqBucket = "THIN"
	LiqNormal LiqBucket = "NORMAL"
	LiqDeep   LiqBucket = "DEEP"
)

// Metrics is the full feature set computed on every Update, spanning five
// metric families.
type Metrics struct {
	Trend          float64 // normalized slope, [-1, 1]
	TrendR2        float64
	TrendDirection int // -1, 0, +1
	Volatility     float64
	VolClass       VolBucket
	Momentum       float64 // [-1, 1]
	Liquidity      float64
	LiqClass       LiqBucket
	Microstructure float64
}

// State is one instrument's current regime classification.
type State struct {
	Regime     Regime
	Confidence float64
	Metrics    Metrics
	UpdatedAt  time.Time
}

// Detector tracks one instrument's rolling windows and produces State on
// each rate-limited Update call.
type Detector struct {
	logger *zap.Logger
	cfg    *config.Config

	mu sync.Mutex

	prices  []float64 // last 100
	volumes []float64 // last 30
	spreads []float64 // last 30
	buySide []int64   // trade-flow window, last 100
	sellSide []int64

	lastBook    types.OrderBook
	haveBook    bool
	lastUpdate  time.Time
	current     *State
}

const (
	priceWindow  = 100
	volumeWindow = 30
	spreadWindow = 30
	tradeWindow  = 100
)

// NewDetector creates a Detector bound to cfg's update_interval.
func NewDetector(cfg *config.Config, logger *zap.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.Named("regime")}
}

// Observe folds one trade and the instrument's current book into the
// rolling windows.
func (d *Detector) Observe(trade types.Trade, book types.OrderBook) {
	d.mu.Lock()
	defer d.mu.Unlock()

	price, _ := trade.Price.Float64()
	d.prices = pushBounded(d.prices, price, priceWindow)
	d.volumes = pushBounded(d.volumes, float64(trade.Volume), volumeWindow)

	d.lastBook = book
	d.haveBook = true
	if spread, ok := bookSpread(book); ok {
		d.spreads = pushBounded(d.spreads, spread, spreadWindow)
	}

	var buy, sell int64
	if trade.Side == types.SideBuy {
		buy = trade.Volume
	} else if trade.Side == types.SideSell {
		sell = trade.Volume
	}
	d.buySide = pushBoundedI64(d.buySide, buy, tradeWindow)
	d.sellSide = pushBoundedI64(d.sellSide, sell, tradeWindow)
}

func pushBounded(buf []float64, v float64, capacity int) []float64 {
	buf = append(buf, v)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

func pushBoundedI64(buf []int64, v int64, capacity int) []int64 {
	buf = append(buf, v)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

func bookSpread(book types.OrderBook) (float64, bool) {
	bid, ok1 := book.BestBid()
	ask, ok2 := book.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	bidF, _ := bid.Price.Float64()
	askF, _ := ask.Price.Float64()
	if bidF <= 0 {
		return 0, false
	}
	return (askF - bidF) / bidF, true
}

// Update recomputes the instrument's regime if at least update_interval
// has elapsed since the last computation. It returns the new state,
// whether the regime changed from the previous one, and the previous
// regime (empty if none yet).
func (d *Detector) Update(now time.Time) (State, bool, Regime) {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := previousRegime(d.current)

	interval := d.cfg.UpdateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if !d.lastUpdate.IsZero() && now.Sub(d.lastUpdate) < interval {
		if d.current != nil {
			return *d.current, false, previous
		}
		return State{Regime: RegimeRanging}, false, previous
	}
	d.lastUpdate = now

	if len(d.prices) < 2 {
		return State{Regime: RegimeRanging, UpdatedAt: now}, false, previous
	}

	m := d.computeMetrics()
	regime, confidence := classify(m, previous)

	changed := d.current == nil || d.current.Regime != regime
	state := State{Regime: regime, Confidence: confidence, Metrics: m, UpdatedAt: now}
	d.current = &state
	return state, changed, previous
}

func previousRegime(s *State) Regime {
	if s == nil {
		return ""
	}
	return s.Regime
}

func (d *Detector) computeMetrics() Metrics {
	slope, r2 := linearRegression(d.prices)
	returns := logReturns(d.prices)
	vol := stdDev(returns) * math.Sqrt(252*390) // annualize from per-trade returns

	trend := utilsClamp(slope*float64(len(d.prices))/meanAbs(d.prices), -1, 1)
	direction := 0
	if trend > 0.05 {
		direction = 1
	} else if trend < -0.05 {
		direction = -1
	}
	if shortLongAgree(d.prices) {
		trend = utilsClamp(trend*1.2, -1, 1)
	}

	momentum := momentumScore(d.prices, returns)
	liquidity, liqClass := liquidityScore(d.volumes, d.spreads, d.lastBook)
	micro := microstructureScore(d.buySide, d.sellSide, d.lastBook)

	return Metrics{
		Trend: trend, TrendR2: r2, TrendDirection: direction,
		Volatility: vol, VolClass: classifyVol(vol),
		Momentum:       momentum,
		Liquidity:      liquidity, LiqClass: liqClass,
		Microstructure: micro,
	}
}

func utilsClamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func meanAbs(xs []float64) float64 {
	if len(xs) == 0 {
		return 1
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Abs(x)
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 1
	}
	return mean
}

// linearRegression fits y = a + b*x over index x = 0..n-1, returning the
// raw slope b (price units per index step) and the fit's R^2;
// computeMetrics normalizes the slope.
func linearRegression(ys []float64) (slope, r2 float64) {
	n := float64(len(ys))
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	b := (n*sumXY - sumX*sumY) / denom
	a := (sumY - b*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, y := range ys {
		x := float64(i)
		pred := a + b*x
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		return b, 0
	}
	return b, 1 - ssRes/ssTot
}

func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}

// shortLongAgree reports whether a short (10) and long (30) moving
// average over prices point the same direction, the agreement the trend
// metric uses to raise strength by 20%.
func shortLongAgree(prices []float64) bool {
	if len(prices) < 30 {
		return false
	}
	short := mean(prices[len(prices)-10:])
	long := mean(prices[len(prices)-30:])
	prevShort := mean(prices[len(prices)-11 : len(prices)-1])
	return (short > long) == (short > prevShort) && short != long
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// momentumScore blends an RSI-centered term, a tanh'd rate-of-change, and
// a tanh'd short/long-MA spread standing in for a MACD histogram, all
// normalized into [-1, 1].
func momentumScore(prices, returns []float64) float64 {
	if len(prices) < 15 {
		return 0
	}
	rsi := rsiScore(prices, 14)
	roc := 0.0
	if len(prices) >= 11 && prices[len(prices)-11] != 0 {
		roc = (prices[len(prices)-1] - prices[len(prices)-11]) / prices[len(prices)-11] * 100
	}
	macdHist := 0.0
	if len(prices) >= 26 {
		macdHist = mean(prices[len(prices)-12:]) - mean(prices[len(prices)-26:])
	}
	return (rsi + math.Tanh(roc/10) + math.Tanh(macdHist)) / 3
}

// rsiScore computes a Wilder RSI over the trailing period and re-centers
// it from [0,100] to [-1,1].
func rsiScore(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 0
	}
	window := prices[len(prices)-period-1:]
	var gain, loss float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if gain+loss == 0 {
		return 0
	}
	rs := gain / period / math.Max(loss/period, 1e-9)
	rsi := 100 - 100/(1+rs)
	return (rsi - 50) / 50
}

// liquidityScore weights normalized volume, inverted spread, book depth,
// and an inverse Kyle's-lambda proxy into a single [0,1] score.
func liquidityScore(volumes, spreads []float64, book types.OrderBook) (float64, LiqBucket) {
	volNorm := utilsClamp(mean(volumes)/1000.0, 0, 1)
	spreadInv := 1.0
	if len(spreads) > 0 {
		spreadInv = utilsClamp(1-mean(spreads)*100, 0, 1)
	}
	depth := float64(book.BidVolume(5) + book.AskVolume(5))
	depthNorm := utilsClamp(depth/2000.0, 0, 1)
	lambda := 1.0
	if depth > 0 && len(spreads) > 0 {
		lambda = utilsClamp(1-mean(spreads)/(depth/1000.0+1e-9), 0, 1)
	}
	score := (volNorm + spreadInv + depthNorm + lambda) / 4
	switch {
	case score < 0.33:
		return score, LiqThin
	case score > 0.66:
		return score, LiqDeep
	default:
		return score, LiqNormal
	}
}

// microstructureScore blends order-flow imbalance, book depth imbalance,
// trade-size coefficient of variation, and average tick size into one
// [0,1] reading.
func microstructureScore(buy, sell []int64, book types.OrderBook) float64 {
	var totalBuy, totalSell int64
	for i := range buy {
		totalBuy += buy[i]
		totalSell += sell[i]
	}
	flowImb := 0.0
	if totalBuy+totalSell > 0 {
		flowImb = math.Abs(float64(totalBuy-totalSell)) / float64(totalBuy+totalSell)
	}
	depthImb := 0.0
	bidVol, askVol := float64(book.BidVolume(0)), float64(book.AskVolume(0))
	if bidVol+askVol > 0 {
		depthImb = math.Abs(bidVol-askVol) / (bidVol + askVol)
	}
	sizeCV := tradeSizeCV(buy, sell)
	return utilsClamp((flowImb+depthImb+sizeCV/2+0.5)/3.5, 0, 1)
}

func tradeSizeCV(buy, sell []int64) float64 {
	sizes := make([]float64, 0, len(buy)+len(sell))
	for i := range buy {
		if buy[i] > 0 {
			sizes = append(sizes, float64(buy[i]))
		}
		if sell[i] > 0 {
			sizes = append(sizes, float64(sell[i]))
		}
	}
	if len(sizes) < 2 {
		return 0
	}
	m := mean(sizes)
	if m == 0 {
		return 0
	}
	return stdDev(sizes) / m
}

func classifyVol(vol float64) VolBucket {
	switch {
	case vol < 0.10:
		return VolLow
	case vol < 0.30:
		return VolNormal
	case vol < 0.60:
		return VolHigh
	default:
		return VolExtreme
	}
}
