package provider

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
)

// SimulatedConfig configures SimulatedProvider's synthetic tape for one run.
type SimulatedConfig struct {
	Instruments  []string
	StartPrice   map[string]float64 // per instrument, falls back to 5500 if absent
	Tick         decimal.Decimal
	TradesPerPoll int // mean trades emitted per Poll call
	Seed          int64
}

// SimulatedProvider generates a plausible trade/book tape without any
// external connection, for local runs, replay and tests. Connect and Close
// never fail; Poll returns ErrNotConnected before Connect or after Close,
// and always has data while connected.
type SimulatedProvider struct {
	cfg     SimulatedConfig
	rng     *rand.Rand
	mu      sync.Mutex
	prices  map[string]float64
	connected bool
}

// NewSimulatedProvider creates a SimulatedProvider seeded from cfg.
func NewSimulatedProvider(cfg SimulatedConfig) *SimulatedProvider {
	if cfg.TradesPerPoll <= 0 {
		cfg.TradesPerPoll = 3
	}
	if cfg.Tick.IsZero() {
		cfg.Tick = decimal.NewFromFloat(0.5)
	}
	prices := make(map[string]float64, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		if p, ok := cfg.StartPrice[inst]; ok {
			prices[inst] = p
		} else {
			prices[inst] = 5500.0
		}
	}
	return &SimulatedProvider{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: prices,
	}
}

// Connect marks the provider ready; there is nothing to dial.
func (p *SimulatedProvider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Poll synthesizes one snapshot of random-walk trades and a matching book
// for every configured instrument.
func (p *SimulatedProvider) Poll() (types.MarketSnapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return types.MarketSnapshot{}, false, ErrNotConnected
	}

	now := time.Now()
	byInstrument := make(map[string]types.InstrumentView, len(p.cfg.Instruments))
	for _, inst := range p.cfg.Instruments {
		trades := p.syntheticTrades(inst, now)
		book := p.syntheticBook(inst, now)
		var cum int64
		for _, t := range trades {
			cum += t.Volume
		}
		byInstrument[inst] = types.InstrumentView{
			Trades:           trades,
			Book:             book,
			LastPrice:        trades[len(trades)-1].Price,
			CumulativeVolume: cum,
		}
	}
	return types.MarketSnapshot{Timestamp: now, ByInstrument: byInstrument}, true, nil
}

// Close marks the provider disconnected, so Poll returns ErrNotConnected
// until Connect is called again; nothing else is held open.
func (p *SimulatedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *SimulatedProvider) syntheticTrades(instrument string, now time.Time) []types.Trade {
	n := p.cfg.TradesPerPoll + p.rng.Intn(3)
	trades := make([]types.Trade, 0, n)
	tickFloat, _ := p.cfg.Tick.Float64()
	for i := 0; i < n; i++ {
		step := float64(p.rng.Intn(3)-1) * tickFloat
		p.prices[instrument] += step
		side := types.SideBuy
		if step < 0 || (step == 0 && p.rng.Intn(2) == 0) {
			side = types.SideSell
		}
		ts := now.Add(time.Duration(i) * 10 * time.Millisecond)
		trades = append(trades, types.Trade{
			Instrument: instrument,
			Price:      decimal.NewFromFloat(p.prices[instrument]).Round(2),
			Volume:     int64(10 + p.rng.Intn(90)),
			Side:       side,
			Timestamp:  ts,
			TimeLabel:  ts.Format("15:04:05.000"),
		})
	}
	return trades
}

func (p *SimulatedProvider) syntheticBook(instrument string, now time.Time) types.OrderBook {
	mid := p.prices[instrument]
	tickFloat, _ := p.cfg.Tick.Float64()
	bids := make([]types.BookLevel, 0, 5)
	asks := make([]types.BookLevel, 0, 5)
	for i := 1; i <= 5; i++ {
		bids = append(bids, types.BookLevel{
			Price:  decimal.NewFromFloat(mid - float64(i)*tickFloat).Round(2),
			Volume: int64(100 + p.rng.Intn(400)),
		})
		asks = append(asks, types.BookLevel{
			Price:  decimal.NewFromFloat(mid + float64(i)*tickFloat).Round(2),
			Volume: int64(100 + p.rng.Intn(400)),
		})
	}
	return types.OrderBook{Instrument: instrument, Bids: bids, Asks: asks, Timestamp: now}
}
