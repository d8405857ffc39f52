package patterns

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

func newTestEngine() *Engine {
	cfg := config.DefaultConfig()
	return NewEngine(cfg, nil, decimal.NewFromFloat(0.5))
}

func mkTrade(price float64, vol int64, side types.Side, ts time.Time) types.Trade {
	return types.Trade{
		Instrument: "X",
		Price:      decimal.NewFromFloat(price),
		Volume:     vol,
		Side:       side,
		Timestamp:  ts,
		TimeLabel:  ts.Format(time.RFC3339Nano),
	}
}

func TestDetectAbsorptionFiresOnConcentratedVolume(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < 30; i++ {
		trades = append(trades, mkTrade(100.0, 20, types.SideBuy, now.Add(time.Duration(i)*time.Millisecond)))
	}
	cands := e.detectAbsorption("X", trades)
	if len(cands) == 0 {
		t.Fatal("expected absorption candidate when all volume concentrates at one price")
	}
	if cands[0].Pattern != types.PatternAbsorption && cands[0].Pattern != types.PatternExhaustion {
		t.Fatalf("unexpected pattern %s", cands[0].Pattern)
	}
}

func TestDetectIcebergRequiresRepetitionsAndSimilarSize(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < e.cfg.IcebergRepetitions; i++ {
		trades = append(trades, mkTrade(100.0, e.cfg.IcebergMinVolume+1, types.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	cands := e.detectIceberg("X", trades)
	if len(cands) != 1 {
		t.Fatalf("expected exactly 1 iceberg candidate, got %d", len(cands))
	}
	if cands[0].Pattern != types.PatternIcebergBuy {
		t.Fatalf("expected ICEBERG_BUY, got %s", cands[0].Pattern)
	}
}

func TestDetectIcebergRejectsDissimilarSizes(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	sizes := []int64{e.cfg.IcebergMinVolume + 1, 500, 1000, 1500}
	var trades []types.Trade
	for i, sz := range sizes {
		trades = append(trades, mkTrade(100.0, sz, types.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	cands := e.detectIceberg("X", trades)
	if len(cands) != 0 {
		t.Fatalf("expected no iceberg candidate for dissimilar sizes, got %d", len(cands))
	}
}

func TestDetectPressureBuySide(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < 18; i++ {
		trades = append(trades, mkTrade(100.0, 10, types.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 2; i++ {
		trades = append(trades, mkTrade(100.0, 10, types.SideSell, now.Add(time.Duration(18+i)*time.Second)))
	}
	cands := e.detectPressure("X", trades)
	if len(cands) != 1 || cands[0].Pattern != types.PatternPressureBuy {
		t.Fatalf("expected PRESSAO_COMPRA, got %+v", cands)
	}
}

func TestDetectBookDynamicsPulling(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	prev := types.OrderBook{
		Instrument: "X",
		Bids:       []types.BookLevel{{Price: decimal.NewFromFloat(100), Volume: 500}},
		Timestamp:  now,
	}
	cur := types.OrderBook{
		Instrument: "X",
		Bids:       []types.BookLevel{{Price: decimal.NewFromFloat(100), Volume: 100}},
		Timestamp:  now.Add(time.Second),
	}
	cands := e.detectBookDynamics("X", prev, cur)
	found := false
	for _, c := range cands {
		if c.Pattern == types.PatternBookPulling {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected BOOK_PULLING candidate, got %+v", cands)
	}
}

func TestEngineResetClearsCVDAfterDetect(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < 25; i++ {
		trades = append(trades, mkTrade(100.0+float64(i)*0.5, 10, types.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	cands := e.Detect("X", trades)
	_ = cands // detectors may or may not fire on this synthetic window; exercising for panics/determinism
	e.Reset("X")
	if _, ok := e.cvd["X"]; ok && e.cvd["X"].Cumulative() != 0 {
		t.Fatal("expected CVD to be cleared after Reset")
	}
}
