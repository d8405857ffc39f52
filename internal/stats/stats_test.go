package stats

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
)

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

func TestCVDUpdateAccumulates(t *testing.T) {
	cvd := NewCVD()
	trades := []types.Trade{
		mkTrade(100, 10, types.SideBuy, time.Now()),
		mkTrade(100, 5, types.SideSell, time.Now()),
	}
	if got := cvd.Update(trades); got != 5 {
		t.Fatalf("expected cumulative delta 5, got %d", got)
	}
	cvd.Reset()
	if got := cvd.Cumulative(); got != 0 {
		t.Fatalf("expected reset cumulative 0, got %d", got)
	}
}

func TestRateOfChangeSignFlip(t *testing.T) {
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < 10; i++ {
		trades = append(trades, mkTrade(100, 10, types.SideBuy, now.Add(time.Duration(i)*time.Second)))
	}
	for i := 10; i < 20; i++ {
		trades = append(trades, mkTrade(100, 10, types.SideSell, now.Add(time.Duration(i)*time.Second)))
	}
	roc := RateOfChange(trades, 10)
	if roc >= 0 {
		t.Fatalf("expected negative RoC after a sell-heavy recent window, got %f", roc)
	}
}

func TestPaceAnomalyRequiresBaseline(t *testing.T) {
	p := NewPace(5, 2.0, 10)
	now := time.Now()
	for i := 0; i < 4; i++ {
		if _, ok := p.Update(now.Add(time.Duration(i) * time.Millisecond)); ok {
			t.Fatal("should not flag anomaly before baseline warm-up completes")
		}
	}
}

func TestPaceAnomalyDetectsBurst(t *testing.T) {
	p := NewPace(10, 1.5, 10)
	now := time.Now()
	// Build a stable low-rate baseline, one trade every 2 seconds.
	for i := 0; i < 12; i++ {
		now = now.Add(2 * time.Second)
		p.Update(now)
	}
	// Now burst: many trades within the window.
	var anomaly PaceAnomaly
	var found bool
	for i := 0; i < 15; i++ {
		now = now.Add(50 * time.Millisecond)
		if a, ok := p.Update(now); ok {
			anomaly = a
			found = true
		}
	}
	if !found {
		t.Fatal("expected a burst of rapid trades to trigger a pace anomaly")
	}
	if anomaly.Pace <= anomaly.Baseline {
		t.Fatalf("anomaly pace %f should exceed baseline %f", anomaly.Pace, anomaly.Baseline)
	}
}

func TestVolumeProfilePOCAndValueArea(t *testing.T) {
	vp := NewVolumeProfile(decimal.NewFromFloat(0.5))
	now := time.Now()
	var trades []types.Trade
	for i := 0; i < 50; i++ {
		trades = append(trades, mkTrade(100.0, 10, types.SideBuy, now))
	}
	for i := 0; i < 5; i++ {
		trades = append(trades, mkTrade(105.0, 10, types.SideBuy, now))
	}
	vp.Update("X", trades)

	poc, ok := vp.POC("X")
	if !ok {
		t.Fatal("expected POC to be found")
	}
	if !poc.Equal(decimal.NewFromFloat(100.0)) {
		t.Fatalf("expected POC at 100.0 (heaviest bucket), got %s", poc)
	}

	va, ok := vp.ValueArea("X", 0.7)
	if !ok {
		t.Fatal("expected value area to be found")
	}
	if va.VolumePct < 0.7 {
		t.Fatalf("expected value area to cover >=70%% of volume, got %f", va.VolumePct)
	}
}
