package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

func feedTrending(d *Detector, start float64, step float64, n int, base time.Time) {
	book := types.OrderBook{
		Bids: []types.BookLevel{{Price: decimal.NewFromFloat(start), Volume: 100}},
		Asks: []types.BookLevel{{Price: decimal.NewFromFloat(start + 1), Volume: 100}},
	}
	for i := 0; i < n; i++ {
		price := start + step*float64(i)
		tr := types.Trade{
			Price: decimal.NewFromFloat(price), Volume: 10, Side: types.SideBuy,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		d.Observe(tr, book)
	}
}

func TestUpdateDetectsTrendingUp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UpdateInterval = 0
	d := NewDetector(cfg, zap.NewNop())
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	feedTrending(d, 100, 0.5, 100, base)

	state, _, _ := d.Update(base.Add(200 * time.Second))
	if state.Metrics.TrendDirection != 1 {
		t.Fatalf("expected upward trend direction, got %+v", state.Metrics)
	}
}

func TestUpdateRateLimitsToUpdateInterval(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UpdateInterval = 30 * time.Second
	d := NewDetector(cfg, zap.NewNop())
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	feedTrending(d, 100, 0.5, 50, base)

	first, changed1, _ := d.Update(base)
	_ = changed1
	second, changed2, _ := d.Update(base.Add(5 * time.Second))
	if changed2 {
		t.Fatal("expected no recompute within update_interval")
	}
	if second.UpdatedAt != first.UpdatedAt {
		t.Fatal("expected identical cached state within the rate-limit window")
	}
}

func TestClassifyRangingWhenFlat(t *testing.T) {
	m := Metrics{Trend: 0.01, TrendR2: 0.05, VolClass: VolNormal, LiqClass: LiqNormal}
	regime, _ := classify(m, "")
	if regime != RegimeRanging {
		t.Fatalf("expected RANGING for flat/low-confidence metrics, got %v", regime)
	}
}

func TestClassifyAppliesPreviousRegimeBonus(t *testing.T) {
	m := Metrics{Trend: 0.01, TrendR2: 0.05, VolClass: VolNormal, LiqClass: LiqNormal}
	_, withoutBonus := classify(m, "")
	_, withBonus := classify(m, RegimeRanging)
	if withBonus <= withoutBonus {
		t.Fatalf("expected matching-previous-regime bonus to raise confidence: without=%v with=%v", withoutBonus, withBonus)
	}
}
