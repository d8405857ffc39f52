package filters

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

func TestQualityFilterPassesStrongAbsorption(t *testing.T) {
	cfg := config.DefaultConfig()
	q := NewQualityFilter(cfg)
	c := types.Candidate{
		Pattern: types.PatternAbsorption, Volume: cfg.AbsorptionThreshold * 2,
		Detail: types.AbsorptionDetail{Concentration: 0.9, Type: "ABSORPTION"},
	}
	if !q.Pass(c) {
		t.Fatalf("expected strong absorption to pass quality, score=%v", q.Score(c))
	}
}

func TestQualityFilterRejectsWeakPace(t *testing.T) {
	cfg := config.DefaultConfig()
	q := NewQualityFilter(cfg)
	c := types.Candidate{
		Pattern: types.PatternPaceAnomaly, Strength: 1,
		Detail: types.PaceDetail{Pace: 1.01, Baseline: 1.0, Direction: "BUY"},
	}
	if q.Pass(c) {
		t.Fatalf("expected a barely-anomalous pace reading to fail quality, score=%v", q.Score(c))
	}
}

func TestCooldownBlocksRepeatWithinWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	f := NewCooldownFilter(cfg)
	now := time.Now()
	c := types.Candidate{Pattern: types.PatternPaceAnomaly, Instrument: "X"}

	if !f.Pass(c, now) {
		t.Fatal("expected first candidate to pass cooldown")
	}
	f.Record(c, now)
	if f.Pass(c, now.Add(time.Second)) {
		t.Fatal("expected repeat within cooldown window to be blocked")
	}
	cd := f.cooldownFor(c.Pattern)
	if !f.Pass(c, now.Add(cd+time.Second)) {
		t.Fatal("expected candidate to pass once cooldown has elapsed")
	}
	if f.BlockedCount("X", types.PatternPaceAnomaly) == 0 {
		t.Fatal("expected blocked count to be tracked")
	}
}

func TestDefensiveFilterFlagsLayering(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	var published int
	bus.Subscribe(events.TopicManipulationDetect, func(payload interface{}) error {
		published++
		return nil
	})
	f := NewDefensiveFilter(cfg, bus)

	book := types.OrderBook{
		Instrument: "X",
		Bids: []types.BookLevel{
			{Price: decimal.NewFromFloat(100), Volume: 100},
			{Price: decimal.NewFromFloat(99.9), Volume: 102},
			{Price: decimal.NewFromFloat(99.8), Volume: 98},
			{Price: decimal.NewFromFloat(99.7), Volume: 101},
		},
	}
	if f.Pass("X", book, time.Now()) {
		t.Fatal("expected uniform stacked bid levels to flag layering")
	}
	if published != 1 {
		t.Fatalf("expected one MANIPULATION_DETECTED publish, got %d", published)
	}
}

func TestDefensiveFilterFlagsSpoofing(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	f := NewDefensiveFilter(cfg, bus)

	book := types.OrderBook{
		Instrument: "X",
		Bids:       []types.BookLevel{{Price: decimal.NewFromFloat(100), Volume: 1000}},
		Asks:       []types.BookLevel{{Price: decimal.NewFromFloat(100.1), Volume: 100}},
	}
	if f.Pass("X", book, time.Now()) {
		t.Fatal("expected a 10x bid/ask imbalance to flag spoofing")
	}
}

func TestDefensiveFilterPassesBalancedBook(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	f := NewDefensiveFilter(cfg, bus)

	book := types.OrderBook{
		Instrument: "X",
		Bids:       []types.BookLevel{{Price: decimal.NewFromFloat(100), Volume: 80}, {Price: decimal.NewFromFloat(99.9), Volume: 30}},
		Asks:       []types.BookLevel{{Price: decimal.NewFromFloat(100.1), Volume: 75}, {Price: decimal.NewFromFloat(100.2), Volume: 40}},
	}
	if !f.Pass("X", book, time.Now()) {
		t.Fatal("expected a balanced book to pass")
	}
}
