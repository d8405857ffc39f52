package confluence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

func testEngine(t *testing.T) (*Engine, *types.LevelGrid) {
	t.Helper()
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	eng := NewEngine(cfg, bus, zap.NewNop(), decimal.NewFromFloat(0.5))
	grid := BuildGrid(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), 5.0, cfg)
	return eng, grid
}

func TestEvaluateMatchesSeedRuleNearSupport(t *testing.T) {
	eng, grid := testEngine(t)
	devendo := grid.Levels["DEVENDO"]

	c := types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X", Price: devendo.Price,
		Direction: types.DirectionBuy, Strength: 8, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
	}
	sig, ok := eng.Evaluate(c, grid)
	if !ok {
		t.Fatal("expected confluence match near DEVENDO support")
	}
	if sig.Source != types.SourceConfluence || sig.Level != types.LevelAlert {
		t.Fatalf("unexpected signal shape: %+v", sig)
	}
}

func TestEvaluateRejectsWrongDirection(t *testing.T) {
	eng, grid := testEngine(t)
	devendo := grid.Levels["DEVENDO"]

	c := types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X", Price: devendo.Price,
		Direction: types.DirectionSell, Strength: 8, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
	}
	if _, ok := eng.Evaluate(c, grid); ok {
		t.Fatal("expected a sell-direction candidate to miss a buy-gated rule")
	}
}

func TestEvaluateFarFromAnyLevelMisses(t *testing.T) {
	eng, grid := testEngine(t)
	base := grid.Levels["BASE"]

	c := types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X",
		Price:     base.Price.Add(decimal.NewFromInt(1000)),
		Direction: types.DirectionBuy, Strength: 8, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
	}
	if _, ok := eng.Evaluate(c, grid); ok {
		t.Fatal("expected a candidate far from every level to miss")
	}
}

func TestEvaluateExtremeOverrideWithoutNamedRule(t *testing.T) {
	eng, grid := testEngine(t)
	sofrer2x := grid.Levels["SOFRER_2X"]

	c := types.Candidate{
		Pattern: types.PatternVolumeSpike, Instrument: "X", Price: sofrer2x.Price,
		Strength: 9, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
	}
	sig, ok := eng.Evaluate(c, grid)
	if !ok {
		t.Fatal("expected extreme-strength override to synthesize a SELL rule at SOFRER_2X")
	}
	if sig.Detail["action"] != string(types.DirectionSell) {
		t.Fatalf("expected SELL action, got %v", sig.Detail["action"])
	}
}

func TestEvaluatePTAXWindowBumpsConfidence(t *testing.T) {
	eng, grid := testEngine(t)
	devendo := grid.Levels["DEVENDO"]

	inWindow := types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X", Price: devendo.Price,
		Direction: types.DirectionBuy, Strength: 8, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC),
	}
	sig, ok := eng.Evaluate(inWindow, grid)
	if !ok {
		t.Fatal("expected match")
	}
	if sig.Detail["confidence"].(float64) <= 0.85 {
		t.Fatalf("expected PTAX bonus to raise confidence above base 0.85, got %v", sig.Detail["confidence"])
	}
}

func TestEvaluateRejectsLowStrength(t *testing.T) {
	eng, grid := testEngine(t)
	devendo := grid.Levels["DEVENDO"]

	c := types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X", Price: devendo.Price,
		Direction: types.DirectionBuy, Strength: 3, Volume: 500,
		Timestamp: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
	}
	if _, ok := eng.Evaluate(c, grid); ok {
		t.Fatal("expected strength below minimum_force to be rejected")
	}
}
