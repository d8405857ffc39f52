package confirmation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

func newTestTracker() *Tracker {
	cfg := config.DefaultConfig()
	bus := events.New(zap.NewNop())
	return NewTracker(cfg, bus, zap.NewNop(), decimal.NewFromFloat(0.5))
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

func TestSubmitHoldsConfiguredPatternsAndPublishesRaw(t *testing.T) {
	tr := newTestTracker()
	var published int
	tr.bus.Subscribe(events.TopicPatternDetected, func(payload interface{}) error {
		published++
		return nil
	})

	now := time.Now()
	c := types.Candidate{Pattern: types.PatternAbsorption, Instrument: "X", Price: decimal.NewFromFloat(100), Volume: 300, Timestamp: now}
	held := tr.Submit(c)
	if !held {
		t.Fatal("expected absorption to be held pending")
	}
	if published != 1 {
		t.Fatalf("expected raw candidate published once, got %d", published)
	}
	if len(tr.Pending()) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(tr.Pending()))
	}
}

func TestSubmitPassesThroughUnconfiguredPattern(t *testing.T) {
	tr := newTestTracker()
	c := types.Candidate{Pattern: types.PatternPressureBuy, Instrument: "X", Timestamp: time.Now()}
	if tr.Submit(c) {
		t.Fatal("expected PRESSAO_COMPRA to pass straight through")
	}
	if len(tr.Pending()) != 0 {
		t.Fatal("expected no pending entries for a non-confirmation pattern")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.PatternConfirmation.MaxPending = 2
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.Submit(types.Candidate{
			Pattern: types.PatternAbsorption, Instrument: "X",
			Price: decimal.NewFromFloat(100), Volume: 300,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
	}
	if len(tr.Pending()) != 2 {
		t.Fatalf("expected eviction to cap pending at 2, got %d", len(tr.Pending()))
	}
}

func TestTickConfirmsAbsorptionOnSufficientSubsequentVolume(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	tr.Submit(types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X",
		Price: decimal.NewFromFloat(100), Volume: 300, Timestamp: now,
	})

	window := []types.Trade{
		mkTrade(100.0, 120, types.SideBuy, now.Add(1*time.Second)),
		mkTrade(100.0, 120, types.SideBuy, now.Add(2*time.Second)),
	}
	confirmed := tr.Tick(now.Add(3*time.Second), map[string][]types.Trade{"X": window}, nil)
	if len(confirmed) != 1 {
		t.Fatalf("expected absorption to confirm, got %d confirmations", len(confirmed))
	}
	if !confirmed[0].Confirmed {
		t.Fatal("expected Confirmed to be set")
	}
	if len(tr.Pending()) != 0 {
		t.Fatal("expected confirmed entry removed from pending map")
	}
}

func TestTickExpiresStaleEntry(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	tr.Submit(types.Candidate{
		Pattern: types.PatternAbsorption, Instrument: "X",
		Price: decimal.NewFromFloat(100), Volume: 300, Timestamp: now,
	})
	confirmed := tr.Tick(now.Add(tr.cfg.PatternConfirmation.DefaultTimeout+time.Second), nil, nil)
	if len(confirmed) != 0 {
		t.Fatal("expected no confirmations for an expired entry")
	}
	if len(tr.Pending()) != 0 {
		t.Fatal("expected expired entry dropped from pending map")
	}
}

func TestTickConfirmsDivergenceAfterEnoughBars(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	tr.Submit(types.Candidate{
		Pattern: types.PatternDivergenceLow, Instrument: "X",
		Price: decimal.NewFromFloat(100), Direction: types.DirectionSell, Timestamp: now,
	})
	window := []types.Trade{mkTrade(99.0, 10, types.SideSell, now.Add(time.Second))}
	bars := tr.cfg.PatternConfirmation.Divergence.ConfirmationBars
	var confirmed []types.Candidate
	for i := 0; i < bars; i++ {
		confirmed = tr.Tick(now.Add(time.Duration(i+1)*time.Second), map[string][]types.Trade{"X": window}, nil)
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected divergence to confirm on the %dth bar, got %d confirmations", bars, len(confirmed))
	}
}
