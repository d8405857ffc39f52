package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
)

func mkTrade(price float64, vol int64, ts time.Time, label string) types.Trade {
	return types.Trade{
		Instrument: "X",
		Price:      decimal.NewFromFloat(price),
		Volume:     vol,
		Side:       types.SideBuy,
		Timestamp:  ts,
		TimeLabel:  label,
	}
}

func TestAppendBatchRespectsCapacity(t *testing.T) {
	c := New(5)
	base := time.Now()
	for i := 0; i < 20; i++ {
		c.AppendBatch("X", []types.Trade{mkTrade(100+float64(i), 10, base.Add(time.Duration(i)*time.Millisecond), "t"+string(rune('a'+i)))})
		if size := c.Size("X"); size > 5 {
			t.Fatalf("size %d exceeded capacity after insert %d", size, i)
		}
	}
	if c.Size("X") != 5 {
		t.Fatalf("expected size 5 after 20 inserts into capacity-5 ring, got %d", c.Size("X"))
	}
}

func TestRecentIsChronological(t *testing.T) {
	c := New(10)
	base := time.Now()
	for i := 0; i < 6; i++ {
		c.AppendBatch("X", []types.Trade{mkTrade(100+float64(i), 10, base.Add(time.Duration(i)*time.Second), "t"+string(rune('a'+i)))})
	}
	recent := c.Recent("X", 3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp.Before(recent[i-1].Timestamp) {
			t.Fatalf("recent() not timestamp-non-decreasing: %v before %v", recent[i].Timestamp, recent[i-1].Timestamp)
		}
	}
}

func TestDuplicateTradesAreSkipped(t *testing.T) {
	c := New(10)
	ts := time.Now()
	trade := mkTrade(100, 10, ts, "dup")
	c.AppendBatch("X", []types.Trade{trade, trade, trade})
	if c.Size("X") != 1 {
		t.Fatalf("expected duplicates to collapse to 1 entry, got %d", c.Size("X"))
	}
	if stats := c.Stats("X"); stats.Duplicate != 2 {
		t.Fatalf("expected 2 duplicates recorded, got %d", stats.Duplicate)
	}
}

func TestWindowStopsAtFirstTradeOutsideWindow(t *testing.T) {
	c := New(100)
	base := time.Now()
	for i := 0; i < 10; i++ {
		c.AppendBatch("X", []types.Trade{mkTrade(100, 10, base.Add(time.Duration(i)*time.Second), "t"+string(rune('a'+i)))})
	}
	now := base.Add(9 * time.Second)
	win := c.Window("X", 3*time.Second, now)
	if len(win) != 4 {
		t.Fatalf("expected 4 trades within a 3s window, got %d", len(win))
	}
}

func TestSnapshotsAreNotAliased(t *testing.T) {
	c := New(10)
	c.AppendBatch("X", []types.Trade{mkTrade(100, 10, time.Now(), "a")})
	got := c.Recent("X", 1)
	got[0].Volume = 9999
	got2 := c.Recent("X", 1)
	if got2[0].Volume == 9999 {
		t.Fatal("mutating a returned snapshot must not affect internal storage")
	}
}

func TestShrinkByHalfKeepsMostRecent(t *testing.T) {
	c := New(10)
	base := time.Now()
	for i := 0; i < 10; i++ {
		c.AppendBatch("X", []types.Trade{mkTrade(float64(i), 10, base.Add(time.Duration(i)*time.Second), "t"+string(rune('a'+i)))})
	}
	c.ShrinkByHalf()
	if size := c.Size("X"); size > 5 {
		t.Fatalf("expected size <= 5 after shrink, got %d", size)
	}
	if got := c.Recent("X", 0); len(got) != 5 || got[0].Price.String() != "5" || got[4].Price.String() != "9" {
		t.Fatalf("expected the five most recent trades (prices 5..9) to survive, got %+v", got)
	}
}
