// Package stats implements the statistical primitives the pattern detectors
// build on: cumulative volume delta, trade pace, and volume profile.
package stats

import (
	"sync"

	"github.com/marketflow/tapereader/pkg/types"
)

// CVD tracks the cumulative volume delta for one instrument: a signed
// running sum of trade volume, buy as +, sell as -.
type CVD struct {
	mu         sync.Mutex
	cumulative int64
}

// NewCVD creates a zeroed CVD tracker.
func NewCVD() *CVD { return &CVD{} }

// DeltaOver returns the signed volume delta across trades, without touching
// the running cumulative total.
func DeltaOver(trades []types.Trade) int64 {
	var delta int64
	for _, t := range trades {
		switch t.Side {
		case types.SideBuy:
			delta += t.Volume
		case types.SideSell:
			delta -= t.Volume
		}
	}
	return delta
}

// Update folds trades into the daily running cumulative sum and returns the
// new total.
func (c *CVD) Update(trades []types.Trade) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cumulative += DeltaOver(trades)
	return c.cumulative
}

// Cumulative returns the current daily running sum.
func (c *CVD) Cumulative() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative
}

// Reset zeroes the cumulative sum. Called on the daily-reset event.
func (c *CVD) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cumulative = 0
}

// RateOfChange computes the percent change of the last `period`-trade delta
// relative to the earlier-window delta: (recent - earlier) / |earlier| * 100.
// If trades has fewer than
// 2*period entries the earlier window is whatever remains.
func RateOfChange(trades []types.Trade, period int) float64 {
	if period <= 0 || len(trades) == 0 {
		return 0
	}
	n := len(trades)
	recentStart := n - period
	if recentStart < 0 {
		recentStart = 0
	}
	recent := DeltaOver(trades[recentStart:n])

	earlierEnd := recentStart
	earlierStart := earlierEnd - period
	if earlierStart < 0 {
		earlierStart = 0
	}
	if earlierEnd <= earlierStart {
		return 0
	}
	earlier := DeltaOver(trades[earlierStart:earlierEnd])
	if earlier == 0 {
		if recent == 0 {
			return 0
		}
		// No earlier baseline to compare against: treat the recent swing
		// itself as the percentage move, matching the source's guard
		// against a zero-baseline divide.
		return float64(recent) * 100
	}
	return (float64(recent) - float64(earlier)) / absFloat(float64(earlier)) * 100
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
