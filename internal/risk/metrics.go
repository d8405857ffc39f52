package risk

import (
	"time"

	"github.com/marketflow/tapereader/pkg/types"
)

// timestampDeque is a fixed-capacity FIFO of timestamps, used to bound the
// rolling-window signal-frequency counters (500 for all signals, 100/200/300
// for confluence/arbitrage/tape).
type timestampDeque struct {
	buf  []time.Time
	head int
	size int
}

func newTimestampDeque(capacity int) *timestampDeque {
	return &timestampDeque{buf: make([]time.Time, capacity)}
}

func (d *timestampDeque) push(t time.Time) {
	idx := (d.head + d.size) % len(d.buf)
	if d.size == len(d.buf) {
		d.head = (d.head + 1) % len(d.buf)
	} else {
		d.size++
	}
	d.buf[idx] = t
}

// countSince counts entries at or after since.
func (d *timestampDeque) countSince(since time.Time) int {
	n := 0
	for i := 0; i < d.size; i++ {
		t := d.buf[(d.head+i)%len(d.buf)]
		if !t.Before(since) {
			n++
		}
	}
	return n
}

// pruneBefore drops entries older than cutoff, compacting the buffer.
func (d *timestampDeque) pruneBefore(cutoff time.Time) {
	kept := make([]time.Time, 0, d.size)
	for i := 0; i < d.size; i++ {
		t := d.buf[(d.head+i)%len(d.buf)]
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	copy(d.buf, kept)
	d.head = 0
	d.size = len(kept)
}

// metricsTracker holds the bounded rolling state the breaker checks and
// the frequency gate read from.
type metricsTracker struct {
	allSignals  *timestampDeque
	confluence  *timestampDeque
	arbitrage   *timestampDeque
	tape        *timestampDeque

	consecutiveLosses int
	dailyPnL          float64
	peakPnL           float64
	drawdownPct       float64

	activeSignals map[string]time.Time // signal id -> expiry
}

func newMetricsTracker() *metricsTracker {
	return &metricsTracker{
		allSignals:    newTimestampDeque(500),
		confluence:    newTimestampDeque(100),
		arbitrage:     newTimestampDeque(200),
		tape:          newTimestampDeque(300),
		activeSignals: make(map[string]time.Time),
	}
}

func (m *metricsTracker) recordApproval(source types.SignalSource, now time.Time) {
	m.allSignals.push(now)
	switch source {
	case types.SourceConfluence:
		m.confluence.push(now)
	case types.SourceManipulation:
		m.arbitrage.push(now)
	case types.SourceTapeReading:
		m.tape.push(now)
	}
}

// recordOutcome updates consecutive-loss and daily-PnL bookkeeping from a
// realized trade result. pnlDelta may be positive, negative, or zero.
func (m *metricsTracker) recordOutcome(pnlDelta float64, won bool) {
	if won {
		m.consecutiveLosses = 0
	} else {
		m.consecutiveLosses++
	}
	m.dailyPnL += pnlDelta
	if m.dailyPnL > m.peakPnL {
		m.peakPnL = m.dailyPnL
	}
	if m.peakPnL > 0 {
		m.drawdownPct = (m.peakPnL - m.dailyPnL) / m.peakPnL * 100
	} else {
		m.drawdownPct = 0
	}
}

func (m *metricsTracker) registerActive(id string, expiry time.Time) {
	m.activeSignals[id] = expiry
}

// pruneActive removes expired entries and reports the current count.
func (m *metricsTracker) pruneActive(now time.Time) int {
	for id, exp := range m.activeSignals {
		if now.After(exp) {
			delete(m.activeSignals, id)
		}
	}
	return len(m.activeSignals)
}

func (m *metricsTracker) dailyReset() {
	m.dailyPnL = 0
	m.peakPnL = 0
	m.drawdownPct = 0
	m.activeSignals = make(map[string]time.Time)
}

// pruneOlderThan24h drops signal timestamps older than 24h from every
// deque, part of the daily-reset behavior.
func (m *metricsTracker) pruneOlderThan24h(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	m.allSignals.pruneBefore(cutoff)
	m.confluence.pruneBefore(cutoff)
	m.arbitrage.pruneBefore(cutoff)
	m.tape.pruneBefore(cutoff)
}
