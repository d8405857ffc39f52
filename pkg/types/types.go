// Package types provides the shared data model for the tape reading engine:
// trades, order books, market snapshots, signals and calculated price levels.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of an executed trade.
type Side string

const (
	SideBuy     Side = "BUY"
	SideSell    Side = "SELL"
	SideUnknown Side = "UNKNOWN"
)

// Trade is a single executed print for one instrument. Immutable once built.
type Trade struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
	Side       Side            `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
	TimeLabel  string          `json:"time_label"`
}

// Valid reports whether the trade satisfies the data-model invariant
// price > 0 ∧ volume > 0.
func (t Trade) Valid() bool {
	return t.Price.IsPositive() && t.Volume > 0
}

// DedupKey identifies a trade for de-duplication across overlapping snapshots.
func (t Trade) DedupKey() string {
	return t.TimeLabel + "|" + t.Price.String() + "|" + itoa(t.Volume)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// BookLevel is one resting price level in an OrderBook.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// OrderBook is a top-of-book snapshot for one instrument. Bids are ordered
// descending by price, asks ascending. Replaced wholesale on every update;
// consumers must treat it as read-only.
type OrderBook struct {
	Instrument string      `json:"instrument"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	Timestamp  time.Time   `json:"timestamp"`
}

// BestBid returns the best bid level and whether one exists.
func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the best ask level and whether one exists.
func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Spread returns best_ask - best_bid, or zero if either side is empty.
func (b OrderBook) Spread() decimal.Decimal {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// BidVolume sums resting volume across the first n bid levels (or all, if
// fewer are present).
func (b OrderBook) BidVolume(n int) int64 {
	return sumLevels(b.Bids, n)
}

// AskVolume sums resting volume across the first n ask levels.
func (b OrderBook) AskVolume(n int) int64 {
	return sumLevels(b.Asks, n)
}

func sumLevels(levels []BookLevel, n int) int64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	var total int64
	for _, l := range levels[:n] {
		total += l.Volume
	}
	return total
}

// InstrumentView is the per-instrument payload of a MarketSnapshot.
type InstrumentView struct {
	Trades           []Trade         `json:"trades"`
	Book             OrderBook       `json:"book"`
	LastPrice        decimal.Decimal `json:"last_price"`
	CumulativeVolume int64           `json:"cumulative_volume"`
}

// MarketSnapshot is the unit the provider emits roughly every update_interval.
// Trade sequences inside a snapshot may overlap with previous snapshots, so
// consumers must de-duplicate on (time_label, price, volume).
type MarketSnapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	ByInstrument map[string]InstrumentView `json:"by_instrument"`
}

// SignalSource identifies the subsystem that produced a Signal.
type SignalSource string

const (
	SourceTapeReading  SignalSource = "TAPE_READING"
	SourceConfluence   SignalSource = "CONFLUENCE"
	SourceManipulation SignalSource = "MANIPULATION"
	SourceSystem       SignalSource = "SYSTEM"
)

// SignalLevel is the severity of a Signal.
type SignalLevel string

const (
	LevelInfo    SignalLevel = "INFO"
	LevelWarning SignalLevel = "WARNING"
	LevelAlert   SignalLevel = "ALERT"
)

// Signal is the final, immutable output of the pipeline.
type Signal struct {
	ID        string                 `json:"id"`
	Source    SignalSource           `json:"source"`
	Level     SignalLevel            `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail"`
}

// LevelType classifies a CalculatedLevel.
type LevelType string

const (
	LevelResistance LevelType = "RESISTANCE"
	LevelSupport    LevelType = "SUPPORT"
	LevelPivot      LevelType = "PIVOT"
)

// CalculatedLevel is one named price level in the daily grid. The grid is
// computed once per day from a reference rate and is read-only input to the
// core.
type CalculatedLevel struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Type     LevelType       `json:"type"`
	Strength int             `json:"strength"`
}

// LevelGrid is the full set of CalculatedLevel for one trading day, plus the
// fair-value base price they were derived from.
type LevelGrid struct {
	Date   time.Time                  `json:"date"`
	Base   decimal.Decimal            `json:"base"`
	Levels map[string]CalculatedLevel `json:"levels"`
}

// PendingPattern is a candidate awaiting confirmation, owned exclusively by
// the confirmation system.
type PendingPattern struct {
	ID          string
	Pattern     string
	Instrument  string
	Detail      map[string]interface{}
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Criteria    map[string]interface{}
	Attempts    int
	LastCheckAt time.Time
}

// Expired reports whether the pending pattern's deadline has passed as of now.
func (p *PendingPattern) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// RegimeChangeEvent is the payload published on REGIME_CHANGE. Old/New are
// the regime package's Regime values, carried as strings here so that
// every REGIME_CHANGE subscriber (risk, display, persistence) depends only
// on pkg/types rather than on internal/regime itself.
type RegimeChangeEvent struct {
	Instrument string    `json:"instrument"`
	Old        string    `json:"old"`
	New        string    `json:"new"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}
