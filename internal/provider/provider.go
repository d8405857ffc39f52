// Package provider implements the market-data source contract the
// coordinator polls on its hot path: connect, poll a best-effort snapshot,
// close. Two implementations are provided: a WebSocket-backed one for live
// feeds and a synthetic one for local runs and replay.
package provider

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/internal/errkind"
	"github.com/marketflow/tapereader/pkg/types"
)

// Provider is the single data-source contract the coordinator depends on.
// Poll returns the current best-effort snapshot; a false second return
// means no new data was available (not necessarily an error). Connect and
// Close bracket the provider's lifetime.
type Provider interface {
	Connect() error
	Poll() (types.MarketSnapshot, bool, error)
	Close() error
}

// ErrNotConnected is returned by Poll when called before a successful
// Connect, or after the connection has been torn down by Close.
var ErrNotConnected = errors.New("provider: not connected")

// decimalFromString parses a wire price field for the WebSocket decoders.
func decimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// classifyDialErr wraps a low-level connection error as errkind.ProviderErr
// so the coordinator's reconnect policy recognizes it.
func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	return errkind.WrapErr(errkind.ProviderErr, err)
}

// snapshotBuilder accumulates per-instrument trades and the latest book
// between Poll calls; WebSocketProvider drains it into a MarketSnapshot of
// whatever arrived since the last poll. SimulatedProvider does not use it:
// it synthesizes each snapshot inside Poll.
type snapshotBuilder struct {
	instruments []string
	trades      map[string][]types.Trade
	books       map[string]types.OrderBook
	cumVolume   map[string]int64
}

func newSnapshotBuilder(instruments []string) *snapshotBuilder {
	b := &snapshotBuilder{
		instruments: instruments,
		trades:      make(map[string][]types.Trade),
		books:       make(map[string]types.OrderBook),
		cumVolume:   make(map[string]int64),
	}
	for _, inst := range instruments {
		b.books[inst] = types.OrderBook{Instrument: inst}
	}
	return b
}

func (b *snapshotBuilder) addTrade(t types.Trade) {
	b.trades[t.Instrument] = append(b.trades[t.Instrument], t)
	b.cumVolume[t.Instrument] += t.Volume
}

func (b *snapshotBuilder) setBook(book types.OrderBook) {
	b.books[book.Instrument] = book
}

// drain returns the accumulated snapshot and resets the per-instrument
// trade slices (the book carries forward, since it's a replace-wholesale
// view rather than a delta stream).
func (b *snapshotBuilder) drain(now time.Time) (types.MarketSnapshot, bool) {
	any := false
	byInstrument := make(map[string]types.InstrumentView, len(b.instruments))
	for _, inst := range b.instruments {
		trades := b.trades[inst]
		if len(trades) > 0 {
			any = true
		}
		lastPrice := decimal.Zero
		if len(trades) > 0 {
			lastPrice = trades[len(trades)-1].Price
		}
		byInstrument[inst] = types.InstrumentView{
			Trades:           trades,
			Book:             b.books[inst],
			LastPrice:        lastPrice,
			CumulativeVolume: b.cumVolume[inst],
		}
		b.trades[inst] = nil
	}
	if !any {
		return types.MarketSnapshot{}, false
	}
	return types.MarketSnapshot{Timestamp: now, ByInstrument: byInstrument}, true
}
