package provider

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/pkg/types"
)

// WebSocketConfig configures a WebSocketProvider: one dial URL per
// instrument, each expected to emit the wire message shapes below.
type WebSocketConfig struct {
	URLs            map[string]string
	HandshakeTimeout time.Duration
	ReadBufferSize  int
}

// wireMessage is the envelope every feed message arrives in; exactly one of
// Trade or Book is populated depending on Type.
type wireMessage struct {
	Type  string     `json:"type"` // "trade" | "book"
	Trade *wireTrade `json:"trade,omitempty"`
	Book  *wireBook  `json:"book,omitempty"`
}

type wireTrade struct {
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	Side      string `json:"side"`
	Timestamp int64  `json:"timestamp_ms"`
	TimeLabel string `json:"time_label"`
}

type wireBookLevel struct {
	Price  string `json:"price"`
	Volume int64  `json:"volume"`
}

type wireBook struct {
	Bids      []wireBookLevel `json:"bids"`
	Asks      []wireBookLevel `json:"asks"`
	Timestamp int64           `json:"timestamp_ms"`
}

// WebSocketProvider dials one connection per instrument and feeds every
// parsed trade/book update into a shared snapshot builder, draining it on
// each Poll call. Reconnection on a dropped read is the coordinator's job
// (per the loop's ProviderErr policy); this type only reports the failure.
type WebSocketProvider struct {
	cfg    WebSocketConfig
	logger *zap.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	builder *snapshotBuilder
	lastErr error
}

// NewWebSocketProvider creates a provider for cfg.URLs' instruments.
func NewWebSocketProvider(cfg WebSocketConfig, logger *zap.Logger) *WebSocketProvider {
	instruments := make([]string, 0, len(cfg.URLs))
	for inst := range cfg.URLs {
		instruments = append(instruments, inst)
	}
	dialer := websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &WebSocketProvider{
		cfg:     cfg,
		logger:  logger.Named("provider.websocket"),
		dialer:  *dialer,
		conns:   make(map[string]*websocket.Conn),
		builder: newSnapshotBuilder(instruments),
	}
}

// Connect dials every configured instrument's URL and starts its read loop.
// A failure on any one instrument tears down whatever already connected and
// returns a ProviderErr-classified error.
func (p *WebSocketProvider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for inst, url := range p.cfg.URLs {
		conn, _, err := p.dialer.Dial(url, nil)
		if err != nil {
			p.closeAllLocked()
			return classifyDialErr(fmt.Errorf("dial %s: %w", inst, err))
		}
		p.conns[inst] = conn
		go p.readLoop(inst, conn)
	}
	return nil
}

// readLoop runs for the lifetime of one instrument's connection, decoding
// each message and folding it into the shared snapshot builder.
func (p *WebSocketProvider) readLoop(instrument string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			if p.conns[instrument] == conn {
				p.lastErr = classifyDialErr(err)
			}
			p.mu.Unlock()
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Warn("dropped malformed message", zap.String("instrument", instrument), zap.Error(err))
			continue
		}

		p.mu.Lock()
		switch msg.Type {
		case "trade":
			if t, ok := decodeTrade(instrument, msg.Trade); ok {
				p.builder.addTrade(t)
			}
		case "book":
			if b, ok := decodeBook(instrument, msg.Book); ok {
				p.builder.setBook(b)
			}
		}
		p.mu.Unlock()
	}
}

// Poll drains whatever trades/book updates have accumulated since the last
// call into one MarketSnapshot.
func (p *WebSocketProvider) Poll() (types.MarketSnapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return types.MarketSnapshot{}, false, ErrNotConnected
	}
	if p.lastErr != nil {
		err := p.lastErr
		p.lastErr = nil
		return types.MarketSnapshot{}, false, err
	}

	snap, ok := p.builder.drain(time.Now())
	return snap, ok, nil
}

// Close tears down every live connection.
func (p *WebSocketProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAllLocked()
	return nil
}

func (p *WebSocketProvider) closeAllLocked() {
	for inst, conn := range p.conns {
		conn.Close()
		delete(p.conns, inst)
	}
}

func decodeTrade(instrument string, wt *wireTrade) (types.Trade, bool) {
	if wt == nil {
		return types.Trade{}, false
	}
	price, err := decimalFromString(wt.Price)
	if err != nil {
		return types.Trade{}, false
	}
	side := types.SideUnknown
	switch wt.Side {
	case "buy", "BUY":
		side = types.SideBuy
	case "sell", "SELL":
		side = types.SideSell
	}
	t := types.Trade{
		Instrument: instrument,
		Price:      price,
		Volume:     wt.Volume,
		Side:       side,
		Timestamp:  time.UnixMilli(wt.Timestamp),
		TimeLabel:  wt.TimeLabel,
	}
	if !t.Valid() {
		return types.Trade{}, false
	}
	return t, true
}

func decodeBook(instrument string, wb *wireBook) (types.OrderBook, bool) {
	if wb == nil {
		return types.OrderBook{}, false
	}
	book := types.OrderBook{
		Instrument: instrument,
		Bids:       make([]types.BookLevel, 0, len(wb.Bids)),
		Asks:       make([]types.BookLevel, 0, len(wb.Asks)),
		Timestamp:  time.UnixMilli(wb.Timestamp),
	}
	for _, l := range wb.Bids {
		if price, err := decimalFromString(l.Price); err == nil {
			book.Bids = append(book.Bids, types.BookLevel{Price: price, Volume: l.Volume})
		}
	}
	for _, l := range wb.Asks {
		if price, err := decimalFromString(l.Price); err == nil {
			book.Asks = append(book.Asks, types.BookLevel{Price: price, Volume: l.Volume})
		}
	}
	return book, true
}
