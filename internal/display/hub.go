// Package display broadcasts generated signals and core events to connected
// WebSocket clients and exposes a small REST surface for polling the same
// state without a live socket.
package display

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// MessageType names the kind of payload carried by a WSMessage.
type MessageType string

const (
	MsgTypeSignal       MessageType = "signal"
	MsgTypePattern      MessageType = "pattern"
	MsgTypeRegimeChange MessageType = "regime_change"
	MsgTypeSystem       MessageType = "system"
	MsgTypeHeartbeat    MessageType = "heartbeat"
	MsgTypeSubscribe    MessageType = "subscribe"
	MsgTypeUnsubscribe  MessageType = "unsubscribe"
	MsgTypeError        MessageType = "error"
)

// Channel names clients may subscribe to.
const (
	ChannelSignals = "signals"
	ChannelPattern = "patterns"
	ChannelRegime  = "regime"
	ChannelSystem  = "system"
)

// WSMessage is the envelope written to every client connection.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// commandMessage is what a client sends to subscribe/unsubscribe.
type commandMessage struct {
	Type    MessageType `json:"type"`
	Channel string      `json:"channel"`
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	heartbeatEvery = 30 * time.Second
	sendBuffer   = 64
	recentCap    = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type broadcastMsg struct {
	channel string
	msg     WSMessage
}

// Hub owns every connected Client and the per-channel subscription map.
// Register/unregister/broadcast all flow through Run's select loop so the
// client set is only ever mutated on one goroutine.
type Hub struct {
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg

	mu       sync.Mutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	recentMu sync.Mutex
	recent   []types.Signal
}

// NewHub creates an idle Hub. Call Run to start its dispatch loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("display"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 256),
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run drains register/unregister/broadcast until ctx is cancelled, and
// periodically fans out a heartbeat to every connected client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.channels = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for _, subs := range h.channels {
					delete(subs, c)
				}
			}
			h.mu.Unlock()

		case bm := <-h.broadcast:
			h.deliver(bm.channel, bm.msg)

		case <-ticker.C:
			h.deliver("", WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now()})
		}
	}
}

// deliver writes msg to every client subscribed to channel (or, when channel
// is empty, to every connected client). A client whose send buffer is full
// is dropped rather than letting one slow reader stall the hub.
func (h *Hub) deliver(channel string, msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets map[*Client]bool
	if channel == "" {
		targets = h.clients
	} else {
		targets = h.channels[channel]
	}
	for c := range targets {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping connection", zap.String("client_id", c.id))
			delete(h.clients, c)
			close(c.send)
			for _, subs := range h.channels {
				delete(subs, c)
			}
		}
	}
}

// subscribe adds c to channel's target set. Safe to call from a Client's
// read pump goroutine.
func (h *Hub) subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]bool)
		h.channels[channel] = subs
	}
	subs[c] = true
}

func (h *Hub) unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
	}
}

// PublishToChannel fans data out to channel's subscribers. It records
// nothing in the recent-signal ring; Add does that before publishing.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	h.broadcast <- broadcastMsg{channel: channel, msg: WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now(),
	}}
}

// Add implements the coordinator's signal sink: every approved signal is
// recorded for the REST history endpoint and pushed to signals subscribers.
func (h *Hub) Add(sig types.Signal) {
	h.recentMu.Lock()
	h.recent = append(h.recent, sig)
	if len(h.recent) > recentCap {
		h.recent = h.recent[len(h.recent)-recentCap:]
	}
	h.recentMu.Unlock()

	h.PublishToChannel(ChannelSignals, MsgTypeSignal, sig)
}

// Recent returns up to the last recentCap signals recorded via Add, oldest
// first.
func (h *Hub) Recent() []types.Signal {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	out := make([]types.Signal, len(h.recent))
	copy(out, h.recent)
	return out
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe wires the hub to the core event bus: pattern detections, regime
// changes, and system-level topics are rebroadcast on their matching
// channel so a connected dashboard sees them without polling.
func (h *Hub) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TopicPatternDetected, func(payload interface{}) error {
		h.PublishToChannel(ChannelPattern, MsgTypePattern, payload)
		return nil
	})
	bus.Subscribe(events.TopicRegimeChange, func(payload interface{}) error {
		h.PublishToChannel(ChannelRegime, MsgTypeRegimeChange, payload)
		return nil
	})
	for _, topic := range []events.Topic{
		events.TopicSystemStarted,
		events.TopicSystemStopping,
		events.TopicSystemError,
		events.TopicSystemCriticalFail,
		events.TopicMemoryEmergency,
		events.TopicMaintenanceComplete,
		events.TopicDailyReset,
	} {
		t := topic
		bus.Subscribe(t, func(payload interface{}) error {
			h.PublishToChannel(ChannelSystem, MsgTypeSystem, map[string]interface{}{
				"topic": string(t),
				"data":  payload,
			})
			return nil
		})
	}
}

// ServeWS upgrades r into a WebSocket connection and hands it to a new
// Client, which runs its read/write pumps until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn)
	h.register <- c

	go c.writePump()
	go c.readPump()
}
