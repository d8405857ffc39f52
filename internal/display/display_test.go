package display_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/display"
	"github.com/marketflow/tapereader/pkg/types"
)

type stubPending struct {
	patterns []types.PendingPattern
}

func (s *stubPending) Pending() []types.PendingPattern { return s.patterns }

func setupTestServer(t *testing.T) (*display.Hub, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	hub := display.NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := display.NewServer(logger, hub, &stubPending{})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return hub, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %q", result["status"])
	}
}

func TestSignalsEndpointReflectsAdd(t *testing.T) {
	hub, ts := setupTestServer(t)

	hub.Add(types.Signal{
		ID:        "sig-1",
		Source:    types.SourceConfluence,
		Level:     types.LevelInfo,
		Message:   "test signal",
		Timestamp: time.Now(),
	})

	resp, err := http.Get(ts.URL + "/api/v1/signals")
	if err != nil {
		t.Fatalf("signals request failed: %v", err)
	}
	defer resp.Body.Close()

	var signals []types.Signal
	if err := json.NewDecoder(resp.Body).Decode(&signals); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(signals) != 1 || signals[0].ID != "sig-1" {
		t.Fatalf("expected exactly the added signal, got %+v", signals)
	}
}

func TestPendingEndpoint(t *testing.T) {
	logger := zap.NewNop()
	hub := display.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	pending := &stubPending{patterns: []types.PendingPattern{
		{ID: "p-1", Pattern: "ABSORPTION", Instrument: "X"},
	}}
	server := display.NewServer(logger, hub, pending)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/pending")
	if err != nil {
		t.Fatalf("pending request failed: %v", err)
	}
	defer resp.Body.Close()

	var got []types.PendingPattern
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p-1" {
		t.Fatalf("expected the one pending pattern, got %+v", got)
	}
}

func TestStatusEndpointReportsConnectedClients(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["connected_clients"].(float64) != 0 {
		t.Errorf("expected zero connected clients, got %v", result["connected_clients"])
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + ts.URL[len("http"):] + "/ws"
}

func TestWebSocketSubscriptionReceivesBroadcast(t *testing.T) {
	hub, ts := setupTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	sub := map[string]string{"type": string(display.MsgTypeSubscribe), "channel": display.ChannelSignals}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	// Give the read pump a moment to register the subscription before the
	// broadcast fires.
	time.Sleep(50 * time.Millisecond)

	hub.Add(types.Signal{
		ID:        "sig-ws-1",
		Source:    types.SourceConfluence,
		Level:     types.LevelWarning,
		Message:   "broadcast test",
		Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg display.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}
	if msg.Type != display.MsgTypeSignal {
		t.Errorf("expected signal message, got %q", msg.Type)
	}
	if msg.Channel != display.ChannelSignals {
		t.Errorf("expected channel %q, got %q", display.ChannelSignals, msg.Channel)
	}
}

func TestWebSocketUnsubscribedClientDoesNotReceiveBroadcast(t *testing.T) {
	hub, ts := setupTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	hub.Add(types.Signal{ID: "sig-ignored", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg display.WSMessage
	err = conn.ReadJSON(&msg)
	if err == nil && msg.Type == display.MsgTypeSignal {
		t.Fatalf("expected no signal broadcast without a subscription, got %+v", msg)
	}
}

func TestConcurrentConnectionsEachRegister(t *testing.T) {
	hub, ts := setupTestServer(t)

	const n = 5
	conns := make([]*websocket.Conn, n)
	for i := 0; i < n; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		if err != nil {
			t.Fatalf("connection %d failed: %v", i, err)
		}
		conns[i] = conn
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != n {
		t.Fatalf("expected %d connected clients, got %d", n, hub.ClientCount())
	}
}
