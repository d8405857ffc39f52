package display

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one connected WebSocket peer. Its only job is to pump bytes
// between the socket and the Hub; the Hub decides what reaches it.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subscriptions map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.NewString(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
}

// readPump reads subscribe/unsubscribe commands until the connection
// closes, then unregisters the client. There is exactly one reader per
// connection, owning conn's read deadline and pong handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd commandMessage
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendError("malformed command")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd commandMessage) {
	switch cmd.Type {
	case MsgTypeSubscribe:
		c.subscriptions[cmd.Channel] = true
		c.hub.subscribe(c, cmd.Channel)
	case MsgTypeUnsubscribe:
		delete(c.subscriptions, cmd.Channel)
		c.hub.unsubscribe(c, cmd.Channel)
	default:
		c.sendError("unknown command type")
	}
}

func (c *Client) sendError(msg string) {
	payload, err := json.Marshal(WSMessage{Type: MsgTypeError, Error: msg, Timestamp: time.Now()})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump batches whatever is queued on send into outbound WebSocket
// frames and pings the peer every pingInterval to keep the connection from
// being reaped as idle.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
