package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeTimeout bounds every write, including pings and the close
	// frame. A peer that cannot take a frame in this window is gone.
	writeTimeout = 10 * time.Second

	// readIdleTimeout is how long the connection may stay silent before
	// the read side gives up. Pongs reset it, so pingInterval must fire
	// comfortably inside it.
	readIdleTimeout = 60 * time.Second
	pingInterval    = (readIdleTimeout * 9) / 10

	// maxInboundFrame caps client frames. Subscription updates are tiny;
	// anything bigger is a misbehaving peer.
	maxInboundFrame = 64 * 1024
)

// SubscriptionMessage is what clients send to change which sessions
// they follow: {"action": "subscribe", "session_keys": ["..."]}.
type SubscriptionMessage struct {
	Action      string   `json:"action"`
	SessionKeys []string `json:"session_keys"`
}

// apply adjusts the client's session subscriptions per the message.
func (c *Client) apply(msg SubscriptionMessage) {
	switch msg.Action {
	case "subscribe":
		for _, key := range msg.SessionKeys {
			c.Subscribe(key)
		}
	case "unsubscribe":
		for _, key := range msg.SessionKeys {
			c.Unsubscribe(key)
		}
	default:
		c.logger.Warn("Unknown subscription action", zap.String("action", msg.Action))
	}
}

// ReadPump consumes subscription messages until the connection drops,
// then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundFrame)
	c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			// Normal goodbyes are routine; anything else is worth a line.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Undecodable subscription message", zap.Error(err))
			continue
		}
		c.apply(msg)
	}
}

// WritePump drains the send buffer onto the connection and keeps the
// connection alive with pings. It exits when the hub closes the send
// channel or a write fails.
func (c *Client) WritePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(frame); err != nil {
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch sends one frame, folding in whatever else is already
// queued so a burst of deltas costs one websocket message. Frames are
// newline-separated; events never contain raw newlines since they are
// JSON-encoded.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(first); err != nil {
		return err
	}

	pending := len(c.send)
	for i := 0; i < pending; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
		if _, err := w.Write(<-c.send); err != nil {
			return err
		}
	}
	return w.Close()
}

// Subscribe follows a session's events.
func (c *Client) Subscribe(sessionKey string) {
	c.hub.SubscribeClient(c, sessionKey)
}

// Unsubscribe stops following a session.
func (c *Client) Unsubscribe(sessionKey string) {
	c.hub.UnsubscribeClient(c, sessionKey)
}

// IsSubscribed reports whether the client follows a session.
func (c *Client) IsSubscribed(sessionKey string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.sessionKeys[sessionKey]
}
