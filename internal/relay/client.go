package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // sessions are not browsers
}

// Client represents one WebSocket connection to the relay.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	connID   string
	patterns map[string]bool
	logger   *zap.Logger
}

// HandleWS upgrades an HTTP request to a relay connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		connID:   uuid.New().String(),
		patterns: make(map[string]bool),
		logger:   h.logger,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads frames from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}
		c.handleFrame(message)
	}
}

// writePump writes queued frames to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
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

// handleFrame processes an incoming frame.
func (c *Client) handleFrame(data []byte) {
	var frame transport.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("malformed frame",
			zap.String("connID", c.connID),
			zap.Error(err),
		)
		return
	}

	switch frame.Type {
	case transport.FrameSubscribe:
		if validPattern(frame.Topic) {
			c.hub.subscribe(c, frame.Topic)
			c.ack(frame.AckID, true)
		} else {
			c.logger.Debug("invalid subscription pattern",
				zap.String("connID", c.connID),
				zap.String("pattern", frame.Topic),
			)
			c.ack(frame.AckID, false)
		}

	case transport.FrameUnsubscribe:
		c.hub.unsubscribe(c, frame.Topic)
		c.ack(frame.AckID, true)

	case transport.FramePublish:
		if validTopic(frame.Topic) {
			c.hub.Publish(frame.Topic, frame.Data)
			c.ack(frame.AckID, true)
		} else {
			c.logger.Debug("invalid publish topic",
				zap.String("connID", c.connID),
				zap.String("topic", frame.Topic),
			)
			c.ack(frame.AckID, false)
		}

	default:
		c.logger.Debug("unknown frame type",
			zap.String("connID", c.connID),
			zap.String("type", frame.Type),
		)
		c.ack(frame.AckID, false)
	}
}

// ack answers a frame that asked for confirmation. Frames without an
// ackId are fire-and-forget.
func (c *Client) ack(ackID uint64, success bool) {
	if ackID == 0 {
		return
	}
	data, err := json.Marshal(transport.Frame{
		Type:    transport.FrameAck,
		AckID:   ackID,
		Success: &success,
	})
	if err != nil {
		return
	}
	// A connection with a full send buffer is already being dropped by the
	// hub; its ack can go with it.
	select {
	case c.send <- data:
	default:
	}
}

// validTopic accepts concrete topics: slash-delimited, every segment
// non-empty, no wildcards.
func validTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, segment := range strings.Split(topic, "/") {
		if segment == "" || segment == "#" || segment == "+" {
			return false
		}
	}
	return true
}

// validPattern accepts what MatchTopic can match: a concrete topic, the
// bare multi-level wildcard, or a concrete prefix ending in "/#".
func validPattern(pattern string) bool {
	if pattern == "#" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/#"); ok {
		return validTopic(prefix)
	}
	return validTopic(pattern)
}
