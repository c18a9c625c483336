package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/auth"
	"github.com/creditpath/realtime/internal/protocol"
	"github.com/creditpath/realtime/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrSendQueueFull indicates the connection's outbound buffer is full.
var ErrSendQueueFull = errors.New("send queue is full")

// ErrConnectionClosed indicates the connection was already unregistered.
var ErrConnectionClosed = errors.New("connection closed")

// subscription is one category registration held by a connection.
type subscription struct {
	Category string
	Filter   map[string]interface{}
}

// Connection represents a single client WebSocket connection.
type Connection struct {
	ID            string
	UserID        string
	SessionID     string
	ClientIP      string
	Authenticated bool
	Payload       *auth.TokenPayload
	Subscriptions map[string]*subscription // subscriptionId -> subscription
	ConnectedAt   time.Time

	security *security.Manager
	logger   *zap.Logger

	ws        *websocket.Conn
	send      chan []byte
	hub       *Hub
	mu        sync.Mutex
	closed    bool
	documents map[string]bool // documents joined through collab actions
}

// NewConnection creates a connection wrapper around an upgraded socket.
func NewConnection(id string, ws *websocket.Conn, hub *Hub, clientIP string, sec *security.Manager, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		ID:            id,
		ClientIP:      clientIP,
		Subscriptions: make(map[string]*subscription),
		ConnectedAt:   time.Now(),
		security:      sec,
		logger:        logger,
		ws:            ws,
		send:          make(chan []byte, 256),
		hub:           hub,
		documents:     make(map[string]bool),
	}
}

// SendEnvelope encodes and queues an envelope for delivery.
func (c *Connection) SendEnvelope(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// shutdown closes the outbound channel exactly once. Collab actions run
// outside the hub loop and may still try to ack a connection that
// unregistered mid-flight; after shutdown those sends return
// ErrConnectionClosed instead of panicking on a closed channel.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Connection) trackDocument(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documents[docID] = true
}

func (c *Connection) untrackDocument(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.documents, docID)
}

func (c *Connection) trackedDocuments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.documents))
	for docID := range c.documents {
		out = append(out, docID)
	}
	return out
}

// SendError sends an error envelope.
func (c *Connection) SendError(message, code string) error {
	return c.SendEnvelope(protocol.NewEnvelope(protocol.CategoryError, map[string]interface{}{
		"error": message,
		"code":  code,
	}))
}

// ReadPump pumps inbound frames from the socket to the hub. It owns
// the read side and unregisters the connection when the socket drops.
func (c *Connection) ReadPump() {
	defer func() {
		if c.security != nil {
			c.security.MessageRateLimiter.RemoveConnection(c.ID)
			c.security.ConnectionLimiter.RemoveConnection(c.ClientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(int64(security.Limits.MaxMessageSize))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("unexpected close",
					zap.String("connection_id", c.ID),
					zap.Error(err))
			}
			break
		}

		if c.security != nil {
			if !c.security.MessageRateLimiter.CanSendMessage(c.ID) {
				c.SendError("Too many messages. Please slow down.", "RATE_LIMIT_EXCEEDED")
				continue
			}
			c.security.MessageRateLimiter.RecordMessage(c.ID)
		}

		env, err := protocol.Decode(message)
		if err != nil {
			c.SendError("Invalid message: "+err.Error(), "INVALID_MESSAGE")
			continue
		}
		if ok, hint := security.ValidateEnvelope(env); !ok {
			c.SendError(hint, "INVALID_MESSAGE")
			continue
		}

		c.hub.HandleMessage <- &MessageEvent{Connection: c, Envelope: env}
	}
}

// WritePump pumps queued frames to the socket and keeps the connection
// alive with periodic pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
