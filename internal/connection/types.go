package connection

import (
	"errors"
	"time"

	"github.com/creditpath/realtime/internal/protocol"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyClosed      = errors.New("connection manager closed")
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrStaleConnection    = errors.New("connection stale (no traffic)")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of a connection session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Session is the per user-device connection session owned by the Manager.
type Session struct {
	ID                string
	UserID            string
	Token             string
	State             State
	ReconnectAttempts int
	LastConnectedAt   time.Time
	LastError         error
}

// Handler is invoked for every inbound envelope matching a subscription.
type Handler func(env *protocol.Envelope)

// Subscription is a registered interest in one event category,
// optionally narrowed by a field-match filter.
type Subscription struct {
	ID       string
	UserID   string
	Category string
	Filter   map[string]interface{}
	Active   bool

	handler Handler
}

// Config holds the deployment-level configuration for the Manager.
type Config struct {
	Endpoint             string        // WebSocket endpoint (e.g. wss://realtime.example.com/ws)
	ReconnectBase        time.Duration // Base delay for exponential backoff
	ReconnectCap         time.Duration // Upper bound on backoff delay
	MaxReconnectAttempts int           // Attempts beyond this are fatal for the session
	HeartbeatInterval    time.Duration // Interval between heartbeat envelopes while connected
	ConnectTimeout       time.Duration // Max time to wait while connecting
	QueueCapacity        int           // Bounded outbound queue size (drop-oldest)
	WriteTimeout         time.Duration // Write deadline for transport sends
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:        1 * time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		QueueCapacity:        100,
		WriteTimeout:         5 * time.Second,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State             State
	Subscriptions     int
	QueuedMessages    int
	DroppedMessages   int64
	ReconnectAttempts int
}
