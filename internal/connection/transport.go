package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Transport is a single logical wire to the real-time endpoint.
type Transport interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection with a clean close code.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns a channel of raw inbound frames.
	Messages() <-chan []byte

	// Errors returns a channel of transport errors. A close error that is
	// not a clean shutdown drives the Manager's reconnect state machine.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// DialFunc produces a fresh Transport for an endpoint. Injectable so the
// Manager can be exercised without a network.
type DialFunc func(endpoint string, cfg Config, logger *zap.Logger) Transport

// NewWebSocketTransport returns the production gorilla-backed transport.
func NewWebSocketTransport(endpoint string, cfg Config, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &wsTransport{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		messages: make(chan []byte, 256),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

type wsTransport struct {
	endpoint string
	cfg      Config
	logger   *zap.Logger

	conn *websocket.Conn

	messages chan []byte
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go t.readLoop()

	t.logger.Debug("transport connected", zap.String("endpoint", t.endpoint))
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	close(t.done)

	if t.conn != nil {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return t.conn.Close()
	}
	return nil
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Messages() <-chan []byte {
	return t.messages
}

func (t *wsTransport) Errors() <-chan error {
	return t.errors
}

func (t *wsTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *wsTransport) readLoop() {
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-t.done:
				return
			default:
				select {
				case t.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case t.messages <- data:
		case <-t.done:
			return
		default:
			t.logger.Warn("inbound buffer full, dropping frame")
		}
	}
}

// IsCleanClose reports whether a transport error signals a clean shutdown
// for which no reconnect should be attempted.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
