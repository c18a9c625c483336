// Package connection owns the transport session, reconnection policy,
// heartbeat, outbound buffering, and the typed publish/subscribe registry
// every other real-time feature is built on.
package connection

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
)

// Manager maintains exactly one logical transport session per active user
// and hides all reconnection complexity from consumers.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	dial   DialFunc

	mu           sync.Mutex
	session      Session
	transport    Transport
	backoffTimer *time.Timer
	stopCh       chan struct{}
	gen          int
	closed       bool

	subsMu sync.RWMutex
	subs   map[string]*Subscription

	queue *OutboundQueue
	fatal chan error

	// OnStateChange, when set before Connect, observes every lifecycle
	// transition. Invoked outside the manager lock.
	OnStateChange func(old, new State)
}

// NewManager creates a Manager backed by the production WebSocket transport.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return NewManagerWithDialer(cfg, NewWebSocketTransport, logger)
}

// NewManagerWithDialer creates a Manager with an injected transport dialer.
func NewManagerWithDialer(cfg Config, dial DialFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		dial:   dial,
		subs:   make(map[string]*Subscription),
		queue:  NewOutboundQueue(cfg.QueueCapacity),
		fatal:  make(chan error, 1),
		session: Session{
			State: StateDisconnected,
		},
	}
}

// Connect opens the transport session for a user. It is a no-op if the
// session is already connected or connecting. An initial dial failure
// schedules a reconnect and is also returned to the caller.
func (m *Manager) Connect(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	switch m.session.State {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.session = Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Token:  token,
		State:  StateDisconnected,
	}
	m.setStateLocked(StateConnecting)
	t := m.dial(m.cfg.Endpoint, m.cfg, m.logger)
	m.transport = t
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := t.Connect(cctx); err != nil {
		if cctx.Err() != nil {
			err = ErrConnectTimeout
		}
		m.mu.Lock()
		m.session.LastError = err
		m.mu.Unlock()
		m.logger.Warn("initial connect failed", zap.Error(err))
		m.scheduleReconnect()
		return err
	}

	m.onOpen(t)
	return nil
}

// Disconnect terminates the session. Any pending backoff timer is cleared
// and no further reconnects are attempted.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	t := m.transport
	m.transport = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// Subscribe registers a handler for one event category, optionally narrowed
// by a field-match filter. The registration survives reconnects; the manager
// replays it to the server side on every successful re-open.
func (m *Manager) Subscribe(category string, handler Handler, filter map[string]interface{}) string {
	m.mu.Lock()
	userID := m.session.UserID
	sessionID := m.session.ID
	t := m.transport
	connected := m.session.State == StateConnected
	m.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		UserID:   userID,
		Category: category,
		Filter:   filter,
		Active:   true,
		handler:  handler,
	}

	m.subsMu.Lock()
	m.subs[sub.ID] = sub
	m.subsMu.Unlock()

	if connected && t != nil {
		m.sendSubscribe(t, sub, sessionID)
	}
	return sub.ID
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (m *Manager) Unsubscribe(id string) {
	m.subsMu.Lock()
	sub, ok := m.subs[id]
	if ok {
		sub.Active = false
		delete(m.subs, id)
	}
	m.subsMu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	t := m.transport
	sessionID := m.session.ID
	connected := m.session.State == StateConnected
	m.mu.Unlock()

	if connected && t != nil {
		env := protocol.NewEnvelope(protocol.CategoryUnsubscribe, map[string]interface{}{
			"subscriptionId": id,
		})
		env.SessionID = sessionID
		m.transmit(t, env)
	}
}

// Send transmits an envelope immediately when connected; otherwise the
// envelope joins the bounded outbound queue and is flushed, in order, once
// the transport reopens.
func (m *Manager) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	t := m.transport
	sessionID := m.session.ID
	userID := m.session.UserID
	connected := m.session.State == StateConnected
	m.mu.Unlock()

	if env.SessionID == "" {
		env.SessionID = sessionID
	}
	if env.UserID == "" {
		env.UserID = userID
	}

	if connected && t != nil {
		if err := m.transmit(t, env); err == nil {
			return nil
		}
		// Send failure precedes the close event; buffer for the next open.
	}

	if dropped := m.queue.Push(env); dropped {
		m.logger.Warn("outbound queue full, dropped oldest envelope",
			zap.String("category", env.Category),
		)
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Fatal surfaces terminal session errors, such as exhausting the maximum
// reconnect attempts.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.subsMu.RLock()
	subCount := len(m.subs)
	m.subsMu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:             m.session.State,
		Subscriptions:     subCount,
		QueuedMessages:    m.queue.Len(),
		DroppedMessages:   m.queue.Dropped(),
		ReconnectAttempts: m.session.ReconnectAttempts,
	}
}

// onOpen runs the open sequence: connected state, heartbeat loop, identity
// envelope, queue flush, subscription replay.
func (m *Manager) onOpen(t Transport) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.session.ReconnectAttempts = 0
	m.session.LastConnectedAt = time.Now()
	m.session.LastError = nil
	m.gen++
	gen := m.gen
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	sessionID := m.session.ID
	userID := m.session.UserID
	token := m.session.Token
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.runLoop(t, gen, stopCh)
	go m.heartbeatLoop(t, stopCh)

	// Identity envelope first so the server can gate what follows.
	authEnv := protocol.NewEnvelope(protocol.CategoryAuth, map[string]interface{}{
		"token": token,
	})
	authEnv.UserID = userID
	authEnv.SessionID = sessionID
	if err := m.transmit(t, authEnv); err != nil {
		m.logger.Warn("failed to send identity envelope", zap.Error(err))
	}

	for _, env := range m.queue.Drain() {
		if err := m.transmit(t, env); err != nil {
			m.logger.Warn("failed to flush queued envelope",
				zap.String("category", env.Category),
				zap.Error(err),
			)
			break
		}
	}

	m.subsMu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subsMu.RUnlock()

	for _, sub := range subs {
		m.sendSubscribe(t, sub, sessionID)
	}

	m.logger.Info("session connected",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Int("subscriptions_replayed", len(subs)),
	)
}

func (m *Manager) sendSubscribe(t Transport, sub *Subscription, sessionID string) {
	data := map[string]interface{}{
		"subscriptionId": sub.ID,
		"category":       sub.Category,
	}
	if len(sub.Filter) > 0 {
		data["filter"] = sub.Filter
	}
	env := protocol.NewEnvelope(protocol.CategorySubscribe, data)
	env.SessionID = sessionID
	env.UserID = sub.UserID
	if err := m.transmit(t, env); err != nil {
		m.logger.Warn("failed to replay subscription",
			zap.String("subscription_id", sub.ID),
			zap.String("category", sub.Category),
			zap.Error(err),
		)
	}
}

func (m *Manager) transmit(t Transport, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return t.Send(data)
}

// runLoop reads inbound frames for one connection generation.
func (m *Manager) runLoop(t Transport, gen int, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return

		case err := <-t.Errors():
			m.handleTransportError(t, gen, err)
			return

		case data, ok := <-t.Messages():
			if !ok {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				m.logger.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
			if env.Category == protocol.CategoryHeartbeat {
				// Liveness only; nothing to do beyond receiving it.
				continue
			}
			m.dispatch(env)
		}
	}
}

// heartbeatLoop emits a heartbeat envelope at a fixed interval while
// the connection is up.
func (m *Manager) heartbeatLoop(t Transport, stopCh chan struct{}) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !t.IsConnected() {
				continue
			}
			env := protocol.NewEnvelope(protocol.CategoryHeartbeat, nil)
			m.mu.Lock()
			env.SessionID = m.session.ID
			env.UserID = m.session.UserID
			m.mu.Unlock()
			if err := m.transmit(t, env); err != nil {
				m.logger.Debug("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

// dispatch fans an inbound envelope out to matching subscriptions.
// Handlers run in the read loop goroutine, so delivery to one recipient is
// in order for a given session.
func (m *Manager) dispatch(env *protocol.Envelope) {
	m.subsMu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range m.subs {
		if sub.Category != env.Category {
			continue
		}
		if !matchesFilter(env, sub.Filter) {
			continue
		}
		matched = append(matched, sub)
	}
	m.subsMu.RUnlock()

	for _, sub := range matched {
		sub.handler(env)
	}
}

// matchesFilter applies a field-match predicate against the envelope.
// The keys userId, sessionId and priority address envelope fields; any
// other key addresses the data payload.
func matchesFilter(env *protocol.Envelope, filter map[string]interface{}) bool {
	for key, want := range filter {
		var got interface{}
		switch key {
		case "userId":
			got = env.UserID
		case "sessionId":
			got = env.SessionID
		case "priority":
			got = env.Priority
		default:
			got = env.Data[key]
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (m *Manager) handleTransportError(t Transport, gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.session.LastError = err
	if IsCleanClose(err) {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.logger.Info("transport closed cleanly")
		return
	}
	m.mu.Unlock()

	m.logger.Warn("transport failed", zap.Error(err))
	t.Close()
	m.scheduleReconnect()
}

// scheduleReconnect arms a cancellable backoff timer. Exceeding the maximum
// attempt count is fatal for the session and surfaced on Fatal().
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.session.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.session.LastError = ErrReconnectExhausted
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", m.cfg.MaxReconnectAttempts),
		)
		select {
		case m.fatal <- ErrReconnectExhausted:
		default:
		}
		return
	}

	attempt := m.session.ReconnectAttempts
	m.session.ReconnectAttempts++
	m.setStateLocked(StateReconnecting)
	delay := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectCap, attempt)
	m.backoffTimer = time.AfterFunc(delay, m.attemptReconnect)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt+1),
	)
}

func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.closed || m.session.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	t := m.dial(m.cfg.Endpoint, m.cfg, m.logger)
	m.transport = t
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	if err := t.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			err = ErrConnectTimeout
		}
		m.mu.Lock()
		m.session.LastError = err
		m.mu.Unlock()
		m.logger.Warn("reconnect attempt failed", zap.Error(err))
		m.scheduleReconnect()
		return
	}

	m.onOpen(t)
}

// setStateLocked transitions session state. Caller holds m.mu.
func (m *Manager) setStateLocked(next State) {
	prev := m.session.State
	if prev == next {
		return
	}
	m.session.State = next
	if m.OnStateChange != nil {
		go m.OnStateChange(prev, next)
	}
}

// backoffDelay computes min(base * 2^attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
