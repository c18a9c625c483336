// Package security provides rate limiting and input validation for the
// real-time gateway.
package security

import (
	"regexp"
	"sync"
	"time"

	"github.com/creditpath/realtime/internal/protocol"
)

// Limits bound per-IP and per-connection resource usage.
var Limits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int
	MaxDocumentIDLength  int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxMessageSize:       2_000_000, // 2MB
	MaxDocumentIDLength:  256,
}

// validCategories lists every envelope category a client may send.
var validCategories = map[string]bool{
	protocol.CategoryAuth:                true,
	protocol.CategorySubscribe:           true,
	protocol.CategoryUnsubscribe:         true,
	protocol.CategoryAck:                 true,
	protocol.CategoryHeartbeat:           true,
	protocol.CategoryCreditScoreUpdate:   true,
	protocol.CategoryDisputeStatusChange: true,
	protocol.CategoryNotification:        true,
	protocol.CategoryChatMessage:         true,
	protocol.CategoryCollaborationUpdate: true,
	protocol.CategorySystemAlert:         true,
}

var documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidateEnvelope checks a decoded client envelope before the hub
// processes it.
func ValidateEnvelope(env *protocol.Envelope) (bool, string) {
	if env == nil {
		return false, "Invalid message format"
	}
	if env.Category == "" {
		return false, "Missing message category"
	}
	if !validCategories[env.Category] {
		return false, "Invalid message category: " + env.Category
	}
	return true, ""
}

// ValidateDocumentID validates document ID format.
func ValidateDocumentID(docID string) (bool, string) {
	if docID == "" {
		return false, "Invalid document ID"
	}
	if len(docID) > Limits.MaxDocumentIDLength {
		return false, "Document ID too long"
	}
	if !documentIDPattern.MatchString(docID) {
		return false, "Document ID contains invalid characters"
	}
	return true, ""
}

// ConnectionLimiter tracks open connections per IP.
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a connection limiter.
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect checks if IP can open another connection.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip] < Limits.MaxConnectionsPerIP
}

// AddConnection records a new connection from IP.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection removes a connection from IP.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// ConnectionCount returns the open connection count for IP.
func (cl *ConnectionLimiter) ConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose stops the cleanup loop.
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// MessageRateLimiter tracks messages per connection over a sliding
// one-minute window.
type MessageRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewMessageRateLimiter creates a message rate limiter.
func NewMessageRateLimiter() *MessageRateLimiter {
	mrl := &MessageRateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go mrl.cleanupLoop()
	return mrl
}

func (mrl *MessageRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mrl.cleanup()
		case <-mrl.stopCh:
			return
		}
	}
}

func (mrl *MessageRateLimiter) cleanup() {
	mrl.mu.Lock()
	defer mrl.mu.Unlock()

	now := time.Now()
	for connID, timestamps := range mrl.messages {
		recent := make([]time.Time, 0)
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(mrl.messages, connID)
		} else {
			mrl.messages[connID] = recent
		}
	}
}

// CanSendMessage checks if a connection is under its message budget.
func (mrl *MessageRateLimiter) CanSendMessage(connectionID string) bool {
	mrl.mu.RLock()
	defer mrl.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, ts := range mrl.messages[connectionID] {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}
	return count < Limits.MaxMessagesPerMinute
}

// RecordMessage records a message from a connection.
func (mrl *MessageRateLimiter) RecordMessage(connectionID string) {
	mrl.mu.Lock()
	defer mrl.mu.Unlock()
	mrl.messages[connectionID] = append(mrl.messages[connectionID], time.Now())
}

// RemoveConnection removes connection tracking data.
func (mrl *MessageRateLimiter) RemoveConnection(connectionID string) {
	mrl.mu.Lock()
	defer mrl.mu.Unlock()
	delete(mrl.messages, connectionID)
}

// Dispose stops the cleanup loop.
func (mrl *MessageRateLimiter) Dispose() {
	close(mrl.stopCh)
}

// Manager centralizes the security components.
type Manager struct {
	ConnectionLimiter  *ConnectionLimiter
	MessageRateLimiter *MessageRateLimiter
}

// NewManager creates a security manager.
func NewManager() *Manager {
	return &Manager{
		ConnectionLimiter:  NewConnectionLimiter(),
		MessageRateLimiter: NewMessageRateLimiter(),
	}
}

// Dispose stops all background loops.
func (m *Manager) Dispose() {
	m.ConnectionLimiter.Dispose()
	m.MessageRateLimiter.Dispose()
}
