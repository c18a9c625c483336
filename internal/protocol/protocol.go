// Package protocol defines the message envelope that crosses the
// publish/subscribe boundary and its wire encoding.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CategoryCode represents binary category codes (must match SDK client exactly)
type CategoryCode byte

const (
	AUTH                 CategoryCode = 0x01
	AUTH_SUCCESS         CategoryCode = 0x02
	AUTH_ERROR           CategoryCode = 0x03
	SUBSCRIBE            CategoryCode = 0x10
	UNSUBSCRIBE          CategoryCode = 0x11
	ACK                  CategoryCode = 0x12
	CREDIT_SCORE_UPDATE  CategoryCode = 0x20
	DISPUTE_STATUS       CategoryCode = 0x21
	NOTIFICATION         CategoryCode = 0x22
	CHAT_MESSAGE         CategoryCode = 0x23
	COLLABORATION_UPDATE CategoryCode = 0x24
	SYSTEM_ALERT         CategoryCode = 0x25
	HEARTBEAT            CategoryCode = 0x30
	ERROR                CategoryCode = 0xFF
)

// Event categories carried on the wire.
const (
	CategoryAuth        = "auth"
	CategoryAuthSuccess = "auth_success"
	CategoryAuthError   = "auth_error"

	CategorySubscribe   = "subscribe"
	CategoryUnsubscribe = "unsubscribe"
	CategoryAck         = "ack"

	CategoryCreditScoreUpdate   = "credit_score_update"
	CategoryDisputeStatusChange = "dispute_status_change"
	CategoryNotification        = "notification"
	CategoryChatMessage         = "chat_message"
	CategoryCollaborationUpdate = "collaboration_update"
	CategorySystemAlert         = "system_alert"

	CategoryHeartbeat = "heartbeat"
	CategoryError     = "error"
)

// Map category codes to category names
var codeToCategory = map[CategoryCode]string{
	AUTH:                 CategoryAuth,
	AUTH_SUCCESS:         CategoryAuthSuccess,
	AUTH_ERROR:           CategoryAuthError,
	SUBSCRIBE:            CategorySubscribe,
	UNSUBSCRIBE:          CategoryUnsubscribe,
	ACK:                  CategoryAck,
	CREDIT_SCORE_UPDATE:  CategoryCreditScoreUpdate,
	DISPUTE_STATUS:       CategoryDisputeStatusChange,
	NOTIFICATION:         CategoryNotification,
	CHAT_MESSAGE:         CategoryChatMessage,
	COLLABORATION_UPDATE: CategoryCollaborationUpdate,
	SYSTEM_ALERT:         CategorySystemAlert,
	HEARTBEAT:            CategoryHeartbeat,
	ERROR:                CategoryError,
}

// Map category names to category codes
var categoryToCode = map[string]CategoryCode{
	CategoryAuth:                AUTH,
	CategoryAuthSuccess:         AUTH_SUCCESS,
	CategoryAuthError:           AUTH_ERROR,
	CategorySubscribe:           SUBSCRIBE,
	CategoryUnsubscribe:         UNSUBSCRIBE,
	CategoryAck:                 ACK,
	CategoryCreditScoreUpdate:   CREDIT_SCORE_UPDATE,
	CategoryDisputeStatusChange: DISPUTE_STATUS,
	CategoryNotification:        NOTIFICATION,
	CategoryChatMessage:         CHAT_MESSAGE,
	CategoryCollaborationUpdate: COLLABORATION_UPDATE,
	CategorySystemAlert:         SYSTEM_ALERT,
	CategoryHeartbeat:           HEARTBEAT,
	CategoryError:               ERROR,
}

// Delivery priority hints.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Envelope is the typed wrapper for every message crossing the
// publish/subscribe boundary.
type Envelope struct {
	ID        string                 `json:"id"`
	Category  string                 `json:"category"`
	Timestamp int64                  `json:"timestamp"`
	UserID    string                 `json:"userId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and current timestamp.
func NewEnvelope(category string, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Category:  category,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Encode encodes an envelope to binary format.
// Format: [category:1 byte][timestamp:8 bytes][payload_len:4 bytes][payload:JSON bytes]
func Encode(env *Envelope) ([]byte, error) {
	code, ok := categoryToCode[env.Category]
	if !ok {
		code = ERROR
	}

	payloadJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	payloadLen := uint32(len(payloadJSON))

	// 1 (category) + 8 (timestamp) + 4 (length) + payload
	buf := make([]byte, 13+payloadLen)
	buf[0] = byte(code)
	binary.BigEndian.PutUint64(buf[1:9], uint64(env.Timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[13:], payloadJSON)

	return buf, nil
}

// Decode decodes a binary or JSON envelope.
func Decode(data []byte) (*Envelope, error) {
	// JSON text protocol (starts with '{')
	if len(data) > 0 && data[0] == '{' {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON envelope: %w", err)
		}
		return &env, nil
	}

	// Binary protocol
	if len(data) < 13 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	code := CategoryCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	// Compare in uint64 so a huge length header cannot wrap the sum.
	if uint64(len(data)) < 13+uint64(payloadLen) {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", 13+payloadLen, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data[13:13+payloadLen], &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	// Header fields fill in anything the payload omitted
	if env.Category == "" {
		category, ok := codeToCategory[code]
		if !ok {
			category = CategoryError
		}
		env.Category = category
	}
	if env.Timestamp == 0 {
		env.Timestamp = timestamp
	}

	return &env, nil
}

// IsFeatureCategory reports whether a category belongs to a feature
// consumer rather than the connection layer itself.
func IsFeatureCategory(category string) bool {
	switch category {
	case CategoryCreditScoreUpdate, CategoryDisputeStatusChange,
		CategoryNotification, CategoryChatMessage,
		CategoryCollaborationUpdate, CategorySystemAlert:
		return true
	}
	return false
}
