package server

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/auth"
	"github.com/creditpath/realtime/internal/collab"
	"github.com/creditpath/realtime/internal/protocol"
	"github.com/creditpath/realtime/internal/relay"
	"github.com/creditpath/realtime/internal/security"
)

// Hub maintains active connections and routes envelopes between them.
// All connection and subscription state is owned by the Run goroutine;
// ReadPump goroutines only feed the channels.
type Hub struct {
	jwtSecret string
	logger    *zap.Logger
	relay     *relay.Relay   // nil when running single-instance
	engine    *collab.Engine // nil until SetEngine

	mu          sync.RWMutex
	connections map[string]*Connection
	subscribers map[string]map[string]bool // category -> connectionId -> true

	docsMu   sync.Mutex
	docWatch map[string]map[string]bool // documentId -> connectionId -> true

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent

	stopCh chan struct{}
}

// MessageEvent is an envelope from a connection. A nil Connection means
// the envelope arrived from another instance over the relay and only
// needs local fan-out.
type MessageEvent struct {
	Connection *Connection
	Envelope   *protocol.Envelope
}

// NewHub creates a hub.
func NewHub(jwtSecret string, rl *relay.Relay, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		jwtSecret:     jwtSecret,
		logger:        logger,
		relay:         rl,
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		docWatch:      make(map[string]map[string]bool),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
		stopCh:        make(chan struct{}),
	}
}

// Run processes hub events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.mu.Lock()
			registered := false
			if _, ok := h.connections[conn.ID]; ok {
				registered = true
				for _, sub := range conn.Subscriptions {
					h.dropSubscriberLocked(sub.Category, conn.ID)
				}
				delete(h.connections, conn.ID)
				conn.shutdown()
			}
			h.mu.Unlock()

			if registered {
				if docs := conn.trackedDocuments(); len(docs) > 0 {
					// Relay teardown talks to Redis; keep it off the hub loop.
					go func(connID string) {
						ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						for _, docID := range docs {
							h.unwatchDocument(ctx, docID, connID)
						}
					}(conn.ID)
				}
			}

		case event := <-h.HandleMessage:
			if event.Connection == nil {
				h.broadcast(event.Envelope.Category, event.Envelope, "")
				continue
			}
			h.handleEnvelope(event.Connection, event.Envelope)

		case <-h.stopCh:
			return
		}
	}
}

// SetEngine attaches the collaboration engine. Called once during
// startup, before any connections are accepted.
func (h *Hub) SetEngine(engine *collab.Engine) {
	h.engine = engine
}

// Stop terminates the Run loop.
func (h *Hub) Stop() {
	close(h.stopCh)
}

// DeliverRemote injects an envelope relayed from another instance.
func (h *Hub) DeliverRemote(env *protocol.Envelope) {
	select {
	case h.HandleMessage <- &MessageEvent{Envelope: env}:
	default:
		h.logger.Warn("hub busy, dropping relayed envelope",
			zap.String("category", env.Category))
	}
}

// Stats summarizes hub state for the health endpoint.
type Stats struct {
	Connections   int            `json:"connections"`
	Subscriptions map[string]int `json:"subscriptions"`
}

// GetStats returns current hub statistics.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make(map[string]int, len(h.subscribers))
	for category, conns := range h.subscribers {
		subs[category] = len(conns)
	}
	return Stats{
		Connections:   len(h.connections),
		Subscriptions: subs,
	}
}

func (h *Hub) handleEnvelope(conn *Connection, env *protocol.Envelope) {
	switch env.Category {
	case protocol.CategoryHeartbeat:
		conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryHeartbeat, map[string]interface{}{
			"replyTo": env.ID,
		}))

	case protocol.CategoryAuth:
		h.handleAuth(conn, env)

	case protocol.CategorySubscribe:
		h.handleSubscribe(conn, env)

	case protocol.CategoryUnsubscribe:
		h.handleUnsubscribe(conn, env)

	default:
		if protocol.IsFeatureCategory(env.Category) {
			h.handlePublish(conn, env)
		}
	}
}

func (h *Hub) handleAuth(conn *Connection, env *protocol.Envelope) {
	token, _ := env.Data["token"].(string)
	if token == "" {
		conn.SendEnvelope(authError(env.ID, "Missing token", "MISSING_TOKEN"))
		return
	}

	payload, err := auth.VerifyToken(token, h.jwtSecret)
	if err != nil {
		conn.SendEnvelope(authError(env.ID, "Invalid or expired token", "INVALID_TOKEN"))
		h.logger.Debug("auth rejected",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
		return
	}

	conn.Authenticated = true
	conn.UserID = payload.UserID
	conn.Payload = payload
	if sessionID, ok := env.Data["sessionId"].(string); ok {
		conn.SessionID = sessionID
	}

	conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryAuthSuccess, map[string]interface{}{
		"replyTo": env.ID,
		"userId":  payload.UserID,
		"grants": map[string]interface{}{
			"categories": payload.Grants.Categories,
			"canView":    payload.Grants.CanView,
			"canEdit":    payload.Grants.CanEdit,
			"isAdmin":    payload.Grants.IsAdmin,
		},
	}))

	h.logger.Info("connection authenticated",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", payload.UserID))
}

func (h *Hub) handleSubscribe(conn *Connection, env *protocol.Envelope) {
	if !conn.Authenticated {
		conn.SendError("Authentication required", "NOT_AUTHENTICATED")
		return
	}

	category, ok := env.Data["category"].(string)
	if !ok || !protocol.IsFeatureCategory(category) {
		conn.SendError("Missing or invalid category", "INVALID_REQUEST")
		return
	}
	if !auth.CanSubscribe(conn.Payload, category) {
		conn.SendError("Not permitted to subscribe to "+category, "PERMISSION_DENIED")
		return
	}

	subID, _ := env.Data["subscriptionId"].(string)
	if subID == "" {
		subID = env.ID
	}
	filter, _ := env.Data["filter"].(map[string]interface{})

	h.mu.Lock()
	conn.Subscriptions[subID] = &subscription{Category: category, Filter: filter}
	if _, exists := h.subscribers[category]; !exists {
		h.subscribers[category] = make(map[string]bool)
	}
	h.subscribers[category][conn.ID] = true
	h.mu.Unlock()

	conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryAck, map[string]interface{}{
		"replyTo":        env.ID,
		"subscriptionId": subID,
		"category":       category,
	}))
}

func (h *Hub) handleUnsubscribe(conn *Connection, env *protocol.Envelope) {
	subID, _ := env.Data["subscriptionId"].(string)

	h.mu.Lock()
	if sub, ok := conn.Subscriptions[subID]; ok {
		delete(conn.Subscriptions, subID)
		// Keep the category registration while other subscriptions on
		// this connection still use it.
		stillUsed := false
		for _, remaining := range conn.Subscriptions {
			if remaining.Category == sub.Category {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			h.dropSubscriberLocked(sub.Category, conn.ID)
		}
	}
	h.mu.Unlock()

	conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryAck, map[string]interface{}{
		"replyTo":        env.ID,
		"subscriptionId": subID,
	}))
}

func (h *Hub) handlePublish(conn *Connection, env *protocol.Envelope) {
	if !conn.Authenticated {
		conn.SendError("Authentication required", "NOT_AUTHENTICATED")
		return
	}
	if !auth.CanSubscribe(conn.Payload, env.Category) {
		conn.SendError("Not permitted to publish "+env.Category, "PERMISSION_DENIED")
		return
	}

	env.UserID = conn.UserID
	if env.SessionID == "" {
		env.SessionID = conn.SessionID
	}

	if env.Category == protocol.CategoryCollaborationUpdate && h.engine != nil {
		if action, ok := env.Data["action"].(string); ok && action != "" {
			// Engine calls can touch storage; keep the hub loop free.
			go h.handleCollabAction(conn, env, action)
			return
		}
	}

	h.broadcast(env.Category, env, conn.ID)

	if h.relay != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.relay.PublishCategory(ctx, env.Category, env); err != nil {
				h.logger.Warn("relay publish failed",
					zap.String("category", env.Category),
					zap.Error(err))
			}
		}()
	}

	conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryAck, map[string]interface{}{
		"replyTo":  env.ID,
		"category": env.Category,
	}))
}

// broadcast delivers an envelope to every local subscriber of the
// category, except the sender, honoring subscription filters.
func (h *Hub) broadcast(category string, env *protocol.Envelope, senderID string) {
	h.mu.RLock()
	var targets []*Connection
	for connID := range h.subscribers[category] {
		if connID == senderID {
			continue
		}
		if conn := h.connections[connID]; conn != nil {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !subscriptionMatches(conn, category, env) {
			continue
		}
		if err := conn.SendEnvelope(env); err != nil {
			h.logger.Warn("broadcast delivery failed",
				zap.String("connection_id", conn.ID),
				zap.String("category", category),
				zap.Error(err))
		}
	}
}

// watchDocument subscribes this instance to a document's relay channel
// while at least one local connection participates in the document.
func (h *Hub) watchDocument(ctx context.Context, docID, connID string) {
	if h.relay == nil {
		return
	}
	h.docsMu.Lock()
	defer h.docsMu.Unlock()

	first := len(h.docWatch[docID]) == 0
	if h.docWatch[docID] == nil {
		h.docWatch[docID] = make(map[string]bool)
	}
	h.docWatch[docID][connID] = true

	if first {
		if err := h.relay.SubscribeToDocument(ctx, docID, h.DeliverRemote); err != nil {
			h.logger.Warn("document relay subscribe failed",
				zap.String("document_id", docID),
				zap.Error(err))
		}
	}
}

// unwatchDocument drops a connection's interest in a document and tears
// down the relay subscription once no local connection remains.
func (h *Hub) unwatchDocument(ctx context.Context, docID, connID string) {
	if h.relay == nil {
		return
	}
	h.docsMu.Lock()
	defer h.docsMu.Unlock()

	watchers, ok := h.docWatch[docID]
	if !ok {
		return
	}
	delete(watchers, connID)
	if len(watchers) > 0 {
		return
	}
	delete(h.docWatch, docID)

	if err := h.relay.UnsubscribeFromDocument(ctx, docID); err != nil {
		h.logger.Warn("document relay unsubscribe failed",
			zap.String("document_id", docID),
			zap.Error(err))
	}
}

// dropSubscriberLocked removes a connection from a category's
// subscriber set. Caller holds h.mu.
func (h *Hub) dropSubscriberLocked(category, connID string) {
	if subs, exists := h.subscribers[category]; exists {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.subscribers, category)
		}
	}
}

// subscriptionMatches reports whether any of the connection's
// subscriptions for the category accepts the envelope.
func subscriptionMatches(conn *Connection, category string, env *protocol.Envelope) bool {
	for _, sub := range conn.Subscriptions {
		if sub.Category != category {
			continue
		}
		if filterMatches(sub.Filter, env) {
			return true
		}
	}
	return false
}

// filterMatches applies a subscription filter to an envelope. The keys
// userId, sessionId, and priority match envelope fields; any other key
// matches the payload.
func filterMatches(filter map[string]interface{}, env *protocol.Envelope) bool {
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
			if env.Data == nil {
				return false
			}
			got = env.Data[key]
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func authError(replyTo, message, code string) *protocol.Envelope {
	return protocol.NewEnvelope(protocol.CategoryAuthError, map[string]interface{}{
		"replyTo": replyTo,
		"error":   message,
		"code":    code,
	})
}

// handleCollabAction runs a document operation through the engine and
// acks the result back to the caller. Fan-out to other participants
// happens inside the engine.
func (h *Hub) handleCollabAction(conn *Connection, env *protocol.Envelope, action string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docID, _ := env.Data["documentId"].(string)
	if action != "create" {
		if ok, hint := security.ValidateDocumentID(docID); !ok {
			conn.SendError(hint, "INVALID_REQUEST")
			return
		}
		// Coarse token scoping; the engine's collaborator roles are the
		// real authority.
		if !auth.CanViewDocument(conn.Payload, docID) {
			conn.SendError("Token does not cover this document", "PERMISSION_DENIED")
			return
		}
	}
	switch action {
	case "edit", "delete":
		if !auth.CanEditDocument(conn.Payload, docID) {
			conn.SendError("Token does not permit editing this document", "PERMISSION_DENIED")
			return
		}
	}

	result := map[string]interface{}{
		"replyTo": env.ID,
		"action":  action,
	}
	var err error

	switch action {
	case "create":
		title, _ := env.Data["title"].(string)
		content, _ := env.Data["content"].(string)
		var doc *collab.Document
		doc, err = h.engine.CreateDocument(ctx, conn.UserID, title, content, collab.DefaultPermissions())
		if err == nil {
			result["document"] = doc
		}

	case "join":
		var doc *collab.Document
		var peers []*collab.Presence
		doc, peers, err = h.engine.JoinDocument(ctx, docID, conn.UserID, conn.SessionID)
		if err == nil {
			result["document"] = doc
			result["presence"] = peers
			conn.trackDocument(docID)
			h.watchDocument(ctx, docID, conn.ID)
		}

	case "leave":
		h.engine.LeaveDocument(ctx, docID, conn.UserID)
		conn.untrackDocument(docID)
		h.unwatchDocument(ctx, docID, conn.ID)

	case "edit":
		var op collab.Operation
		if op, err = decodeOperation(env.Data["operation"]); err == nil {
			var doc *collab.Document
			doc, err = h.engine.ApplyEdit(ctx, docID, conn.UserID, op)
			if err == nil {
				result["version"] = doc.Version
			}
		}

	case "cursor":
		var cursor *int
		if v, ok := env.Data["cursor"].(float64); ok {
			pos := int(v)
			cursor = &pos
		}
		var sel *collab.Range
		if raw, ok := env.Data["selection"].(map[string]interface{}); ok {
			sel = &collab.Range{}
			if v, ok := raw["start"].(float64); ok {
				sel.Start = int(v)
			}
			if v, ok := raw["end"].(float64); ok {
				sel.End = int(v)
			}
		}
		err = h.engine.UpdateCursor(ctx, docID, conn.UserID, cursor, sel)

	case "comment":
		content, _ := env.Data["content"].(string)
		position, _ := env.Data["position"].(float64)
		length, _ := env.Data["length"].(float64)
		var c *collab.Comment
		c, err = h.engine.AddComment(ctx, docID, conn.UserID, content, int(position), int(length))
		if err == nil {
			result["comment"] = c
		}

	case "reply":
		commentID, _ := env.Data["commentId"].(string)
		content, _ := env.Data["content"].(string)
		var reply *collab.CommentReply
		reply, err = h.engine.ReplyToComment(ctx, docID, conn.UserID, commentID, content)
		if err == nil {
			result["reply"] = reply
		}

	case "resolve":
		commentID, _ := env.Data["commentId"].(string)
		err = h.engine.ResolveComment(ctx, docID, conn.UserID, commentID)

	case "share":
		targetID, _ := env.Data["targetUserId"].(string)
		role, _ := env.Data["role"].(string)
		err = h.engine.ShareDocument(ctx, docID, conn.UserID, targetID, collab.Role(role))

	case "delete":
		err = h.engine.DeleteDocument(ctx, docID, conn.UserID)
		if err == nil {
			conn.untrackDocument(docID)
			h.unwatchDocument(ctx, docID, conn.ID)
		}

	default:
		conn.SendError("Unknown action: "+action, "INVALID_REQUEST")
		return
	}

	if err != nil {
		conn.SendError(err.Error(), collabErrorCode(err))
		return
	}
	conn.SendEnvelope(protocol.NewEnvelope(protocol.CategoryAck, result))
}

func collabErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, collab.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, collab.ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, collab.ErrInvalidOperation):
		return "INVALID_REQUEST"
	}
	return "INTERNAL_ERROR"
}

func decodeOperation(raw interface{}) (collab.Operation, error) {
	var op collab.Operation
	data, err := json.Marshal(raw)
	if err != nil {
		return op, err
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return op, err
	}
	return op, nil
}
