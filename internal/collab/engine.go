package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
)

// presenceColors is the palette cycled through as users join a document.
var presenceColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// Engine is the authoritative server-side collaboration core. It owns
// one in-memory state per active document and serializes every change
// to a document under that document's lock, so versions increase by
// exactly one per accepted edit with no gaps.
type Engine struct {
	cfg         Config
	logger      *zap.Logger
	store       Store
	notifier    Notifier
	broadcaster Broadcaster
	strategy    Strategy

	mu   sync.RWMutex
	docs map[string]*docState
}

type docState struct {
	mu sync.Mutex

	doc      *Document
	log      []LogEntry
	comments map[string]*Comment
	sessions map[string]*Presence

	saveTimer *time.Timer
	dirty     bool
}

// NewEngine builds an engine. store is required; notifier and
// broadcaster may be nil, in which case those side effects are skipped.
func NewEngine(cfg Config, store Store, broadcaster Broadcaster, notifier Notifier, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("collab: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCollaborators <= 0 {
		cfg.MaxCollaborators = DefaultEngineConfig().MaxCollaborators
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = DefaultEngineConfig().AutoSaveInterval
	}

	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		notifier:    notifier,
		broadcaster: broadcaster,
		strategy:    strategy,
		docs:        make(map[string]*docState),
	}, nil
}

// CreateDocument creates and persists a new document owned by ownerID,
// at version 1.
func (e *Engine) CreateDocument(ctx context.Context, ownerID, title, content string, perms Permissions) (*Document, error) {
	now := time.Now()
	doc := &Document{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Title:       title,
		Content:     content,
		Version:     1,
		Permissions: perms,
		Collaborators: map[string]*Collaborator{
			ownerID: {UserID: ownerID, Role: RoleOwner, GrantedBy: ownerID, GrantedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
		UpdatedBy: ownerID,
	}

	if err := e.store.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	e.mu.Lock()
	e.docs[doc.ID] = &docState{
		doc:      doc,
		comments: make(map[string]*Comment),
		sessions: make(map[string]*Presence),
	}
	e.mu.Unlock()

	e.logger.Info("document created",
		zap.String("document_id", doc.ID),
		zap.String("owner_id", ownerID))

	return doc.Clone(), nil
}

// GetDocument returns a snapshot of the document if userID may view it.
func (e *Engine) GetDocument(ctx context.Context, docID, userID string) (*Document, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapView); err != nil {
		return nil, err
	}
	return st.doc.Clone(), nil
}

// JoinDocument opens an editing session for userID. It returns the
// current document snapshot and the presence of everyone already in the
// session, and announces the join to other participants.
func (e *Engine) JoinDocument(ctx context.Context, docID, userID, sessionID string) (*Document, []*Presence, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapView); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	p := &Presence{
		SessionID:    sessionID,
		UserID:       userID,
		Color:        presenceColors[len(st.sessions)%len(presenceColors)],
		JoinedAt:     now,
		LastActivity: now,
	}
	st.sessions[userID] = p

	peers := make([]*Presence, 0, len(st.sessions))
	for _, s := range st.sessions {
		copied := *s
		peers = append(peers, &copied)
	}

	e.broadcastLocked(st, userID, "user_joined", map[string]interface{}{
		"documentId": docID,
		"userId":     userID,
		"color":      p.Color,
	})

	e.logger.Debug("user joined document",
		zap.String("document_id", docID),
		zap.String("user_id", userID))

	return st.doc.Clone(), peers, nil
}

// LeaveDocument closes userID's session. It is safe to call for a user
// who never joined. When the last session leaves, pending changes are
// flushed and the in-memory state is released.
func (e *Engine) LeaveDocument(ctx context.Context, docID, userID string) {
	e.mu.RLock()
	st, ok := e.docs[docID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if _, present := st.sessions[userID]; !present {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, userID)

	e.broadcastLocked(st, userID, "user_left", map[string]interface{}{
		"documentId": docID,
		"userId":     userID,
	})

	empty := len(st.sessions) == 0
	if empty {
		if st.saveTimer != nil {
			st.saveTimer.Stop()
			st.saveTimer = nil
		}
		if st.dirty {
			e.saveLocked(ctx, st)
		}
	}
	st.mu.Unlock()

	if empty {
		e.mu.Lock()
		// Re-check: a join may have raced the eviction.
		st.mu.Lock()
		if len(st.sessions) == 0 && !st.dirty {
			delete(e.docs, docID)
		}
		st.mu.Unlock()
		e.mu.Unlock()
	}
}

// ApplyEdit runs one content change through the conflict strategy,
// bumps the version, and fans the accepted change out to every other
// participant. A rejected edit never changes content or version.
func (e *Engine) ApplyEdit(ctx context.Context, docID, userID string, op Operation) (*Document, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapEdit); err != nil {
		return nil, err
	}

	op.Author = userID
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	resolved := e.strategy.Resolve(op, st.concurrentSince(op.BaseVersion))
	content, err := applyOperation(st.doc.Content, resolved)
	if err != nil {
		return nil, err
	}

	st.doc.Content = content
	st.doc.Version++
	st.doc.UpdatedAt = time.Now()
	st.doc.UpdatedBy = userID

	entry := LogEntry{Version: st.doc.Version, Operation: resolved}
	st.log = append(st.log, entry)

	if e.cfg.HistoryEnabled {
		if err := e.store.AppendOperation(ctx, docID, entry); err != nil {
			e.logger.Error("append operation history",
				zap.String("document_id", docID),
				zap.Error(err))
		}
	}

	e.scheduleSaveLocked(docID, st)

	e.broadcastLocked(st, userID, "edit", map[string]interface{}{
		"documentId": docID,
		"userId":     userID,
		"version":    st.doc.Version,
		"operation":  resolved,
		"content":    st.doc.Content,
	})

	return st.doc.Clone(), nil
}

// UpdateCursor refreshes userID's cursor and selection and relays them
// to the other participants. The document itself is untouched.
func (e *Engine) UpdateCursor(ctx context.Context, docID, userID string, cursor *int, selection *Range) error {
	st, err := e.state(ctx, docID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	p, ok := st.sessions[userID]
	if !ok {
		return fmt.Errorf("no session for user %s: %w", userID, ErrNotFound)
	}
	p.Cursor = cursor
	p.Selection = selection
	p.LastActivity = time.Now()

	data := map[string]interface{}{
		"documentId": docID,
		"userId":     userID,
		"color":      p.Color,
	}
	if cursor != nil {
		data["cursor"] = *cursor
	}
	if selection != nil {
		data["selection"] = selection
	}
	e.broadcastLocked(st, userID, "cursor", data)
	return nil
}

// AddComment anchors a new comment to a span of the document.
func (e *Engine) AddComment(ctx context.Context, docID, userID, content string, position, length int) (*Comment, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapComment); err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Comment{
		ID:         uuid.New().String(),
		DocumentID: docID,
		Author:     userID,
		Content:    content,
		Position:   position,
		Length:     length,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	st.comments[c.ID] = c

	if err := e.store.SaveComment(ctx, c); err != nil {
		delete(st.comments, c.ID)
		return nil, fmt.Errorf("save comment: %w", err)
	}

	e.broadcastLocked(st, userID, "comment_added", map[string]interface{}{
		"documentId": docID,
		"comment":    c,
	})

	if owner := st.doc.OwnerID; owner != userID {
		e.notify(owner, "New comment", fmt.Sprintf("%s commented on %s", userID, st.doc.Title), map[string]interface{}{
			"documentId": docID,
			"commentId":  c.ID,
		})
	}

	return c, nil
}

// ReplyToComment appends a threaded reply to an existing comment.
func (e *Engine) ReplyToComment(ctx context.Context, docID, userID, commentID, content string) (*CommentReply, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapComment); err != nil {
		return nil, err
	}

	c, ok := st.comments[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}

	reply := &CommentReply{
		ID:        uuid.New().String(),
		Author:    userID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	c.Replies = append(c.Replies, reply)
	c.UpdatedAt = reply.CreatedAt

	if err := e.store.SaveComment(ctx, c); err != nil {
		c.Replies = c.Replies[:len(c.Replies)-1]
		return nil, fmt.Errorf("save reply: %w", err)
	}

	e.broadcastLocked(st, userID, "comment_replied", map[string]interface{}{
		"documentId": docID,
		"commentId":  commentID,
		"reply":      reply,
	})

	if c.Author != userID {
		e.notify(c.Author, "New reply", fmt.Sprintf("%s replied to your comment", userID), map[string]interface{}{
			"documentId": docID,
			"commentId":  commentID,
		})
	}

	return reply, nil
}

// ResolveComment marks a comment resolved. Resolving an already
// resolved comment is a no-op.
func (e *Engine) ResolveComment(ctx context.Context, docID, userID, commentID string) error {
	st, err := e.state(ctx, docID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapComment); err != nil {
		return err
	}

	c, ok := st.comments[commentID]
	if !ok {
		return fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if c.Resolved {
		return nil
	}

	c.Resolved = true
	c.ResolvedBy = userID
	c.UpdatedAt = time.Now()

	if err := e.store.SaveComment(ctx, c); err != nil {
		c.Resolved = false
		c.ResolvedBy = ""
		return fmt.Errorf("save comment: %w", err)
	}

	e.broadcastLocked(st, userID, "comment_resolved", map[string]interface{}{
		"documentId": docID,
		"commentId":  commentID,
		"resolvedBy": userID,
	})
	return nil
}

// Comments returns the comments on a document, threads included.
func (e *Engine) Comments(ctx context.Context, docID, userID string) ([]*Comment, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(userID, CapView); err != nil {
		return nil, err
	}

	out := make([]*Comment, 0, len(st.comments))
	for _, c := range st.comments {
		out = append(out, c)
	}
	return out, nil
}

// ShareDocument grants targetID the given role, or updates their role
// if already a collaborator. New grants beyond the collaborator cap are
// rejected with ErrCapacityExceeded.
func (e *Engine) ShareDocument(ctx context.Context, docID, actorID, targetID string, role Role) error {
	if _, ok := rolePermissions[role]; !ok {
		return fmt.Errorf("unknown role %q: %w", role, ErrInvalidOperation)
	}

	st, err := e.state(ctx, docID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.require(actorID, CapShare); err != nil {
		return err
	}

	existing, already := st.doc.Collaborators[targetID]
	if !already && len(st.doc.Collaborators) >= e.cfg.MaxCollaborators {
		return fmt.Errorf("document %s has %d collaborators: %w",
			docID, len(st.doc.Collaborators), ErrCapacityExceeded)
	}

	var prevRole Role
	if already {
		prevRole = existing.Role
		existing.Role = role
	} else {
		st.doc.Collaborators[targetID] = &Collaborator{
			UserID:    targetID,
			Role:      role,
			GrantedBy: actorID,
			GrantedAt: time.Now(),
		}
	}

	// Membership changes persist immediately rather than waiting for
	// the auto-save debounce.
	if err := e.store.SaveDocument(ctx, st.doc); err != nil {
		if already {
			existing.Role = prevRole
		} else {
			delete(st.doc.Collaborators, targetID)
		}
		return fmt.Errorf("save share: %w", err)
	}

	e.broadcastLocked(st, actorID, "collaborator_added", map[string]interface{}{
		"documentId": docID,
		"userId":     targetID,
		"role":       string(role),
	})

	if targetID != actorID {
		e.notify(targetID, "Document shared", fmt.Sprintf("%s shared %q with you", actorID, st.doc.Title), map[string]interface{}{
			"documentId": docID,
			"role":       string(role),
		})
	}
	return nil
}

// DeleteDocument removes the document and releases its session state.
func (e *Engine) DeleteDocument(ctx context.Context, docID, userID string) error {
	st, err := e.state(ctx, docID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if err := st.require(userID, CapDelete); err != nil {
		st.mu.Unlock()
		return err
	}
	if st.saveTimer != nil {
		st.saveTimer.Stop()
		st.saveTimer = nil
	}
	st.dirty = false

	e.broadcastLocked(st, userID, "document_deleted", map[string]interface{}{
		"documentId": docID,
	})
	st.mu.Unlock()

	if err := e.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	e.mu.Lock()
	delete(e.docs, docID)
	e.mu.Unlock()

	e.logger.Info("document deleted",
		zap.String("document_id", docID),
		zap.String("user_id", userID))
	return nil
}

// History returns the accepted operation log from a given version.
func (e *Engine) History(ctx context.Context, docID, userID string, fromVersion int64) ([]LogEntry, error) {
	st, err := e.state(ctx, docID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if err := st.require(userID, CapView); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.mu.Unlock()

	if e.cfg.HistoryEnabled {
		return e.store.ListOperations(ctx, docID, fromVersion)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	var out []LogEntry
	for _, entry := range st.log {
		if entry.Version > fromVersion {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Flush persists every dirty document now. Called on shutdown.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.RLock()
	states := make([]*docState, 0, len(e.docs))
	for _, st := range e.docs {
		states = append(states, st)
	}
	e.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.saveTimer != nil {
			st.saveTimer.Stop()
			st.saveTimer = nil
		}
		if st.dirty {
			e.saveLocked(ctx, st)
		}
		st.mu.Unlock()
	}
}

// state returns the in-memory state for docID, loading it from the
// store on first touch.
func (e *Engine) state(ctx context.Context, docID string) (*docState, error) {
	e.mu.RLock()
	st, ok := e.docs[docID]
	e.mu.RUnlock()
	if ok {
		return st, nil
	}

	doc, err := e.store.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	comments, err := e.store.ListComments(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}

	st = &docState{
		doc:      doc,
		comments: make(map[string]*Comment, len(comments)),
		sessions: make(map[string]*Presence),
	}
	for _, c := range comments {
		st.comments[c.ID] = c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.docs[docID]; ok {
		return existing, nil
	}
	e.docs[docID] = st
	return st, nil
}

// require checks that userID holds the capability on this document.
// Called with st.mu held.
func (st *docState) require(userID string, c Capability) error {
	col, ok := st.doc.Collaborators[userID]
	if !ok || !col.Role.Allows(c) || !st.doc.Permissions.allows(c) {
		return &PermissionError{
			UserID:     userID,
			DocumentID: st.doc.ID,
			Capability: string(c),
		}
	}
	return nil
}

// concurrentSince returns the operations accepted after baseVersion.
// Called with st.mu held.
func (st *docState) concurrentSince(baseVersion int64) []Operation {
	if baseVersion <= 0 || baseVersion >= st.doc.Version {
		return nil
	}
	var out []Operation
	for _, entry := range st.log {
		if entry.Version > baseVersion {
			out = append(out, entry.Operation)
		}
	}
	return out
}

// scheduleSaveLocked arms (or re-arms) the auto-save debounce timer.
// Called with st.mu held.
func (e *Engine) scheduleSaveLocked(docID string, st *docState) {
	st.dirty = true
	if st.saveTimer != nil {
		st.saveTimer.Stop()
	}
	st.saveTimer = time.AfterFunc(e.cfg.AutoSaveInterval, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.dirty {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.saveLocked(ctx, st)
		if st.dirty {
			// Save failed; try again after another interval.
			st.saveTimer = time.AfterFunc(e.cfg.AutoSaveInterval, func() {
				e.flush(docID)
			})
		}
	})
}

func (e *Engine) flush(docID string) {
	e.mu.RLock()
	st, ok := e.docs[docID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.saveLocked(ctx, st)
}

// saveLocked writes the document through the store. Called with st.mu
// held.
func (e *Engine) saveLocked(ctx context.Context, st *docState) {
	if err := e.store.SaveDocument(ctx, st.doc); err != nil {
		e.logger.Error("auto-save failed",
			zap.String("document_id", st.doc.ID),
			zap.Int64("version", st.doc.Version),
			zap.Error(err))
		return
	}
	st.dirty = false
	e.logger.Debug("document saved",
		zap.String("document_id", st.doc.ID),
		zap.Int64("version", st.doc.Version))
}

// broadcastLocked snapshots the current participants and sends the
// event to everyone except the author. Called with st.mu held so that
// events for one document go out in version order.
func (e *Engine) broadcastLocked(st *docState, authorID, event string, data map[string]interface{}) {
	if e.broadcaster == nil {
		return
	}

	recipients := make([]string, 0, len(st.sessions))
	for userID := range st.sessions {
		if userID != authorID {
			recipients = append(recipients, userID)
		}
	}

	for _, userID := range recipients {
		payload := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload["event"] = event

		env := protocol.NewEnvelope(protocol.CategoryCollaborationUpdate, payload)
		env.UserID = userID
		if err := e.broadcaster.Send(env); err != nil {
			e.logger.Warn("broadcast failed",
				zap.String("user_id", userID),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// notify delivers an out-of-band notification without blocking the
// caller. Failures are logged and dropped.
func (e *Engine) notify(userID, title, body string, data map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, userID, title, body, data); err != nil {
			e.logger.Warn("notification failed",
				zap.String("user_id", userID),
				zap.String("title", title),
				zap.Error(err))
		}
	}()
}
