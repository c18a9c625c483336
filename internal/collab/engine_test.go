package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]*Document
	ops      map[string][]LogEntry
	comments map[string][]*Comment
	saves    int
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[string]*Document),
		ops:      make(map[string][]LogEntry),
		comments: make(map[string][]*Comment),
	}
}

func (s *fakeStore) SaveDocument(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.docs[doc.ID] = doc.Clone()
	s.saves++
	return nil
}

func (s *fakeStore) LoadDocument(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *fakeStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *fakeStore) AppendOperation(_ context.Context, docID string, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[docID] = append(s.ops[docID], entry)
	return nil
}

func (s *fakeStore) ListOperations(_ context.Context, docID string, fromVersion int64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.ops[docID] {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveComment(_ context.Context, c *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.comments[c.DocumentID] {
		if existing.ID == c.ID {
			s.comments[c.DocumentID][i] = c
			return nil
		}
	}
	s.comments[c.DocumentID] = append(s.comments[c.DocumentID], c)
	return nil
}

func (s *fakeStore) ListComments(_ context.Context, docID string) ([]*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Comment(nil), s.comments[docID]...), nil
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) storedVersion(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		return doc.Version
	}
	return 0
}

// fakeBroadcaster records every envelope handed to it.
type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (b *fakeBroadcaster) Send(env *protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
	return nil
}

func (b *fakeBroadcaster) envelopes() []*protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*protocol.Envelope(nil), b.sent...)
}

// fakeNotifier records notification calls.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(_ context.Context, userID, title, _ string, _ map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID+":"+title)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type engineFixture struct {
	engine      *Engine
	store       *fakeStore
	broadcaster *fakeBroadcaster
	notifier    *fakeNotifier
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	store := newFakeStore()
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	engine, err := NewEngine(cfg, store, broadcaster, notifier, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &engineFixture{engine: engine, store: store, broadcaster: broadcaster, notifier: notifier}
}

func testEngineConfig() Config {
	return Config{
		MaxCollaborators: 5,
		AutoSaveInterval: 20 * time.Millisecond,
		Strategy:         StrategyLastWriteWins,
		HistoryEnabled:   true,
	}
}

func TestEngine_UnknownStrategy(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Strategy = "quantum"
	if _, err := NewEngine(cfg, newFakeStore(), nil, nil, zap.NewNop()); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("NewEngine error = %v, want ErrUnknownStrategy", err)
	}
}

func TestEngine_EditLifecycle(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, err := fx.engine.CreateDocument(ctx, "alice", "Dispute letter", "Hello", DefaultPermissions())
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("new document version = %d, want 1", doc.Version)
	}

	doc, err = fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{
		Type: OpInsert, Position: 5, Content: " World",
	})
	if err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}
	if doc.Content != "Hello World" || doc.Version != 2 {
		t.Errorf("after insert: content=%q version=%d, want %q version 2", doc.Content, doc.Version, "Hello World")
	}

	doc, err = fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{
		Type: OpDelete, Position: 0, Length: 6,
	})
	if err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}
	if doc.Content != "World" || doc.Version != 3 {
		t.Errorf("after delete: content=%q version=%d, want %q version 3", doc.Content, doc.Version, "World")
	}
}

func TestEngine_HistoryReplayReproducesContent(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	const initial = "credit report"
	doc, err := fx.engine.CreateDocument(ctx, "alice", "Report", initial, DefaultPermissions())
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	edits := []Operation{
		{Type: OpInsert, Position: 0, Content: "Q3 "},
		{Type: OpReplace, Position: 3, Length: 6, Content: "CREDIT"},
		{Type: OpDelete, Position: 9, Length: 7},
		{Type: OpInsert, Position: 9, Content: " summary"},
	}
	var final *Document
	for _, op := range edits {
		final, err = fx.engine.ApplyEdit(ctx, doc.ID, "alice", op)
		if err != nil {
			t.Fatalf("ApplyEdit failed: %v", err)
		}
	}

	entries, err := fx.engine.History(ctx, doc.ID, "alice", 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != len(edits) {
		t.Fatalf("History returned %d entries, want %d", len(entries), len(edits))
	}

	replayed := initial
	for _, entry := range entries {
		replayed, err = applyOperation(replayed, entry.Operation)
		if err != nil {
			t.Fatalf("replay failed at version %d: %v", entry.Version, err)
		}
	}
	if replayed != final.Content {
		t.Errorf("replayed content = %q, want %q", replayed, final.Content)
	}
}

func TestEngine_ViewerCannotEdit(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "Hello", DefaultPermissions())
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleViewer); err != nil {
		t.Fatalf("ShareDocument failed: %v", err)
	}

	_, err := fx.engine.ApplyEdit(ctx, doc.ID, "bob", Operation{Type: OpInsert, Position: 0, Content: "x"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ApplyEdit error = %v, want ErrPermissionDenied", err)
	}

	got, err := fx.engine.GetDocument(ctx, doc.ID, "bob")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Content != "Hello" || got.Version != 1 {
		t.Errorf("denied edit mutated state: content=%q version=%d", got.Content, got.Version)
	}
}

func TestEngine_StrangerHasNoAccess(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "secret", DefaultPermissions())

	if _, err := fx.engine.GetDocument(ctx, doc.ID, "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("GetDocument error = %v, want ErrPermissionDenied", err)
	}
	if _, _, err := fx.engine.JoinDocument(ctx, doc.ID, "mallory", "s-1"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("JoinDocument error = %v, want ErrPermissionDenied", err)
	}
}

func TestEngine_DocumentNotFound(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	if _, err := fx.engine.GetDocument(context.Background(), "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ConcurrentNonOverlappingInserts(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "ab", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor)

	if _, err := fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 0, Content: "X"}); err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}
	got, err := fx.engine.ApplyEdit(ctx, doc.ID, "bob", Operation{Type: OpInsert, Position: 2, Content: "Y"})
	if err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}

	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
	for _, ch := range []string{"X", "Y"} {
		if !containsString(got.Content, ch) {
			t.Errorf("content %q missing insert %q", got.Content, ch)
		}
	}
}

func TestEngine_TransformRebasesStaleEdit(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Strategy = StrategyTransform
	fx := newEngineFixture(t, cfg)
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "Hello World", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor)

	// Alice inserts at the front; bob's edit was made against version 1
	// and targets "World" at its old offset.
	if _, err := fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 0, Content: ">> "}); err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}
	got, err := fx.engine.ApplyEdit(ctx, doc.ID, "bob", Operation{
		Type: OpReplace, Position: 6, Length: 5, Content: "Earth", BaseVersion: 1,
	})
	if err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}

	if got.Content != ">> Hello Earth" {
		t.Errorf("content = %q, want %q", got.Content, ">> Hello Earth")
	}
}

func TestEngine_ShareCapacity(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxCollaborators = 3
	fx := newEngineFixture(t, cfg)
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "", DefaultPermissions())
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor); err != nil {
		t.Fatalf("share bob: %v", err)
	}
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "carol", RoleViewer); err != nil {
		t.Fatalf("share carol: %v", err)
	}

	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "dave", RoleViewer); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("share dave error = %v, want ErrCapacityExceeded", err)
	}

	// Updating an existing collaborator's role is not a new grant.
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "carol", RoleEditor); err != nil {
		t.Errorf("role upgrade failed: %v", err)
	}
	if _, err := fx.engine.ApplyEdit(ctx, doc.ID, "carol", Operation{Type: OpInsert, Position: 0, Content: "x"}); err != nil {
		t.Errorf("carol should edit after upgrade: %v", err)
	}
}

func TestEngine_ShareRollsBackOnSaveFailure(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "Hello", DefaultPermissions())
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleViewer); err != nil {
		t.Fatalf("share bob: %v", err)
	}

	fx.store.setSaveErr(errors.New("disk full"))

	// A failed new grant leaves no collaborator behind.
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "carol", RoleEditor); err == nil {
		t.Fatal("share carol succeeded despite store failure")
	}
	// A failed role upgrade keeps the previous role.
	if err := fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor); err == nil {
		t.Fatal("role upgrade succeeded despite store failure")
	}

	fx.store.setSaveErr(nil)
	got, err := fx.engine.GetDocument(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if _, ok := got.Collaborators["carol"]; ok {
		t.Error("carol grant survived the failed save")
	}
	if got.Collaborators["bob"].Role != RoleViewer {
		t.Errorf("bob role = %q, want viewer after rollback", got.Collaborators["bob"].Role)
	}
	if _, err := fx.engine.ApplyEdit(ctx, doc.ID, "bob", Operation{Type: OpInsert, Position: 0, Content: "x"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("ApplyEdit error = %v, want ErrPermissionDenied", err)
	}
}

func TestEngine_ShareRequiresCapability(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor)

	if err := fx.engine.ShareDocument(ctx, doc.ID, "bob", "carol", RoleViewer); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("editor share error = %v, want ErrPermissionDenied", err)
	}
}

func TestEngine_Comments(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "Hello World", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleViewer)

	c, err := fx.engine.AddComment(ctx, doc.ID, "bob", "is this right?", 0, 5)
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	reply, err := fx.engine.ReplyToComment(ctx, doc.ID, "alice", c.ID, "yes")
	if err != nil {
		t.Fatalf("ReplyToComment failed: %v", err)
	}
	if reply.Author != "alice" {
		t.Errorf("reply author = %q, want alice", reply.Author)
	}

	if _, err := fx.engine.ReplyToComment(ctx, doc.ID, "alice", "missing", "?"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reply to missing comment error = %v, want ErrNotFound", err)
	}

	if err := fx.engine.ResolveComment(ctx, doc.ID, "alice", c.ID); err != nil {
		t.Fatalf("ResolveComment failed: %v", err)
	}
	// Resolving again is a no-op.
	if err := fx.engine.ResolveComment(ctx, doc.ID, "bob", c.ID); err != nil {
		t.Errorf("second resolve error = %v, want nil", err)
	}

	comments, err := fx.engine.Comments(ctx, doc.ID, "bob")
	if err != nil {
		t.Fatalf("Comments failed: %v", err)
	}
	if len(comments) != 1 || !comments[0].Resolved || comments[0].ResolvedBy != "alice" {
		t.Errorf("unexpected comment state: %+v", comments[0])
	}
	if len(comments[0].Replies) != 1 {
		t.Errorf("replies = %d, want 1", len(comments[0].Replies))
	}

	// Comment from a non-owner notifies the owner.
	waitForCondition(t, func() bool { return fx.notifier.count() >= 1 }, "owner notification")
}

func TestEngine_PresenceAndBroadcast(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "Hello", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor)

	if _, _, err := fx.engine.JoinDocument(ctx, doc.ID, "alice", "s-alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	snapshot, peers, err := fx.engine.JoinDocument(ctx, doc.ID, "bob", "s-bob")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if snapshot.Content != "Hello" {
		t.Errorf("join snapshot content = %q", snapshot.Content)
	}
	if len(peers) != 2 {
		t.Errorf("peers = %d, want 2", len(peers))
	}

	cursor := 3
	if err := fx.engine.UpdateCursor(ctx, doc.ID, "bob", &cursor, nil); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}

	if _, err := fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 5, Content: "!"}); err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}

	// Every broadcast goes to the other participant, never the author.
	for _, env := range fx.broadcaster.envelopes() {
		if env.Category != protocol.CategoryCollaborationUpdate {
			t.Errorf("unexpected category %q", env.Category)
		}
		event, _ := env.Data["event"].(string)
		author, _ := env.Data["userId"].(string)
		if event == "" {
			t.Error("broadcast missing event")
		}
		if author != "" && env.UserID == author {
			t.Errorf("event %q sent back to its author %s", event, author)
		}
	}

	var editSeen bool
	for _, env := range fx.broadcaster.envelopes() {
		if env.Data["event"] == "edit" && env.UserID == "bob" {
			editSeen = true
			if v, ok := env.Data["version"].(int64); !ok || v != 2 {
				t.Errorf("edit broadcast version = %v, want 2", env.Data["version"])
			}
		}
	}
	if !editSeen {
		t.Error("bob never received the edit broadcast")
	}

	fx.engine.LeaveDocument(ctx, doc.ID, "bob")
	// Leaving twice is harmless.
	fx.engine.LeaveDocument(ctx, doc.ID, "bob")

	if err := fx.engine.UpdateCursor(ctx, doc.ID, "bob", &cursor, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("cursor after leave error = %v, want ErrNotFound", err)
	}
}

func TestEngine_AutoSaveDebounce(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "", DefaultPermissions())
	base := fx.store.saveCount()

	// Two edits inside one debounce window coalesce into one save.
	fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 0, Content: "a"})
	fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 1, Content: "b"})

	waitForCondition(t, func() bool {
		return fx.store.saveCount() == base+1 && fx.store.storedVersion(doc.ID) == 3
	}, "debounced save")

	time.Sleep(50 * time.Millisecond)
	if fx.store.saveCount() != base+1 {
		t.Errorf("saves = %d, want %d", fx.store.saveCount(), base+1)
	}
}

func TestEngine_FlushPersistsDirtyDocuments(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AutoSaveInterval = time.Hour
	fx := newEngineFixture(t, cfg)
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "", DefaultPermissions())
	fx.engine.ApplyEdit(ctx, doc.ID, "alice", Operation{Type: OpInsert, Position: 0, Content: "x"})

	if fx.store.storedVersion(doc.ID) != 1 {
		t.Fatalf("stored version = %d before flush, want 1", fx.store.storedVersion(doc.ID))
	}

	fx.engine.Flush(ctx)
	if fx.store.storedVersion(doc.ID) != 2 {
		t.Errorf("stored version = %d after flush, want 2", fx.store.storedVersion(doc.ID))
	}
}

func TestEngine_DeleteDocument(t *testing.T) {
	fx := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()

	doc, _ := fx.engine.CreateDocument(ctx, "alice", "Doc", "", DefaultPermissions())
	fx.engine.ShareDocument(ctx, doc.ID, "alice", "bob", RoleEditor)

	if err := fx.engine.DeleteDocument(ctx, doc.ID, "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("editor delete error = %v, want ErrPermissionDenied", err)
	}
	if err := fx.engine.DeleteDocument(ctx, doc.ID, "alice"); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if _, err := fx.engine.GetDocument(ctx, doc.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument after delete error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ReloadsFromStore(t *testing.T) {
	store := newFakeStore()
	cfg := testEngineConfig()

	first, err := NewEngine(cfg, store, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()
	doc, _ := first.CreateDocument(ctx, "alice", "Doc", "persisted", DefaultPermissions())
	first.Flush(ctx)

	// A fresh engine over the same store sees the document.
	second, err := NewEngine(cfg, store, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	got, err := second.GetDocument(ctx, doc.ID, "alice")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Content != "persisted" {
		t.Errorf("content = %q, want %q", got.Content, "persisted")
	}
}

func containsString(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func waitForCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
