package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
)

func testRelay(t *testing.T, mr *miniredis.Miniredis, serverID string) *Relay {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.ServerID = serverID

	r, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

type recorder struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (rec *recorder) handle(env *protocol.Envelope) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.envs = append(rec.envs, env)
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.envs)
}

func (rec *recorder) first() *protocol.Envelope {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.envs) == 0 {
		return nil
	}
	return rec.envs[0]
}

func waitFor(t *testing.T, cond func() bool, what string) {
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

func TestRelay_DocumentEventCrossesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr, "server-a")
	b := testRelay(t, mr, "server-b")

	var rec recorder
	if err := b.SubscribeToDocument(context.Background(), "doc-1", rec.handle); err != nil {
		t.Fatalf("SubscribeToDocument failed: %v", err)
	}

	env := protocol.NewEnvelope(protocol.CategoryCollaborationUpdate, map[string]interface{}{
		"documentId": "doc-1",
		"event":      "edit",
	})
	if err := a.PublishDocumentEvent(context.Background(), "doc-1", env); err != nil {
		t.Fatalf("PublishDocumentEvent failed: %v", err)
	}

	waitFor(t, func() bool { return rec.count() == 1 }, "relayed envelope")
	got := rec.first()
	if got.Category != protocol.CategoryCollaborationUpdate {
		t.Errorf("category = %q, want %q", got.Category, protocol.CategoryCollaborationUpdate)
	}
	if got.Data["event"] != "edit" {
		t.Errorf("event = %v, want edit", got.Data["event"])
	}
}

func TestRelay_SkipsOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr, "server-a")

	var rec recorder
	if err := a.SubscribeToDocument(context.Background(), "doc-1", rec.handle); err != nil {
		t.Fatalf("SubscribeToDocument failed: %v", err)
	}

	env := protocol.NewEnvelope(protocol.CategoryCollaborationUpdate, map[string]interface{}{"event": "edit"})
	if err := a.PublishDocumentEvent(context.Background(), "doc-1", env); err != nil {
		t.Fatalf("PublishDocumentEvent failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("received %d own messages, want 0", rec.count())
	}
}

func TestRelay_CategoryChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr, "server-a")
	b := testRelay(t, mr, "server-b")

	var rec recorder
	if err := b.SubscribeToCategory(context.Background(), protocol.CategoryCreditScoreUpdate, rec.handle); err != nil {
		t.Fatalf("SubscribeToCategory failed: %v", err)
	}

	env := protocol.NewEnvelope(protocol.CategoryCreditScoreUpdate, map[string]interface{}{"score": 712})
	if err := a.PublishCategory(context.Background(), protocol.CategoryCreditScoreUpdate, env); err != nil {
		t.Fatalf("PublishCategory failed: %v", err)
	}

	waitFor(t, func() bool { return rec.count() == 1 }, "relayed category event")
}

func TestRelay_Presence(t *testing.T) {
	mr := miniredis.RunT(t)
	b := testRelay(t, mr, "server-b")

	var mu sync.Mutex
	var events []string
	err := b.SubscribeToPresence(context.Background(), func(event, serverID string, _ map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event+":"+serverID)
	})
	if err != nil {
		t.Fatalf("SubscribeToPresence failed: %v", err)
	}

	a := testRelay(t, mr, "server-a")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1
	}, "online event")

	a.Close(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, "offline event")

	mu.Lock()
	defer mu.Unlock()
	if events[0] != "online:server-a" || events[1] != "offline:server-a" {
		t.Errorf("events = %v", events)
	}
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr, "server-a")
	b := testRelay(t, mr, "server-b")

	var rec recorder
	ctx := context.Background()
	if err := b.SubscribeToDocument(ctx, "doc-1", rec.handle); err != nil {
		t.Fatalf("SubscribeToDocument failed: %v", err)
	}
	if err := b.UnsubscribeFromDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("UnsubscribeFromDocument failed: %v", err)
	}

	env := protocol.NewEnvelope(protocol.CategoryCollaborationUpdate, nil)
	a.PublishDocumentEvent(ctx, "doc-1", env)

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("received %d messages after unsubscribe, want 0", rec.count())
	}
}

func TestRelay_DuplicateSubscribeRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testRelay(t, mr, "server-a")

	ctx := context.Background()
	var rec recorder
	if err := a.SubscribeToDocument(ctx, "doc-1", rec.handle); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if err := a.SubscribeToDocument(ctx, "doc-1", rec.handle); err == nil {
		t.Error("second subscribe succeeded, want error")
	}
}

func TestRelay_RequiresServerID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "redis://localhost:6379"
	if _, err := New(cfg, nil); err == nil {
		t.Error("New without server ID succeeded, want error")
	}
}
