package storage

import (
	"context"
	"sync"

	"github.com/creditpath/realtime/internal/collab"
)

// MemoryStore is a collab.Store backed by process memory. Used in
// development mode and tests when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*collab.Document
	ops      map[string][]collab.LogEntry
	comments map[string]map[string]*collab.Comment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*collab.Document),
		ops:      make(map[string][]collab.LogEntry),
		comments: make(map[string]map[string]*collab.Comment),
	}
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc *collab.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryStore) LoadDocument(_ context.Context, id string) (*collab.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, NewNotFoundError("document", id)
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.ops, id)
	delete(m.comments, id)
	return nil
}

func (m *MemoryStore) AppendOperation(_ context.Context, docID string, entry collab.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[docID] = append(m.ops[docID], entry)
	return nil
}

func (m *MemoryStore) ListOperations(_ context.Context, docID string, fromVersion int64) ([]collab.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []collab.LogEntry
	for _, entry := range m.ops[docID] {
		if entry.Version > fromVersion {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveComment(_ context.Context, comment *collab.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.comments[comment.DocumentID]
	if !ok {
		byID = make(map[string]*collab.Comment)
		m.comments[comment.DocumentID] = byID
	}
	copied := *comment
	copied.Replies = append([]*collab.CommentReply(nil), comment.Replies...)
	byID[comment.ID] = &copied
	return nil
}

func (m *MemoryStore) ListComments(_ context.Context, docID string) ([]*collab.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.comments[docID]
	out := make([]*collab.Comment, 0, len(byID))
	for _, c := range byID {
		copied := *c
		copied.Replies = append([]*collab.CommentReply(nil), c.Replies...)
		out = append(out, &copied)
	}
	return out, nil
}
