package collab

import (
	"context"
	"time"

	"github.com/creditpath/realtime/internal/protocol"
)

// Role is a collaborator's access level on a document.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// Capability names a single permissible action on a document.
type Capability string

const (
	CapView    Capability = "view"
	CapEdit    Capability = "edit"
	CapComment Capability = "comment"
	CapShare   Capability = "share"
	CapDelete  Capability = "delete"
)

// rolePermissions maps each role to the capabilities it carries.
var rolePermissions = map[Role]map[Capability]bool{
	RoleViewer: {
		CapView:    true,
		CapComment: true,
	},
	RoleEditor: {
		CapView:    true,
		CapEdit:    true,
		CapComment: true,
	},
	RoleOwner: {
		CapView:    true,
		CapEdit:    true,
		CapComment: true,
		CapShare:   true,
		CapDelete:  true,
	},
}

// Allows reports whether the role carries the capability.
func (r Role) Allows(c Capability) bool {
	return rolePermissions[r][c]
}

// Permissions are document-level switches that gate capabilities for
// every collaborator regardless of role.
type Permissions struct {
	View    bool `json:"view"`
	Edit    bool `json:"edit"`
	Comment bool `json:"comment"`
	Share   bool `json:"share"`
	Delete  bool `json:"delete"`
}

// DefaultPermissions enables everything; callers restrict from here.
func DefaultPermissions() Permissions {
	return Permissions{View: true, Edit: true, Comment: true, Share: true, Delete: true}
}

func (p Permissions) allows(c Capability) bool {
	switch c {
	case CapView:
		return p.View
	case CapEdit:
		return p.Edit
	case CapComment:
		return p.Comment
	case CapShare:
		return p.Share
	case CapDelete:
		return p.Delete
	}
	return false
}

// Collaborator is a user granted access to a document.
type Collaborator struct {
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Document is the authoritative server-side record of a shared document.
// Version increases by exactly one for every accepted content change.
type Document struct {
	ID            string                   `json:"id"`
	OwnerID       string                   `json:"ownerId"`
	Title         string                   `json:"title"`
	Content       string                   `json:"content"`
	Version       int64                    `json:"version"`
	Permissions   Permissions              `json:"permissions"`
	Collaborators map[string]*Collaborator `json:"collaborators"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
	UpdatedBy     string                   `json:"updatedBy"`
}

// Clone returns a deep copy safe to hand outside the engine's locks.
func (d *Document) Clone() *Document {
	c := *d
	c.Collaborators = make(map[string]*Collaborator, len(d.Collaborators))
	for id, col := range d.Collaborators {
		copied := *col
		c.Collaborators[id] = &copied
	}
	return &c
}

// OpType identifies the kind of content change.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpReplace OpType = "replace"
)

// Operation is a single content change. Position and Length are rune
// offsets into the document content. BaseVersion is the document version
// the author last observed; zero means the current version.
type Operation struct {
	Type        OpType    `json:"type"`
	Position    int       `json:"position"`
	Content     string    `json:"content,omitempty"`
	Length      int       `json:"length,omitempty"`
	Author      string    `json:"author"`
	BaseVersion int64     `json:"baseVersion,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LogEntry is an accepted operation together with the version it
// produced. Replaying the log from an empty document reproduces the
// current content.
type LogEntry struct {
	Version   int64     `json:"version"`
	Operation Operation `json:"operation"`
}

// Range is a selection span in rune offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is one user's live editing state within a document session.
type Presence struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Color        string    `json:"color"`
	Cursor       *int      `json:"cursor,omitempty"`
	Selection    *Range    `json:"selection,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// CommentReply is a threaded reply beneath a comment.
type CommentReply struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Comment is an annotation anchored to a span of document content.
type Comment struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	Author     string          `json:"author"`
	Content    string          `json:"content"`
	Position   int             `json:"position"`
	Length     int             `json:"length"`
	Resolved   bool            `json:"resolved"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
	Replies    []*CommentReply `json:"replies,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store is the persistence boundary for documents, operation history,
// and comments. Implementations live in internal/storage.
type Store interface {
	SaveDocument(ctx context.Context, doc *Document) error
	LoadDocument(ctx context.Context, id string) (*Document, error)
	DeleteDocument(ctx context.Context, id string) error

	AppendOperation(ctx context.Context, docID string, entry LogEntry) error
	ListOperations(ctx context.Context, docID string, fromVersion int64) ([]LogEntry, error)

	SaveComment(ctx context.Context, comment *Comment) error
	ListComments(ctx context.Context, docID string) ([]*Comment, error)
}

// Notifier delivers out-of-band notifications (share grants, comment
// mentions). Calls are fire-and-forget from the engine's perspective.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]interface{}) error
}

// Broadcaster fans document events out to connected peers. The engine
// never blocks on delivery.
type Broadcaster interface {
	Send(env *protocol.Envelope) error
}

// Config tunes the engine.
type Config struct {
	// MaxCollaborators caps collaborators per document. Share attempts
	// beyond the cap are rejected, never queued.
	MaxCollaborators int

	// AutoSaveInterval is the debounce window between the last accepted
	// edit and the persistence write.
	AutoSaveInterval time.Duration

	// Strategy names the conflict resolution strategy to use for
	// concurrent edits.
	Strategy string

	// HistoryEnabled persists the per-document operation log.
	HistoryEnabled bool
}

// DefaultEngineConfig mirrors production defaults.
func DefaultEngineConfig() Config {
	return Config{
		MaxCollaborators: 50,
		AutoSaveInterval: 2 * time.Second,
		Strategy:         StrategyLastWriteWins,
		HistoryEnabled:   true,
	}
}
