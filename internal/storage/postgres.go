package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditpath/realtime/internal/collab"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns local development defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectionString:  "postgres://localhost:5432/realtime",
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 10 * time.Second,
	}
}

// PostgresStore persists documents, operation history, and comments in
// PostgreSQL. It implements collab.Store.
type PostgresStore struct {
	config    *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresStore creates an unconnected store.
func NewPostgresStore(config *Config) *PostgresStore {
	if config == nil {
		config = DefaultConfig()
	}
	return &PostgresStore{config: config}
}

// Connect establishes the connection pool and verifies connectivity.
func (p *PostgresStore) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool.
func (p *PostgresStore) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status.
func (p *PostgresStore) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity.
func (p *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// SaveDocument creates or updates a document row.
func (p *PostgresStore) SaveDocument(ctx context.Context, doc *collab.Document) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	collaboratorsJSON, err := json.Marshal(doc.Collaborators)
	if err != nil {
		return NewQueryError("failed to marshal collaborators", err)
	}
	permissionsJSON, err := json.Marshal(doc.Permissions)
	if err != nil {
		return NewQueryError("failed to marshal permissions", err)
	}

	query := `
		INSERT INTO documents (id, owner_id, title, content, version, permissions, collaborators, created_at, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET title = $3, content = $4, version = $5, permissions = $6,
		    collaborators = $7, updated_at = $9, updated_by = $10
	`

	_, err = p.pool.Exec(ctx, query,
		doc.ID, doc.OwnerID, doc.Title, doc.Content, doc.Version,
		permissionsJSON, collaboratorsJSON, doc.CreatedAt, doc.UpdatedAt, doc.UpdatedBy)
	if err != nil {
		return NewQueryError("failed to save document", err)
	}
	return nil
}

// LoadDocument retrieves a document by ID.
func (p *PostgresStore) LoadDocument(ctx context.Context, id string) (*collab.Document, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, owner_id, title, content, version, permissions, collaborators, created_at, updated_at, updated_by
		FROM documents WHERE id = $1
	`
	row := p.pool.QueryRow(ctx, query, id)

	var doc collab.Document
	var permissionsJSON, collaboratorsJSON []byte

	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.Version,
		&permissionsJSON, &collaboratorsJSON, &doc.CreatedAt, &doc.UpdatedAt, &doc.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewNotFoundError("document", id)
		}
		return nil, NewQueryError("failed to load document", err)
	}

	if err := json.Unmarshal(permissionsJSON, &doc.Permissions); err != nil {
		return nil, NewQueryError("failed to unmarshal permissions", err)
	}
	if err := json.Unmarshal(collaboratorsJSON, &doc.Collaborators); err != nil {
		return nil, NewQueryError("failed to unmarshal collaborators", err)
	}
	if doc.Collaborators == nil {
		doc.Collaborators = make(map[string]*collab.Collaborator)
	}
	return &doc, nil
}

// DeleteDocument removes a document and its history and comments.
func (p *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM document_operations WHERE document_id = $1", id); err != nil {
		return NewQueryError("failed to delete operations", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM document_comments WHERE document_id = $1", id); err != nil {
		return NewQueryError("failed to delete comments", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM documents WHERE id = $1", id); err != nil {
		return NewQueryError("failed to delete document", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return NewQueryError("failed to commit delete", err)
	}
	return nil
}

// AppendOperation records one accepted operation at its version.
func (p *PostgresStore) AppendOperation(ctx context.Context, docID string, entry collab.LogEntry) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	opJSON, err := json.Marshal(entry.Operation)
	if err != nil {
		return NewQueryError("failed to marshal operation", err)
	}

	query := `
		INSERT INTO document_operations (document_id, version, operation, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	if _, err := p.pool.Exec(ctx, query, docID, entry.Version, opJSON); err != nil {
		return NewQueryError("failed to append operation", err)
	}
	return nil
}

// ListOperations returns operations after fromVersion in version order.
func (p *PostgresStore) ListOperations(ctx context.Context, docID string, fromVersion int64) ([]collab.LogEntry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT version, operation
		FROM document_operations
		WHERE document_id = $1 AND version > $2
		ORDER BY version ASC
	`
	rows, err := p.pool.Query(ctx, query, docID, fromVersion)
	if err != nil {
		return nil, NewQueryError("failed to list operations", err)
	}
	defer rows.Close()

	var entries []collab.LogEntry
	for rows.Next() {
		var entry collab.LogEntry
		var opJSON []byte
		if err := rows.Scan(&entry.Version, &opJSON); err != nil {
			return nil, NewQueryError("failed to scan operation", err)
		}
		if err := json.Unmarshal(opJSON, &entry.Operation); err != nil {
			return nil, NewQueryError("failed to unmarshal operation", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveComment creates or updates a comment, replies included.
func (p *PostgresStore) SaveComment(ctx context.Context, comment *collab.Comment) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	repliesJSON, err := json.Marshal(comment.Replies)
	if err != nil {
		return NewQueryError("failed to marshal replies", err)
	}

	query := `
		INSERT INTO document_comments (id, document_id, author, content, position, length, resolved, resolved_by, replies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET content = $4, resolved = $7, resolved_by = $8, replies = $9, updated_at = $11
	`
	_, err = p.pool.Exec(ctx, query,
		comment.ID, comment.DocumentID, comment.Author, comment.Content,
		comment.Position, comment.Length, comment.Resolved, comment.ResolvedBy,
		repliesJSON, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return NewQueryError("failed to save comment", err)
	}
	return nil
}

// ListComments returns all comments on a document, oldest first.
func (p *PostgresStore) ListComments(ctx context.Context, docID string) ([]*collab.Comment, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, document_id, author, content, position, length, resolved, resolved_by, replies, created_at, updated_at
		FROM document_comments
		WHERE document_id = $1
		ORDER BY created_at ASC
	`
	rows, err := p.pool.Query(ctx, query, docID)
	if err != nil {
		return nil, NewQueryError("failed to list comments", err)
	}
	defer rows.Close()

	var comments []*collab.Comment
	for rows.Next() {
		var c collab.Comment
		var repliesJSON []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Author, &c.Content,
			&c.Position, &c.Length, &c.Resolved, &c.ResolvedBy,
			&repliesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, NewQueryError("failed to scan comment", err)
		}
		if len(repliesJSON) > 0 {
			if err := json.Unmarshal(repliesJSON, &c.Replies); err != nil {
				return nil, NewQueryError("failed to unmarshal replies", err)
			}
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}
