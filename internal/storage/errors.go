package storage

import (
	"errors"
	"fmt"

	"github.com/creditpath/realtime/internal/collab"
)

// ErrNotConnected indicates the store was used before Connect.
var ErrNotConnected = errors.New("storage not connected")

// StorageError wraps a failed storage operation with a stable code.
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConnectionError represents a connection failure.
type ConnectionError struct {
	StorageError
}

func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		StorageError: StorageError{
			Message: message,
			Code:    "CONNECTION_ERROR",
			Cause:   cause,
		},
	}
}

// QueryError represents a query execution failure.
type QueryError struct {
	StorageError
}

func NewQueryError(message string, cause error) *QueryError {
	return &QueryError{
		StorageError: StorageError{
			Message: message,
			Code:    "QUERY_ERROR",
			Cause:   cause,
		},
	}
}

// NotFoundError identifies the missing resource. It unwraps to
// collab.ErrNotFound so callers can match with errors.Is.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return collab.ErrNotFound
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}
