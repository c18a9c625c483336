package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the document, comment, or collaborator does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates the acting user lacks the required
	// capability on the document.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapacityExceeded indicates the document already holds the
	// configured maximum number of collaborators.
	ErrCapacityExceeded = errors.New("collaborator capacity exceeded")

	// ErrUnknownStrategy indicates a conflict strategy name that has no
	// registered implementation.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")

	// ErrInvalidOperation indicates a structurally invalid change
	// operation.
	ErrInvalidOperation = errors.New("invalid operation")
)

// PermissionError carries the denied capability for logging and client
// error payloads. It unwraps to ErrPermissionDenied.
type PermissionError struct {
	UserID     string
	DocumentID string
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s denied %s on document %s", e.UserID, e.Capability, e.DocumentID)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }
