package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or snapshot does not exist where
	// existence was assumed.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID is returned when an item id is already present in a store.
	ErrDuplicateID = errors.New("duplicate memory id")
	// ErrEmptyContent is returned when an item is constructed without content.
	ErrEmptyContent = errors.New("content must not be empty")
	// ErrInvalidSessionID is returned for session ids that cannot be used as a
	// storage key.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionClosed is returned for writes to a store whose session has
	// been closed or deleted.
	ErrSessionClosed = errors.New("session closed")
)

// SerializationError reports a snapshot that exists but cannot be decoded.
type SerializationError struct {
	SessionID string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode snapshot %q: %v", e.SessionID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StorageError reports a failed read or write against a storage backend.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
