package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a notice request for an id the cache does not know.
	ErrNotFound = errors.New("engine: entry not found")
	// ErrClosed indicates a submission after the engine was closed.
	ErrClosed = errors.New("engine: closed")
)

// ValidationError reports the first missing required field of an add request.
// Rejected requests are never queued.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: missing %s", e.Field)
}

// DurableStoreError wraps a failed durable store call made while draining a queue. These
// errors are logged and the item is dropped; they never reach the original caller.
type DurableStoreError struct {
	Op  string
	Err error
}

func (e *DurableStoreError) Error() string {
	return fmt.Sprintf("durable store %s: %v", e.Op, e.Err)
}

func (e *DurableStoreError) Unwrap() error {
	return e.Err
}

// MigrationError reports a failed tier migration pass.
type MigrationError struct {
	Stage string
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed at %s: %v", e.Stage, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
