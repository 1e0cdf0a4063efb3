package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the credential profile, the ledger or the local setup do not allow an upload to start.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation is returned when the batch itself cannot be uploaded, such as a lab identifier already in the ledger.
	ErrValidation = errors.New("validation error")
	// ErrTransfer is returned when a file could not be transferred. The remaining queue is abandoned.
	ErrTransfer = errors.New("transfer error")
	// ErrConsistency is returned when the queue ran dry while an item is still incomplete. Nothing is committed.
	ErrConsistency = errors.New("upload finished but ledger not updated")
	// ErrPersistence is returned when every file was stored but the ledger could not be written.
	ErrPersistence = errors.New("ledger could not be updated")
	// ErrState is returned by a lifecycle call not allowed in the current state.
	ErrState = errors.New("not allowed in the current state")
)

// FileError is a failed transfer of one file of one item.
// It unwraps to ErrTransfer and to the failure class returned by the transfer worker.
type FileError struct {
	Item string
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("transfer of %s of %s failed: %v", e.File, e.Item, e.Err)
}

// Unwrap returns ErrTransfer and the worker error.
func (e *FileError) Unwrap() []error {
	return []error{ErrTransfer, e.Err}
}
