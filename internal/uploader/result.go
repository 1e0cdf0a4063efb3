package uploader

import (
	"errors"
	"fmt"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/ledger"
	"github.com/google/uuid"
)

// Result is the end of a session.
type Result struct {
	SessionID uuid.UUID
	BatchTag  string
	// State is Completed, Failed or Idle after a stop.
	State State
	// Err is a *FileError, or wraps ErrConsistency or ErrPersistence. It is nil on success and after a stop.
	Err error

	Files       int
	Transferred int
	// Committed are the pairs recorded in the ledger.
	Committed []ledger.Pair
}

// Message is the final message to show for the session.
func (r Result) Message() string {
	var fe *FileError
	switch {
	case r.State == Completed && errors.Is(r.Err, ErrPersistence):
		return fmt.Sprintf("Batch %s: all %d files are stored at the destination, but the ledger could not be updated: %v. Do not upload the batch again; record its identifiers in the ledger manually.", r.BatchTag, r.Transferred, r.Err)
	case r.State == Completed:
		return fmt.Sprintf("Batch %s uploaded: %d files transferred, %d identifiers recorded in the ledger.", r.BatchTag, r.Transferred, len(r.Committed))
	case errors.As(r.Err, &fe):
		return fmt.Sprintf("Batch %s failed on file %s of %s after %d of %d files: %v. No identifiers were recorded.", r.BatchTag, fe.File, fe.Item, r.Transferred, r.Files, fe.Err)
	case errors.Is(r.Err, ErrConsistency):
		return fmt.Sprintf("Batch %s: %v. No identifiers were recorded.", r.BatchTag, r.Err)
	case r.State == Idle:
		return fmt.Sprintf("Batch %s stopped after %d of %d files. No identifiers were recorded.", r.BatchTag, r.Transferred, r.Files)
	default:
		return fmt.Sprintf("Batch %s ended in state %s: %v", r.BatchTag, r.State, r.Err)
	}
}
