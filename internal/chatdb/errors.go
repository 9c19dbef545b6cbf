package chatdb

import (
	"errors"
	"fmt"

	"github.com/chattomap/ctm/internal/sqlitex"
)

var (
	ErrNotFound         = sqlitex.ErrNotFound
	ErrPermissionDenied = sqlitex.ErrPermissionDenied
	ErrInvalidDatabase  = sqlitex.ErrInvalidDatabase

	// ErrCorruptSchema means a column the reader cannot work without is absent.
	ErrCorruptSchema = errors.New("chatdb: corrupt schema")
	// ErrAttachmentMissing means an attachment payload could not be read.
	ErrAttachmentMissing = errors.New("chatdb: attachment missing")
)

// SchemaError names the required column that is missing.
type SchemaError struct {
	Table  string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("chatdb: missing required column %s.%s", e.Table, e.Column)
}

func (e *SchemaError) Is(target error) bool { return target == ErrCorruptSchema }

// Reasons an attachment payload is unavailable.
const (
	ReasonNoPath     = "no_path"
	ReasonNotFound   = "not_found"
	ReasonUnreadable = "unreadable"
	ReasonTooLarge   = "too_large"
)

// AttachmentError carries the reason a payload is missing.
type AttachmentError struct {
	GUID   string
	Reason string
	Err    error
}

func (e *AttachmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chatdb: attachment %s: %s", e.GUID, e.Reason)
	}
	return fmt.Sprintf("chatdb: attachment %s: %s: %v", e.GUID, e.Reason, e.Err)
}

func (e *AttachmentError) Is(target error) bool { return target == ErrAttachmentMissing }

func (e *AttachmentError) Unwrap() error { return e.Err }
