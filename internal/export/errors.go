package export

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a fatal export failure.
type Kind string

const (
	KindSourceUnreadable Kind = "source_unreadable"
	KindDiskFull         Kind = "disk_full"
	KindOutput           Kind = "output_unwritable"
	KindCancelled        Kind = "cancelled"
)

// Sentinels matched by *Error through errors.Is.
var (
	ErrSourceUnreadable = errors.New("export: source unreadable")
	ErrDiskFull         = errors.New("export: disk full")
	ErrOutput           = errors.New("export: output not writable")
	ErrCancelled        = errors.New("export: cancelled")
)

// Error is a fatal export failure. Missing attachments are never reported
// this way; they are counted on the Archive.
type Error struct {
	Kind           Kind
	ConversationID int64
	Err            error
}

func (e *Error) Error() string {
	if e.ConversationID != 0 {
		return fmt.Sprintf("export: %s (conversation %d): %v", e.Kind, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("export: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrSourceUnreadable:
		return e.Kind == KindSourceUnreadable
	case ErrDiskFull:
		return e.Kind == KindDiskFull
	case ErrOutput:
		return e.Kind == KindOutput
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func readErr(convID int64, err error) *Error {
	if cancelled(err) {
		return &Error{Kind: KindCancelled, ConversationID: convID, Err: err}
	}
	return &Error{Kind: KindSourceUnreadable, ConversationID: convID, Err: err}
}

func writeErr(err error) *Error {
	switch {
	case cancelled(err):
		return &Error{Kind: KindCancelled, Err: err}
	case errors.Is(err, syscall.ENOSPC):
		return &Error{Kind: KindDiskFull, Err: err}
	}
	return &Error{Kind: KindOutput, Err: err}
}
