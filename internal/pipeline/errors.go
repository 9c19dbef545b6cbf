package pipeline

import (
	"context"
	"errors"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/export"
	"github.com/chattomap/ctm/internal/lock"
	"github.com/chattomap/ctm/internal/upload"
)

// Class groups failures by what the user can do about them.
type Class string

const (
	ClassAccess         Class = "access"
	ClassSchema         Class = "schema"
	ClassData           Class = "data"
	ClassTransport      Class = "transport"
	ClassResource       Class = "resource"
	ClassCancelled      Class = "cancelled"
	ClassInvalidRequest Class = "invalid_request"
	ClassBusy           Class = "busy"
)

var hints = map[Class]string{
	ClassAccess: "Grant Full Disk Access to this app in System Settings > Privacy & Security > Full Disk Access, " +
		"or point --db at a copy of chat.db.",
	ClassSchema:         "This Messages database layout is not supported. Try a chat.db copied from a current macOS release with --db.",
	ClassData:           "The Messages database could not be read consistently. Quit Messages and try again.",
	ClassTransport:      "Check your network connection and try again.",
	ClassResource:       "Free some disk space or choose a different --output directory.",
	ClassInvalidRequest: "Run `ctm list-chats` to see valid conversation ids.",
	ClassBusy:           "Another export is running. Wait for it to finish and try again.",
}

// Hint is the remediation text shown with a failure of class c.
func (c Class) Hint() string { return hints[c] }

// ErrUploadUnavailable means an upload was requested but no uploader is configured.
var ErrUploadUnavailable = errors.New("pipeline: upload not configured")

// Classify maps an error from any stage to a Class and whether repeating the
// same request later may succeed.
func Classify(err error) (Class, bool) {
	var (
		held *lock.LockHeldError
		fe   *upload.FailedError
	)
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &held):
		return ClassBusy, true
	case errors.Is(err, catalog.ErrEmptySelection),
		errors.Is(err, catalog.ErrUnknownConversation),
		errors.Is(err, ErrUploadUnavailable):
		return ClassInvalidRequest, false
	case errors.As(err, &fe):
		if fe.Reason == upload.ReasonCancelled {
			return ClassCancelled, false
		}
		if errors.Is(err, upload.ErrUnauthorized) {
			return ClassTransport, false
		}
		return ClassTransport, fe.Retryable()
	case errors.Is(err, export.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled, false
	case errors.Is(err, chatdb.ErrNotFound), errors.Is(err, chatdb.ErrPermissionDenied):
		return ClassAccess, false
	case errors.Is(err, chatdb.ErrInvalidDatabase), errors.Is(err, chatdb.ErrCorruptSchema):
		return ClassSchema, false
	case errors.Is(err, export.ErrDiskFull), errors.Is(err, export.ErrOutput):
		return ClassResource, false
	}
	return ClassData, true
}
