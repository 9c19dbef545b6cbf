package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUploadFailed is matched by every *FailedError.
	ErrUploadFailed = errors.New("upload: failed")
	// ErrUnauthorized is matched by an *APIError with status 401 or 403.
	ErrUnauthorized = errors.New("upload: unauthorized")
)

// Steps of the upload protocol.
const (
	StepPresign  = "presign"
	StepTransfer = "transfer"
	StepComplete = "complete"
)

// APIError is a non-success answer from the service.
type APIError struct {
	Step    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload %s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("upload %s: HTTP %d: %s", e.Step, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// Retryable reports whether repeating the request could succeed.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// Reasons a FailedError carries.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonRejected  = "rejected"
	ReasonExhausted = "retries_exhausted"
	ReasonArchive   = "archive_unreadable"
)

// FailedError ends an upload without a registered job.
type FailedError struct {
	Reason   string
	Step     string
	Attempts int
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("upload failed (%s) during %s after %d attempt(s): %v", e.Reason, e.Step, e.Attempts, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Is(target error) bool { return target == ErrUploadFailed }

// Retryable reports whether running the whole upload again later may help.
func (e *FailedError) Retryable() bool {
	switch e.Reason {
	case ReasonTimeout, ReasonExhausted:
		return true
	}
	return false
}

func classify(parent, stepCtx context.Context, step string, attempts int, err error) *FailedError {
	fe := &FailedError{Step: step, Attempts: attempts, Err: err}
	var (
		api  *APIError
		arch *archiveError
	)
	switch {
	case parent.Err() != nil:
		fe.Reason = ReasonCancelled
		fe.Err = parent.Err()
	case stepCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		fe.Reason = ReasonTimeout
	case errors.As(err, &arch):
		fe.Reason = ReasonArchive
	case errors.As(err, &api) && !api.Retryable():
		fe.Reason = ReasonRejected
	default:
		fe.Reason = ReasonExhausted
	}
	return fe
}
