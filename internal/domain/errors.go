package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound               = errors.New("job not found")
	ErrMessageNotFound           = errors.New("message not found")
	ErrAttachmentNotFound        = errors.New("attachment not found on message")
	ErrAttachmentTooBig          = errors.New("attachment too big")
	ErrPermanentlyUndownloadable = errors.New("attachment permanently undownloadable")
	ErrIncrementalMacMismatch    = errors.New("incremental mac verification failed")
	ErrInvalidJob                = errors.New("invalid job")
)

// HTTPError is a non-success response from a remote tier that may succeed
// on a later attempt.
type HTTPError struct {
	Code int
	URL  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.Code, e.URL)
}

// CancelReason is attached to a job context as its cancellation cause.
type CancelReason string

const (
	CancelUserInitiated CancelReason = "user-initiated"
	CancelMessageGone   CancelReason = "message-deleted"
)

func (r CancelReason) Error() string {
	return "job cancelled: " + string(r)
}
