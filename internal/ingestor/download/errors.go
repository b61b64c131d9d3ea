package download

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTooManyRedirects      = errors.New("redirect chain exceeds the configured ceiling")
	ErrRedirectWithoutTarget = errors.New("redirect response without a Location header")
	ErrShortBody             = errors.New("response body shorter than its Content-Length")
)

// Error is the outcome of a download that did not succeed, after every attempt it was allowed.
type Error struct {
	URL      string
	Attempts uint
	// Zero when no response was received.
	StatusCode int
	// Whether the last failure was of a kind that is worth retrying.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("downloading %s failed after %d attempt(s) with status %d: %v", e.URL, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("downloading %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Attempt describes a single try of a download. It is logged and drives the retry decision.
type Attempt struct {
	URL          string
	Number       uint
	BytesWritten int64
	StatusCode   int
	Retryable    bool
	Err          error
}

func (a *Attempt) asError() *Error {
	return &Error{
		URL:        a.URL,
		Attempts:   a.Number,
		StatusCode: a.StatusCode,
		Retryable:  a.Retryable,
		Err:        a.Err,
	}
}
