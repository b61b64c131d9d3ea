// Package ingesterrors contains the error types shared by the ingestion pipeline.
// The HTTP API looks for the error types defined in this file and maps them to a status code.
//
// If multiple errors occur in some function (e.g., several records of a batch fail), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package ingesterrors

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "work item" or "artifact"
	Value   string // Resource name, e.g., "https://provider/doc.pdf"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "maxConcurrent"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrIllegalTransition is returned when a work item status change is not permitted by the status machine,
// e.g. re-queueing a skipped archive container or completing an item nobody claimed.
type ErrIllegalTransition struct {
	Id   int64
	From string
	To   string
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("work item %d cannot move from %s to %s", err.Id, err.From, err.To)
}

// ErrAlreadyRunning is returned by manual triggers when the routine is mid-cycle in this process.
type ErrAlreadyRunning struct {
	Routine string
}

func (err *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("%s is already running", err.Routine)
}

// ErrLockNotAcquired is returned when another holder, possibly in another process, owns the named lock.
type ErrLockNotAcquired struct {
	Routine string
	LockId  int64
}

func (err *ErrLockNotAcquired) Error() string {
	return fmt.Sprintf("could not acquire lock %d for %s", err.LockId, err.Routine)
}

// ErrMaxRetriesExceeded is returned when an operation has been retried up to its budget and still failed.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	if err.LastError == nil {
		return err.Message
	}
	return fmt.Sprintf("%s; last error was: %s", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// HttpStatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func HttpStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrAlreadyRunning
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrLockNotAcquired
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrIllegalTransition
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// IsNetworkError returns true if the error is a transport level problem (dial failure, reset, timeout,
// unexpected EOF) that is worth retrying.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRetryablePostgresError returns true if the error is a postgres error whose class indicates the
// statement may succeed if simply retried (connection problems, resource exhaustion, operator intervention,
// serialization failures).
func IsRetryablePostgresError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	for _, class := range retryablePostgresErrorClasses {
		if strings.HasPrefix(pgErr.Code, class) {
			return true
		}
	}
	return false
}

// Connection exception, insufficient resources, operator intervention.
var retryablePostgresErrorClasses = []string{"08", "53", "57"}
