package ingesterrors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestHttpStatusFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"ErrAlreadyExists":                {&ErrAlreadyExists{}, http.StatusConflict},
		"ErrAlreadyRunning":               {&ErrAlreadyRunning{Routine: "dispatcher"}, http.StatusConflict},
		"ErrLockNotAcquired":              {&ErrLockNotAcquired{Routine: "invoice", LockId: 1}, http.StatusConflict},
		"ErrIllegalTransition":            {&ErrIllegalTransition{Id: 1, From: "skipped", To: "queued"}, http.StatusConflict},
		"ErrNotFound":                     {&ErrNotFound{}, http.StatusNotFound},
		"ErrInvalidArgument":              {&ErrInvalidArgument{}, http.StatusBadRequest},
		"pkg.Error => ErrNotFound":        {errors.WithMessage(&ErrNotFound{}, "foo"), http.StatusNotFound},
		"pkg.Error => ErrInvalidArgument": {errors.WithStack(&ErrInvalidArgument{}), http.StatusBadRequest},
		"pkg.Error":                       {errors.New("foo"), http.StatusInternalServerError},
		"nil":                             {nil, http.StatusOK},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, HttpStatusFromError(tc.err))
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(context.DeadlineExceeded))
	assert.True(t, IsNetworkError(errors.Wrap(io.ErrUnexpectedEOF, "reading body")))
	assert.False(t, IsNetworkError(errors.New("bad payload")))
	assert.False(t, IsNetworkError(nil))
}

func TestIsRetryablePostgresError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"connection failure":   {&pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		"admin shutdown":       {&pgconn.PgError{Code: pgerrcode.AdminShutdown}, true},
		"too many conns":       {&pgconn.PgError{Code: pgerrcode.TooManyConnections}, true},
		"serialization":        {&pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		"wrapped deadlock":     {fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), true},
		"unique violation":     {&pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		"syntax error":         {&pgconn.PgError{Code: pgerrcode.SyntaxError}, false},
		"not a postgres error": {errors.New("foo"), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryablePostgresError(tc.err))
		})
	}
}

func TestErrMaxRetriesExceeded_Unwrap(t *testing.T) {
	cause := &ErrNotFound{Type: "work item", Value: "1"}
	err := errors.WithStack(&ErrMaxRetriesExceeded{Message: "gave up", LastError: cause})
	var notFound *ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.Contains(t, err.Error(), "gave up")
}
