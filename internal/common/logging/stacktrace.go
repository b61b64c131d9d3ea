package logging

import (
	"context"
	"io"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information and, if available, a stack trace
// as fields to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of causes and returns the first errors.StackTrace found, or nil.
func ExtractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	} else if causeErr, ok := err.(causer); ok {
		return ExtractStack(causeErr.Cause())
	}
	return nil
}

// ContextWithFields returns a context carrying a logger that has the given fields in addition to any
// fields already attached to ctx.
func ContextWithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return ctxlogrus.ToContext(ctx, FromContext(ctx).WithFields(fields))
}

// FromContext returns the logger attached to ctx.
// Contexts without a logger get an entry on the standard logger, so callers never need a nil check.
func FromContext(ctx context.Context) *logrus.Entry {
	entry := ctxlogrus.Extract(ctx)
	if entry.Logger.Out == io.Discard {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return entry
}
