package database

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

// RetryPolicy bounds how often a statement that failed for a retryable reason is re-run.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Delay:    500 * time.Millisecond,
	MaxDelay: 10 * time.Second,
}

// IsRetryable reports whether err is worth retrying against the database.
func IsRetryable(err error) bool {
	return ingesterrors.IsNetworkError(err) || ingesterrors.IsRetryablePostgresError(err)
}

// WithRetry executes a database function, retrying with exponential backoff until it either succeeds,
// encounters a non-retryable error, or exhausts the policy.
func WithRetry(ctx context.Context, policy RetryPolicy, executeDb func() error) error {
	err := retry.Do(
		executeDb,
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Retryable error encountered executing sql (attempt %d of %d)", n+1, policy.Attempts)
		}),
	)
	if err != nil && IsRetryable(err) && ctx.Err() == nil {
		return errors.WithStack(&ingesterrors.ErrMaxRetriesExceeded{
			Message:   fmt.Sprintf("gave up running database statement after %d attempts", policy.Attempts),
			LastError: err,
		})
	}
	return err
}
