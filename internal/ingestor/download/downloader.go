// Package download fetches remote artifacts to local files, retrying transient failures with exponential backoff.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
)

type Config struct {
	// Total number of attempts, including the first one.
	MaxRetries uint
	// Delay before the second attempt; every further attempt doubles it.
	BaseDelay time.Duration
	// Upper bound of a single delay. Zero means unbounded.
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	MaxRedirects   int
	// Downloads larger than this many bytes log their progress.
	ProgressThreshold int64
}

var DefaultConfig = Config{
	MaxRetries:        3,
	BaseDelay:         2 * time.Second,
	AttemptTimeout:    60 * time.Second,
	MaxRedirects:      5,
	ProgressThreshold: 5 * 1024 * 1024,
}

type Downloader struct {
	config  Config
	client  *http.Client
	metrics *metrics.Metrics
}

// NewDownloader returns a Downloader sending requests through transport, or http.DefaultTransport if nil.
func NewDownloader(config Config, transport http.RoundTripper, m *metrics.Metrics) *Downloader {
	if config.MaxRetries == 0 {
		config.MaxRetries = 1
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	maxRedirects := config.MaxRedirects
	return &Downloader{
		config: config,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		metrics: m,
	}
}

// Download writes the body served at url to destination. Nothing is left at destination unless the
// download succeeds. Failures are returned as *Error.
func (d *Downloader) Download(ctx context.Context, url string, destination string) error {
	logger := logging.FromContext(ctx).WithField("url", url)
	var last *Attempt
	var n uint
	err := retry.Do(
		func() error {
			n++
			last = d.attempt(ctx, logger, url, destination, n)
			d.recordAttempt(last)
			if last.Err != nil {
				return last.asError()
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.config.MaxRetries),
		retry.Delay(d.config.BaseDelay),
		retry.MaxDelay(d.config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var downloadErr *Error
			return errors.As(err, &downloadErr) && downloadErr.Retryable
		}),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < d.config.MaxRetries {
				logger.WithError(err).Warnf("download attempt %d of %d failed, retrying", n+1, d.config.MaxRetries)
			}
		}),
	)
	if err == nil {
		return nil
	}
	var downloadErr *Error
	if errors.As(err, &downloadErr) {
		return downloadErr
	}
	// Cancelled while waiting between attempts.
	downloadErr = &Error{URL: url, Attempts: n, Err: err}
	if last != nil {
		downloadErr.StatusCode = last.StatusCode
	}
	return downloadErr
}

func (d *Downloader) attempt(ctx context.Context, logger *log.Entry, url string, destination string, n uint) *Attempt {
	a := &Attempt{URL: url, Number: n}
	defer func() {
		entry := logger.WithFields(log.Fields{
			"attempt":      a.Number,
			"bytesWritten": a.BytesWritten,
			"statusCode":   a.StatusCode,
		})
		if a.Err != nil {
			entry.WithError(a.Err).WithField("retryable", a.Retryable).Info("download attempt failed")
			return
		}
		entry.Debug("download attempt succeeded")
	}()

	attemptCtx := ctx
	if d.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.config.AttemptTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		a.Err = errors.WithStack(err)
		return a
	}
	resp, err := d.client.Do(req)
	if err != nil {
		a.Err = errors.WithStack(err)
		// Redirect loops and cancellation by the caller won't get better by trying again.
		a.Retryable = !errors.Is(err, ErrTooManyRedirects) && ctx.Err() == nil
		return a
	}
	defer resp.Body.Close()
	a.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// The client follows redirects that carry a Location, so only the ones without one end up here.
		a.Err = errors.WithStack(ErrRedirectWithoutTarget)
		return a
	case resp.StatusCode >= 400:
		a.Err = errors.Errorf("unexpected status %s", resp.Status)
		a.Retryable = retryableStatus(resp.StatusCode)
		return a
	}

	a.BytesWritten, a.Err = d.writeFile(logger, resp, destination)
	if a.Err != nil {
		a.Retryable = ctx.Err() == nil &&
			(errors.Is(a.Err, ErrShortBody) || errors.Is(a.Err, io.ErrUnexpectedEOF) || ingesterrors.IsNetworkError(a.Err))
	}
	return a
}

// writeFile streams the body into a temporary file next to destination and renames it on success.
// The temporary file is removed on any failure.
func (d *Downloader) writeFile(logger *log.Entry, resp *http.Response, destination string) (written int64, err error) {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destination)+".*.part")
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	if resp.ContentLength > d.config.ProgressThreshold && d.config.ProgressThreshold > 0 {
		w = io.MultiWriter(tmp, newProgressWriter(logger, resp.ContentLength))
	}
	written, err = io.Copy(w, resp.Body)
	if err != nil {
		return written, errors.WithStack(err)
	}
	if resp.ContentLength >= 0 && written < resp.ContentLength {
		return written, errors.Wrapf(ErrShortBody, "received %d of %d bytes", written, resp.ContentLength)
	}
	if err = tmp.Close(); err != nil {
		return written, errors.WithStack(err)
	}
	if err = os.Rename(tmp.Name(), destination); err != nil {
		return written, errors.WithStack(err)
	}
	return written, nil
}

func (d *Downloader) recordAttempt(a *Attempt) {
	switch {
	case a.Err == nil:
		d.metrics.RecordDownloadAttempt(metrics.AttemptResultSuccess)
	case a.Retryable:
		d.metrics.RecordDownloadAttempt(metrics.AttemptResultRetryableError)
	default:
		d.metrics.RecordDownloadAttempt(metrics.AttemptResultPermanentFailure)
	}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (c Config) String() string {
	return fmt.Sprintf("attempts=%d baseDelay=%s attemptTimeout=%s maxRedirects=%d", c.MaxRetries, c.BaseDelay, c.AttemptTimeout, c.MaxRedirects)
}
