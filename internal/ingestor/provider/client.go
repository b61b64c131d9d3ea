// Package provider contains clients for the external feeds the sync routines pull from.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

type OAuthConfig struct {
	TokenURL     string `validate:"required,url"`
	ClientId     string `validate:"required"`
	ClientSecret string
	Scopes       []string
}

type ClientConfig struct {
	BaseURL string `validate:"required,url"`
	// Timeout of a single request, including reading the body.
	Timeout    time.Duration
	Attempts   uint `validate:"gte=1"`
	RetryDelay time.Duration
	// When set, requests carry a bearer token obtained with the client credentials flow.
	OAuth *OAuthConfig
}

// StatusError is returned when a feed answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", err.URL, err.StatusCode, err.Body)
}

func (err *StatusError) retryable() bool {
	return err.StatusCode >= 500 || err.StatusCode == http.StatusTooManyRequests || err.StatusCode == http.StatusRequestTimeout
}

// Client issues JSON GET requests against a feed, retrying transient failures.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	attempts   uint
	retryDelay time.Duration
}

func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "baseURL", Value: config.BaseURL, Message: err.Error()})
	}
	if config.Attempts == 0 {
		config.Attempts = 3
	}
	httpClient := &http.Client{Timeout: config.Timeout}
	if config.OAuth != nil {
		cc := clientcredentials.Config{
			ClientID:     config.OAuth.ClientId,
			ClientSecret: config.OAuth.ClientSecret,
			TokenURL:     config.OAuth.TokenURL,
			Scopes:       config.OAuth.Scopes,
		}
		// Token requests go through a plain client bound to a background context.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: config.Timeout})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = config.Timeout
	}
	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		attempts:   config.Attempts,
		retryDelay: config.RetryDelay,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

// getJSON decodes the response of GET path?query into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.endpoint(path, query)
	return retry.Do(
		func() error {
			return c.fetch(ctx, target, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.retryable()
			}
			return ingesterrors.IsNetworkError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("feed request to %s failed (attempt %d of %d)", target, n+1, c.attempts)
		}),
	)
}

func (c *Client) fetch(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.WithStack(&StatusError{URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response of %s", target)
	}
	return nil
}
