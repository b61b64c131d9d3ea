// Package processor hands resolved work item payloads to the document analysis collaborator.
package processor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

// Processor analyses the payload of item, available at path, and returns the result to store with the item.
type Processor interface {
	Process(ctx context.Context, item *database.WorkItem, path string) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(ctx context.Context, item *database.WorkItem, path string) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, item *database.WorkItem, path string) (json.RawMessage, error) {
	return f(ctx, item, path)
}

// maxErrorBody bounds how much of an error response is kept in the error message.
const maxErrorBody = 1024

// HttpProcessor uploads the payload to an analysis endpoint and stores its JSON response as the result.
type HttpProcessor struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHttpProcessor(url string, client *http.Client, timeout time.Duration) *HttpProcessor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HttpProcessor{url: url, client: client, timeout: timeout}
}

func (p *HttpProcessor) Process(ctx context.Context, item *database.WorkItem, path string) (json.RawMessage, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, f)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Work-Item-Id", strconv.FormatInt(item.Id, 10))
	req.Header.Set("X-Work-Item-Origin", item.Origin)
	req.Header.Set("X-Work-Item-Version", strconv.Itoa(int(item.Version)))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "sending work item %d for processing", item.Id)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.Errorf("processing work item %d failed with status %s: %s", item.Id, resp.Status, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading processing result of work item %d", item.Id)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.Errorf("processing result of work item %d is not valid JSON", item.Id)
	}
	return body, nil
}
