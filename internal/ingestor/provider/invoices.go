package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Invoice is one entry of the invoice feed. Raw holds the entry exactly as the feed sent it.
type Invoice struct {
	ExternalId       string          `json:"externalId"`
	CounterpartTaxId string          `json:"counterpartTaxId"`
	CounterpartName  string          `json:"counterpartName"`
	Category         string          `json:"category"`
	IssueDate        time.Time       `json:"issueDate"`
	TotalAmount      float64         `json:"totalAmount"`
	Currency         string          `json:"currency"`
	Raw              json.RawMessage `json:"-"`
}

type InvoiceQuery struct {
	From time.Time
	To   time.Time
	// Zero means no limit.
	Limit int
}

type InvoiceFeed interface {
	FetchInvoices(ctx context.Context, query InvoiceQuery) ([]Invoice, error)
}

type HttpInvoiceFeed struct {
	client *Client
}

func NewHttpInvoiceFeed(client *Client) *HttpInvoiceFeed {
	return &HttpInvoiceFeed{client: client}
}

// FetchInvoices returns the invoices issued within [query.From, query.To].
func (f *HttpInvoiceFeed) FetchInvoices(ctx context.Context, query InvoiceQuery) ([]Invoice, error) {
	params := url.Values{}
	params.Set("from", query.From.UTC().Format(time.RFC3339))
	params.Set("to", query.To.UTC().Format(time.RFC3339))
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	var response struct {
		Invoices []json.RawMessage `json:"invoices"`
	}
	if err := f.client.getJSON(ctx, "invoices", params, &response); err != nil {
		return nil, err
	}

	invoices := make([]Invoice, 0, len(response.Invoices))
	for i, raw := range response.Invoices {
		var invoice Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, errors.Wrapf(err, "decoding invoice %d of the feed", i)
		}
		if invoice.ExternalId == "" {
			return nil, errors.Errorf("invoice %d of the feed has no externalId", i)
		}
		invoice.Raw = raw
		invoices = append(invoices, invoice)
	}
	return invoices, nil
}
