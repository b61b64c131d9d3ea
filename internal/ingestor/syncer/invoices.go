package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/provider"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/reconcile"
)

const (
	InvoiceSyncType   = "invoices"
	InvoiceTable      = "provider_invoices"
	InvoiceKeyColumn  = "external_id"
	defaultWindowDays = 90
)

// InvoiceRecord is a row of provider_invoices.
type InvoiceRecord struct {
	ExternalId       string    `db:"external_id"`
	CounterpartTaxId string    `db:"counterpart_tax_id"`
	CounterpartName  string    `db:"counterpart_name"`
	Category         string    `db:"category"`
	IssueDate        time.Time `db:"issue_date"`
	TotalAmount      float64   `db:"total_amount"`
	Currency         string    `db:"currency"`
	Payload          []byte    `db:"payload"`
	SyncedAt         time.Time `db:"synced_at"`
}

func (r InvoiceRecord) Key() string {
	return r.ExternalId
}

type InvoiceSyncConfig struct {
	LockId int64
	// Invoices issued within this many days before now are fetched.
	WindowDays  int `validate:"gte=0"`
	MaxInvoices int `validate:"gte=0"`
	// When non-empty, only invoices whose counterpart tax id or name is listed are kept.
	Counterparts []string
	// When non-empty, only invoices in one of these categories are kept.
	Categories []string
}

// InvoiceSync pulls the invoice feed into provider_invoices.
type InvoiceSync struct {
	config     InvoiceSyncConfig
	feed       provider.InvoiceFeed
	reconciler reconcile.Reconciler[InvoiceRecord]
	clock      clock.Clock
}

func NewInvoiceSync(config InvoiceSyncConfig, feed provider.InvoiceFeed, reconciler reconcile.Reconciler[InvoiceRecord], clock clock.Clock) *InvoiceSync {
	if config.WindowDays == 0 {
		config.WindowDays = defaultWindowDays
	}
	if config.LockId == 0 {
		config.LockId = lock.InvoiceSyncLockId
	}
	return &InvoiceSync{config: config, feed: feed, reconciler: reconciler, clock: clock}
}

func (s *InvoiceSync) Name() string {
	return InvoiceSyncType
}

func (s *InvoiceSync) LockId() int64 {
	return s.config.LockId
}

func (s *InvoiceSync) Sync(ctx context.Context) database.SyncRunOutcome {
	now := s.clock.Now()
	query := provider.InvoiceQuery{
		From:  now.AddDate(0, 0, -s.config.WindowDays),
		To:    now,
		Limit: s.config.MaxInvoices,
	}
	invoices, err := s.feed.FetchInvoices(ctx, query)
	if err != nil {
		return database.SyncRunOutcome{Err: errors.WithMessage(err, "fetching invoices")}
	}

	kept := filterInvoices(invoices, s.config.Counterparts, s.config.Categories)
	records := make([]InvoiceRecord, len(kept))
	for i, invoice := range kept {
		records[i] = InvoiceRecord{
			ExternalId:       invoice.ExternalId,
			CounterpartTaxId: invoice.CounterpartTaxId,
			CounterpartName:  invoice.CounterpartName,
			Category:         invoice.Category,
			IssueDate:        invoice.IssueDate,
			TotalAmount:      invoice.TotalAmount,
			Currency:         invoice.Currency,
			Payload:          invoice.Raw,
			SyncedAt:         now,
		}
	}
	details := map[string]interface{}{
		"window_from":  query.From,
		"window_to":    query.To,
		"fetched":      len(invoices),
		"filtered_out": len(invoices) - len(kept),
	}
	logging.FromContext(ctx).Infof("fetched %d invoices, %d after filtering", len(invoices), len(kept))

	result, err := s.reconciler.Reconcile(ctx, records)
	if err != nil {
		return database.SyncRunOutcome{Details: details, Err: errors.WithMessage(err, "reconciling invoices")}
	}
	if result.Errors != nil {
		details["record_errors"] = result.Errors.Error()
	}
	return database.SyncRunOutcome{
		ItemsSynced:  len(records),
		ItemsCreated: result.Created,
		ItemsUpdated: result.Updated,
		ItemsFailed:  result.Failed,
		Details:      details,
	}
}

// filterInvoices keeps the invoices matching both filters. An empty filter matches everything.
func filterInvoices(invoices []provider.Invoice, counterparts []string, categories []string) []provider.Invoice {
	counterpartSet := lowerSet(counterparts)
	categorySet := lowerSet(categories)
	kept := make([]provider.Invoice, 0, len(invoices))
	for _, invoice := range invoices {
		if len(counterpartSet) > 0 &&
			!counterpartSet[strings.ToLower(invoice.CounterpartTaxId)] &&
			!counterpartSet[strings.ToLower(invoice.CounterpartName)] {
			continue
		}
		if len(categorySet) > 0 && !categorySet[strings.ToLower(invoice.Category)] {
			continue
		}
		kept = append(kept, invoice)
	}
	return kept
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[strings.ToLower(v)] = true
		}
	}
	return set
}
