package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/provider"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/reconcile"
)

const (
	MarketPriceSyncType  = "market_prices"
	MarketPriceTable     = "market_prices"
	MarketPriceKeyColumn = "price_key"
)

// MarketPriceRecord is a row of market_prices. One row is kept per product, market and day.
type MarketPriceRecord struct {
	PriceKey    string    `db:"price_key"`
	ProductCode string    `db:"product_code"`
	Market      string    `db:"market"`
	Unit        string    `db:"unit"`
	Price       float64   `db:"price"`
	Currency    string    `db:"currency"`
	ObservedAt  time.Time `db:"observed_at"`
	SourceURL   string    `db:"source_url"`
	SyncedAt    time.Time `db:"synced_at"`
}

func (r MarketPriceRecord) Key() string {
	return r.PriceKey
}

func priceKey(o provider.PriceObservation) string {
	return fmt.Sprintf("%s|%s|%s", o.ProductCode, o.Market, o.ObservedAt.UTC().Format("2006-01-02"))
}

// PruneFunc deletes price observations made before cutoff and returns how many were removed.
type PruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func PostgresPricePruner(db *pgxpool.Pool) PruneFunc {
	return func(ctx context.Context, cutoff time.Time) (int64, error) {
		tag, err := db.Exec(ctx, "DELETE FROM market_prices WHERE observed_at < $1", cutoff)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		return tag.RowsAffected(), nil
	}
}

func MemPricePruner(engine *reconcile.MemEngine[MarketPriceRecord]) PruneFunc {
	return func(_ context.Context, cutoff time.Time) (int64, error) {
		return int64(engine.DeleteWhere(func(r MarketPriceRecord) bool { return r.ObservedAt.Before(cutoff) })), nil
	}
}

type MarketPriceSyncConfig struct {
	LockId            int64
	MaxProductsPerRun int `validate:"gte=0"`
	// Pause between two product requests.
	RequestDelay time.Duration
	// Progress is logged every this many products.
	ProgressEvery int `validate:"gte=0"`
	// Observations older than this are pruned after each run. Zero keeps everything.
	RetentionDays int `validate:"gte=0"`
}

var DefaultMarketPriceSyncConfig = MarketPriceSyncConfig{
	LockId:            lock.MarketSyncLockId,
	MaxProductsPerRun: 100,
	RequestDelay:      2 * time.Second,
	ProgressEvery:     10,
	RetentionDays:     30,
}

// MarketPriceSync researches the prices of tracked products and keeps a bounded price history.
type MarketPriceSync struct {
	config     MarketPriceSyncConfig
	feed       provider.PriceFeed
	reconciler reconcile.Reconciler[MarketPriceRecord]
	prune      PruneFunc
	clock      clock.Clock
}

func NewMarketPriceSync(
	config MarketPriceSyncConfig,
	feed provider.PriceFeed,
	reconciler reconcile.Reconciler[MarketPriceRecord],
	prune PruneFunc,
	clock clock.Clock,
) *MarketPriceSync {
	if config.LockId == 0 {
		config.LockId = lock.MarketSyncLockId
	}
	if config.MaxProductsPerRun <= 0 {
		config.MaxProductsPerRun = DefaultMarketPriceSyncConfig.MaxProductsPerRun
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = DefaultMarketPriceSyncConfig.ProgressEvery
	}
	return &MarketPriceSync{config: config, feed: feed, reconciler: reconciler, prune: prune, clock: clock}
}

func (s *MarketPriceSync) Name() string {
	return MarketPriceSyncType
}

func (s *MarketPriceSync) LockId() int64 {
	return s.config.LockId
}

func (s *MarketPriceSync) Sync(ctx context.Context) database.SyncRunOutcome {
	logger := logging.FromContext(ctx)
	products, err := s.feed.ListProducts(ctx, s.config.MaxProductsPerRun)
	if err != nil {
		return database.SyncRunOutcome{Err: errors.WithMessage(err, "listing products")}
	}
	if len(products) > s.config.MaxProductsPerRun {
		products = products[:s.config.MaxProductsPerRun]
	}

	now := s.clock.Now()
	var records []MarketPriceRecord
	var productErrors *multierror.Error
	for i, product := range products {
		if i > 0 && !s.pause(ctx) {
			return database.SyncRunOutcome{Err: errors.WithMessagef(ctx.Err(), "interrupted after %d of %d products", i, len(products))}
		}
		observations, err := s.feed.FetchPrices(ctx, product)
		if err != nil {
			productErrors = multierror.Append(productErrors, errors.WithMessagef(err, "product %s", product.Code))
		}
		for _, o := range observations {
			records = append(records, MarketPriceRecord{
				PriceKey:    priceKey(o),
				ProductCode: o.ProductCode,
				Market:      o.Market,
				Unit:        o.Unit,
				Price:       o.Price,
				Currency:    o.Currency,
				ObservedAt:  o.ObservedAt,
				SourceURL:   o.SourceURL,
				SyncedAt:    now,
			})
		}
		if (i+1)%s.config.ProgressEvery == 0 {
			logger.Infof("researched %d of %d products, %d prices so far", i+1, len(products), len(records))
		}
	}

	failedProducts := 0
	details := map[string]interface{}{"products": len(products)}
	if productErrors != nil {
		failedProducts = len(productErrors.Errors)
		details["products_failed"] = failedProducts
		logger.WithError(productErrors).Warnf("%d of %d products could not be researched", failedProducts, len(products))
	}
	if len(products) > 0 && failedProducts == len(products) {
		return database.SyncRunOutcome{Details: details, Err: errors.WithMessage(productErrors, "every product failed")}
	}

	result, err := s.reconciler.Reconcile(ctx, records)
	if err != nil {
		return database.SyncRunOutcome{Details: details, Err: errors.WithMessage(err, "reconciling market prices")}
	}

	if s.config.RetentionDays > 0 && s.prune != nil {
		cutoff := now.AddDate(0, 0, -s.config.RetentionDays)
		pruned, err := s.prune(ctx, cutoff)
		if err != nil {
			logger.WithError(err).Warn("pruning old market prices failed")
		} else {
			details["pruned"] = pruned
		}
	}
	return database.SyncRunOutcome{
		ItemsSynced:  len(reconcile.Conflate(records)),
		ItemsCreated: result.Created,
		ItemsUpdated: result.Updated,
		ItemsFailed:  result.Failed + failedProducts,
		Details:      details,
	}
}

// pause waits RequestDelay. Returns false if ctx was cancelled first.
func (s *MarketPriceSync) pause(ctx context.Context) bool {
	if s.config.RequestDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.clock.After(s.config.RequestDelay):
		return true
	case <-ctx.Done():
		return false
	}
}
