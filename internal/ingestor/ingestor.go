package ingestor

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/common"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/app"
	dbcommon "github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/pgkeyvalue"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/task"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/api"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/configuration"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/dispatcher"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/download"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/intake"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/notify"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/processor"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/progress"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/provider"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/reconcile"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/syncer"
)

const (
	taskShutdownTimeout = 30 * time.Second
	keyCleanupInterval  = time.Hour
)

// stores holds the persistence side of the ingestor, which is either postgres or in-memory.
type stores struct {
	items           database.WorkItemRepository
	runs            database.SyncRunRepository
	keys            intake.KeyStore
	invoices        reconcile.Reconciler[syncer.InvoiceRecord]
	prices          reconcile.Reconciler[syncer.MarketPriceRecord]
	prunePrices     syncer.PruneFunc
	cleanupKeys     func(ctx context.Context)
	// Nil when the store wakes the dispatcher by itself.
	listenForQueued func(wake func()) *notify.Listener
}

// Run sets up the ingestor and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	logrusLogger := log.NewEntry(log.StandardLogger())
	ctx = ctxlogrus.ToContext(ctx, logrusLogger)

	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Services are collected here and started together once everything has been set up.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Storage
	//////////////////////////////////////////////////////////////////////////
	var (
		db  *pgxpool.Pool
		d   *dispatcher.Dispatcher
		s   *stores
		err error
	)
	// The in-memory store wakes the dispatcher directly. Nothing is enqueued before d is set.
	wakeOnEnqueue := func() { d.Wake() }
	switch config.Store {
	case configuration.StorePostgres:
		log.Infof("Setting up postgres storage")
		db, err = dbcommon.OpenPgxPool(config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "Error opening connection to postgres")
		}
		defer db.Close()
		s, err = postgresStores(db, config, m)
	case configuration.StoreMemory:
		log.Warnf("Using the in-memory store; nothing survives a restart")
		s, err = memoryStores(config, wakeOnEnqueue)
	default:
		err = errors.Errorf("unknown store %q", config.Store)
	}
	if err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Locks
	//////////////////////////////////////////////////////////////////////////
	var namedLock lock.NamedLock
	switch config.Lock.Backend {
	case configuration.LockPostgres:
		if db == nil {
			return errors.New("the postgres lock backend needs the postgres store")
		}
		namedLock = lock.NewPostgresLock(db)
	case configuration.LockRedis:
		redisClient := redis.NewUniversalClient(config.Lock.Redis.AsUniversalOptions())
		defer func() {
			err := redisClient.Close()
			if err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		}()
		namedLock = lock.NewRedisLock(redisClient, config.Lock.RedisTTL)
	case configuration.LockLocal:
		namedLock = lock.NewLocalLock()
	default:
		return errors.Errorf("unknown lock backend %q", config.Lock.Backend)
	}

	//////////////////////////////////////////////////////////////////////////
	// Progress
	//////////////////////////////////////////////////////////////////////////
	realClock := clock.RealClock{}
	broadcaster := progress.NewBroadcaster(func(ctx context.Context) (interface{}, error) {
		counts, err := s.items.StatusCounts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"counts": counts, "dispatcher": d.Status()}, nil
	}, realClock, m)
	defer broadcaster.Close()
	streamHandler := progress.NewStreamHandler(ctx, broadcaster, progress.StreamConfig{
		WriteTimeout:      config.Progress.WriteTimeout,
		HeartbeatInterval: config.Progress.HeartbeatInterval,
	})

	//////////////////////////////////////////////////////////////////////////
	// Dispatcher
	//////////////////////////////////////////////////////////////////////////
	downloader := download.NewDownloader(download.Config{
		MaxRetries:        config.Downloader.MaxRetries,
		BaseDelay:         config.Downloader.BaseDelay,
		MaxDelay:          config.Downloader.MaxDelay,
		AttemptTimeout:    config.Downloader.AttemptTimeout,
		MaxRedirects:      config.Downloader.MaxRedirects,
		ProgressThreshold: config.Downloader.ProgressThreshold.Value(),
	}, nil, m)
	proc := processor.NewHttpProcessor(config.Processor.Url, &http.Client{}, config.Processor.Timeout)
	scratchDir := config.Dispatcher.ScratchDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	d = dispatcher.New(dispatcher.Config{
		PollInterval:           config.Dispatcher.PollInterval,
		BatchSize:              config.Dispatcher.BatchSize,
		MaxConcurrent:          config.Dispatcher.MaxConcurrent,
		ScratchDir:             scratchDir,
		LockId:                 lockId(config.Lock.DispatcherLockId, lock.DispatcherLockId),
		StaleProcessingTimeout: config.Dispatcher.StaleProcessingTimeout,
	}, s.items, namedLock, downloader, proc, broadcaster, realClock, m)
	services = append(services, func() error { return d.Run(ctx) })
	if s.listenForQueued != nil {
		listener := s.listenForQueued(d.Wake)
		services = append(services, func() error { return listener.Run(ctx) })
	}

	//////////////////////////////////////////////////////////////////////////
	// Synchronization routines
	//////////////////////////////////////////////////////////////////////////
	runner := syncer.NewRunner(
		syncer.RunnerConfig{SkipIfSucceededWithin: config.Sync.SkipIfSucceededWithin},
		s.runs, namedLock, broadcaster, realClock, m)
	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix)
	defer taskManager.StopAll(taskShutdownTimeout)

	if invoices := config.Sync.Invoices; invoices.Enabled {
		client, err := provider.NewClient(*invoices.Feed)
		if err != nil {
			return errors.WithMessage(err, "error creating invoice feed client")
		}
		runner.Register(syncer.NewInvoiceSync(syncer.InvoiceSyncConfig{
			LockId:       lockId(config.Lock.InvoiceSyncId, lock.InvoiceSyncLockId),
			WindowDays:   invoices.WindowDays,
			MaxInvoices:  invoices.MaxInvoices,
			Counterparts: invoices.Counterparts,
			Categories:   invoices.Categories,
		}, provider.NewHttpInvoiceFeed(client), s.invoices, realClock))
		taskManager.Register(runner.ScheduledTask(syncer.InvoiceSyncType), invoices.Interval, "invoice_sync", true)
	}
	if prices := config.Sync.MarketPrices; prices.Enabled {
		client, err := provider.NewClient(*prices.Feed)
		if err != nil {
			return errors.WithMessage(err, "error creating price feed client")
		}
		runner.Register(syncer.NewMarketPriceSync(syncer.MarketPriceSyncConfig{
			LockId:            lockId(config.Lock.MarketPriceId, lock.MarketSyncLockId),
			MaxProductsPerRun: prices.MaxProductsPerRun,
			RequestDelay:      prices.RequestDelay,
			ProgressEvery:     prices.ProgressEvery,
			RetentionDays:     prices.RetentionDays,
		}, provider.NewHttpPriceFeed(client), s.prices, s.prunePrices, realClock))
		taskManager.Register(runner.ScheduledTask(syncer.MarketPriceSyncType), prices.Interval, "market_price_sync", true)
	}
	if s.cleanupKeys != nil && config.Intake.KeyLifespan > 0 {
		taskManager.Register(s.cleanupKeys, keyCleanupInterval, "intake_key_cleanup", false)
	}

	//////////////////////////////////////////////////////////////////////////
	// Operator api
	//////////////////////////////////////////////////////////////////////////
	intakeService := intake.NewService(intake.Config{
		ExtractDir:        config.Intake.ExtractDir,
		MaxArchiveEntries: config.Intake.MaxArchiveEntries,
		MaxEntryBytes:     config.Intake.MaxEntrySize.Value(),
	}, s.items, s.keys)
	server := api.NewServer(s.items, s.runs, intakeService, d, runner, streamHandler)
	shutdownHttpServer := common.ServeHttp(config.Http.Port, server.Router())
	defer shutdownHttpServer()

	// Start services
	for _, service := range services {
		g.Go(service)
	}
	return g.Wait()
}

func postgresStores(db *pgxpool.Pool, config configuration.Configuration, m *metrics.Metrics) (*stores, error) {
	keyStore, err := pgkeyvalue.New(db, config.Intake.KeyCacheSize, config.Intake.KeyTable)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating intake key store")
	}
	invoices, err := reconcile.NewEngine[syncer.InvoiceRecord](db, reconcile.Config{
		Table:     syncer.InvoiceTable,
		KeyColumn: syncer.InvoiceKeyColumn,
	}, m)
	if err != nil {
		return nil, err
	}
	prices, err := reconcile.NewEngine[syncer.MarketPriceRecord](db, reconcile.Config{
		Table:     syncer.MarketPriceTable,
		KeyColumn: syncer.MarketPriceKeyColumn,
	}, m)
	if err != nil {
		return nil, err
	}
	dsn := dbcommon.CreateConnectionString(config.Postgres.Connection)
	return &stores{
		items:       database.NewPostgresWorkItemRepository(db, config.NotifyChannel),
		runs:        database.NewPostgresSyncRunRepository(db),
		keys:        keyStore,
		invoices:    invoices,
		prices:      prices,
		prunePrices: syncer.PostgresPricePruner(db),
		cleanupKeys: func(ctx context.Context) {
			removed, err := keyStore.Cleanup(ctx, config.Intake.KeyLifespan)
			if err != nil {
				log.WithError(err).Warn("intake key cleanup failed")
				return
			}
			log.Debugf("removed %d expired intake keys", removed)
		},
		listenForQueued: func(wake func()) *notify.Listener {
			return notify.NewListener(dsn, config.NotifyChannel, config.Dispatcher.ReconnectInterval, wake)
		},
	}, nil
}

func memoryStores(config configuration.Configuration, onQueued func()) (*stores, error) {
	items, err := database.NewMemWorkItemRepository(onQueued)
	if err != nil {
		return nil, err
	}
	prices := reconcile.NewMemEngine[syncer.MarketPriceRecord]()
	return &stores{
		items:       items,
		runs:        database.NewMemSyncRunRepository(),
		keys:        intake.NewMemKeyStore(config.Intake.KeyLifespan),
		invoices:    reconcile.NewMemEngine[syncer.InvoiceRecord](),
		prices:      prices,
		prunePrices: syncer.MemPricePruner(prices),
	}, nil
}

func lockId(configured int64, fallback int64) int64 {
	if configured != 0 {
		return configured
	}
	return fallback
}
