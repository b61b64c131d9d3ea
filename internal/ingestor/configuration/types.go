package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/aydarnuman/catering-pro-sub000/internal/common/config"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/provider"
)

type StoreBackend string

const (
	StorePostgres StoreBackend = "postgres"
	StoreMemory   StoreBackend = "memory"
)

type LockBackend string

const (
	LockPostgres LockBackend = "postgres"
	LockRedis    LockBackend = "redis"
	LockLocal    LockBackend = "local"
)

type Configuration struct {
	// postgres or memory. The memory store keeps everything in process and needs no database.
	Store    StoreBackend `validate:"oneof=postgres memory"`
	Postgres database.PostgresConfig
	// Channel notified whenever a work item becomes queued.
	NotifyChannel string `validate:"required"`
	Lock          LockConfig
	Metrics       MetricsConfig
	Http          HttpConfig
	Dispatcher    DispatcherConfig
	Downloader    DownloaderConfig
	Processor     ProcessorConfig
	Intake        IntakeConfig
	Progress      ProgressConfig
	Sync          SyncConfig
}

type LockConfig struct {
	Backend LockBackend `validate:"oneof=postgres redis local"`
	// Only used by the redis backend.
	Redis commonconfig.RedisConfig
	// Upper bound on how long a redis lock survives a holder that died. Live holders refresh it every RedisTTL/3.
	RedisTTL         time.Duration
	InvoiceSyncId    int64
	MarketPriceId    int64
	DispatcherLockId int64
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

type DispatcherConfig struct {
	PollInterval      time.Duration `validate:"required"`
	BatchSize         int           `validate:"gte=1"`
	MaxConcurrent     int           `validate:"gte=1"`
	ScratchDir        string
	ReconnectInterval time.Duration `validate:"required"`
	// Items left in processing for longer than this are queued again. Zero disables the sweep.
	StaleProcessingTimeout time.Duration
}

type DownloaderConfig struct {
	MaxRetries     uint          `validate:"gte=1"`
	BaseDelay      time.Duration `validate:"required"`
	MaxDelay       time.Duration
	AttemptTimeout time.Duration `validate:"required"`
	MaxRedirects   int           `validate:"gte=0"`
	// Downloads larger than this log their progress.
	ProgressThreshold resource.Quantity
}

type ProcessorConfig struct {
	Url     string        `validate:"required,url"`
	Timeout time.Duration `validate:"required"`
}

type IntakeConfig struct {
	ExtractDir        string `validate:"required"`
	MaxArchiveEntries int    `validate:"gte=0"`
	MaxEntrySize      resource.Quantity
	// Postgres table remembering which artifacts were taken in.
	KeyTable     string `validate:"required"`
	KeyCacheSize int    `validate:"gte=1"`
	// Keys older than this are removed by pruneKeys.
	KeyLifespan time.Duration
}

type ProgressConfig struct {
	WriteTimeout      time.Duration `validate:"required"`
	HeartbeatInterval time.Duration `validate:"required"`
}

type SyncConfig struct {
	SkipIfSucceededWithin time.Duration
	Invoices              InvoiceSyncConfig
	MarketPrices          MarketPriceSyncConfig
}

type InvoiceSyncConfig struct {
	Enabled      bool
	Interval     time.Duration          `validate:"required_if=Enabled true"`
	Feed         *provider.ClientConfig `validate:"required_if=Enabled true,omitempty"`
	WindowDays   int                    `validate:"gte=0"`
	MaxInvoices  int                    `validate:"gte=0"`
	Counterparts []string
	Categories   []string
}

type MarketPriceSyncConfig struct {
	Enabled           bool
	Interval          time.Duration          `validate:"required_if=Enabled true"`
	Feed              *provider.ClientConfig `validate:"required_if=Enabled true,omitempty"`
	MaxProductsPerRun int                    `validate:"gte=0"`
	RequestDelay      time.Duration
	ProgressEvery     int `validate:"gte=0"`
	RetentionDays     int `validate:"gte=0"`
}
