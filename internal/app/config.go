package app

import "time"

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска order-service или product-service.
// Поля без значения отключают соответствующую интеграцию: пустой KafkaBrokers
// выключает Kafka, пустой RedisAddr включает дедупликацию в памяти,
// пустой ProductServiceURL поднимает реестр остатков внутри order-service.
type Config struct {
	ServiceName string
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers содержит список брокеров через запятую.
	KafkaBrokers       string
	KafkaConsumerGroup string
	RedisAddr          string
	EventDedupTTL      time.Duration

	ProductServiceURL  string
	ProductCallTimeout time.Duration
	RequestTimeout     time.Duration

	ReconcileInterval   time.Duration
	ActiveCartIdle      time.Duration
	CheckoutWindow      time.Duration
	AbandonedCartGrace  time.Duration
	OrderStatusInterval time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending задаёт порог backlog, выше которого health отдаёт degraded. 0 выключает проверку.
	OutboxMaxPending int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OTelEndpoint     string
	OTelInsecure     bool
	TraceSampleRatio float64
}

// DefaultConfig возвращает настройки order-service.
func DefaultConfig() Config {
	return Config{
		ServiceName: "order-service",
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaConsumerGroup: "order-service",
		EventDedupTTL:      48 * time.Hour,

		ProductCallTimeout: 5 * time.Second,
		RequestTimeout:     15 * time.Second,

		ReconcileInterval:   30 * time.Second,
		ActiveCartIdle:      time.Minute,
		CheckoutWindow:      5 * time.Minute,
		AbandonedCartGrace:  time.Minute,
		OrderStatusInterval: time.Minute,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		OTelInsecure:     true,
		TraceSampleRatio: 1,
	}
}

// DefaultProductServiceConfig возвращает настройки product-service.
// Порты сдвинуты, чтобы оба сервиса запускались на одной машине.
func DefaultProductServiceConfig() Config {
	cfg := DefaultConfig()
	cfg.ServiceName = "product-service"
	cfg.HTTPAddr = ":8081"
	cfg.GRPCAddr = ":50052"
	cfg.MetricsAddr = ":9091"
	cfg.KafkaConsumerGroup = ""
	return cfg
}

// ProductServiceEmbedded сообщает, что реестр остатков работает внутри процесса.
func (c Config) ProductServiceEmbedded() bool {
	return c.ProductServiceURL == ""
}
