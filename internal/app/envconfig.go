package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Переменные окружения. Имена без префикса совпадают с общепринятыми для Kafka, Redis и OTel.
const (
	EnvHTTPAddr                    = "MARKETPLACE_HTTP_ADDR"
	EnvGRPCAddr                    = "MARKETPLACE_GRPC_ADDR"
	EnvMetricsAddr                 = "MARKETPLACE_METRICS_ADDR"
	EnvStorageDriver               = "MARKETPLACE_STORAGE_DRIVER"
	EnvPostgresDSN                 = "MARKETPLACE_POSTGRES_DSN"
	EnvPostgresAutoMigrate         = "MARKETPLACE_POSTGRES_AUTO_MIGRATE"
	EnvKafkaBrokers                = "KAFKA_BROKERS"
	EnvKafkaConsumerGroup          = "MARKETPLACE_KAFKA_CONSUMER_GROUP"
	EnvRedisAddr                   = "REDIS_ADDR"
	EnvEventDedupTTL               = "MARKETPLACE_EVENT_DEDUP_TTL"
	EnvProductServiceURL           = "MARKETPLACE_PRODUCT_SERVICE_URL"
	EnvProductCallTimeout          = "MARKETPLACE_PRODUCT_CALL_TIMEOUT"
	EnvRequestTimeout              = "MARKETPLACE_REQUEST_TIMEOUT"
	EnvReconcileInterval           = "MARKETPLACE_RECONCILE_INTERVAL"
	EnvActiveCartIdle              = "MARKETPLACE_ACTIVE_CART_IDLE"
	EnvCheckoutWindow              = "MARKETPLACE_CHECKOUT_WINDOW"
	EnvAbandonedCartGrace          = "MARKETPLACE_ABANDONED_CART_GRACE"
	EnvOrderStatusInterval         = "MARKETPLACE_ORDER_STATUS_INTERVAL"
	EnvOutboxPollInterval          = "MARKETPLACE_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize             = "MARKETPLACE_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts           = "MARKETPLACE_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay            = "MARKETPLACE_OUTBOX_RETRY_DELAY"
	EnvOutboxMaxPending            = "MARKETPLACE_OUTBOX_MAX_PENDING"
	EnvIdempotencyTTL              = "MARKETPLACE_IDEMPOTENCY_TTL"
	EnvIdempotencyCleanupInterval  = "MARKETPLACE_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "MARKETPLACE_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	EnvOTelEndpoint                = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTelInsecure                = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvTraceSampleRatio            = "MARKETPLACE_TRACE_SAMPLE_RATIO"
)

// EnvLookup совпадает по сигнатуре с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// ConfigFromOSEnv накладывает переменные окружения процесса на base.
func ConfigFromOSEnv(base Config) (Config, []error) {
	return ConfigFromEnv(base, os.LookupEnv)
}

// ConfigFromEnv накладывает переменные окружения на base. Некорректное значение
// не прерывает загрузку: поле сохраняет значение из base, а ошибка попадает в warnings.
func ConfigFromEnv(base Config, lookup EnvLookup) (Config, []error) {
	cfg := base
	r := envReader{lookup: lookup}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	r.str(EnvHTTPAddr, &cfg.HTTPAddr)
	r.str(EnvGRPCAddr, &cfg.GRPCAddr)
	r.str(EnvMetricsAddr, &cfg.MetricsAddr)
	if r.str(EnvStorageDriver, &cfg.StorageDriver) {
		cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	}
	r.str(EnvPostgresDSN, &cfg.PostgresDSN)
	r.boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	r.str(EnvKafkaBrokers, &cfg.KafkaBrokers)
	r.str(EnvKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	r.str(EnvRedisAddr, &cfg.RedisAddr)
	r.duration(EnvEventDedupTTL, &cfg.EventDedupTTL, positiveDuration, "must be > 0")

	r.str(EnvProductServiceURL, &cfg.ProductServiceURL)
	r.duration(EnvProductCallTimeout, &cfg.ProductCallTimeout, positiveDuration, "must be > 0")
	r.duration(EnvRequestTimeout, &cfg.RequestTimeout, positiveDuration, "must be > 0")

	r.duration(EnvReconcileInterval, &cfg.ReconcileInterval, positiveDuration, "must be > 0")
	r.duration(EnvActiveCartIdle, &cfg.ActiveCartIdle, positiveDuration, "must be > 0")
	r.duration(EnvCheckoutWindow, &cfg.CheckoutWindow, positiveDuration, "must be > 0")
	r.duration(EnvAbandonedCartGrace, &cfg.AbandonedCartGrace, positiveDuration, "must be > 0")
	r.duration(EnvOrderStatusInterval, &cfg.OrderStatusInterval, positiveDuration, "must be > 0")

	r.duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	r.integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	r.duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	r.integer(EnvOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	r.duration(EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	r.duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	r.integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	r.str(EnvOTelEndpoint, &cfg.OTelEndpoint)
	r.boolean(EnvOTelInsecure, &cfg.OTelInsecure)
	r.ratio(EnvTraceSampleRatio, &cfg.TraceSampleRatio)

	return cfg, r.warnings
}

type envReader struct {
	lookup   EnvLookup
	warnings []error
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) warn(key, raw string, err error) {
	r.warnings = append(r.warnings, fmt.Errorf("%s=%q: %w", key, raw, err))
}

// str возвращает true, если значение было задано.
func (r *envReader) str(key string, dst *string) bool {
	value, ok := r.raw(key)
	if ok {
		*dst = value
	}
	return ok
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := parseBool(value)
	if err != nil {
		r.warn(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int, valid func(int) bool, rule string) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := parseInt(value, valid, rule)
	if err != nil {
		r.warn(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := parseDuration(value, valid, rule)
	if err != nil {
		r.warn(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) ratio(key string, dst *float64) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err == nil && (parsed < 0 || parsed > 1) {
		err = fmt.Errorf("must be within [0, 1]")
	}
	if err != nil {
		r.warn(key, value, err)
		return
	}
	*dst = parsed
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}
