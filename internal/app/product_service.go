package app

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/inventory"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	httptransport "github.com/vladislavdragonenkov/marketplace/internal/transport/http"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// RunProductService поднимает реестр остатков с внутренним API для order-service
// и каталогом для продавцов. Изменения каталога уходят в Kafka через outbox.
func RunProductService(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "product-service"
	}
	logger := log.WithFields(log.Fields{"component": "app", "service": cfg.ServiceName})
	logger.WithFields(version.Fields()).Info("запускаем сервис")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var cleanup closers
	defer cleanup.run()
	cleanup.add(func() { deps.close(logger) })
	cleanup.add(setupTracing(ctx, cfg, logger))

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", outboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))

	ledger := inventory.NewLedger(deps.products,
		inventory.WithLogger(logger.WithField("component", "inventory-ledger")),
		inventory.WithMetrics(metrics.NewReservationMetrics()),
		inventory.WithOutbox(deps.outboxRepo),
	)

	// Ошибка уже залогирована, сервис работает без Kafka.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	cleanup.add(func() { closeKafka(producer, logger) })

	var publisher domain.OutboxPublisher = logPublisher{logger: logger}
	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if producer != nil {
		publisher = kafka.NewOutboxPublisher(producer, "")
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)))
	} else {
		logger.Warn("kafka is not configured, catalog events are not delivered to order-service")
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	goWorker(workerCtx, &wg, outbox.NewWorker(deps.outboxRepo, publisher, outboxOptions...).Run)
	cleanup.add(func() {
		stopWorkers()
		wg.Wait()
	})

	handler := httptransport.NewProductRouter(ledger, httptransport.RouterOptions{
		Logger:         logger.WithField("component", "http"),
		RequestTimeout: cfg.RequestTimeout,
	})
	return serve(ctx, cfg, handler, healthHandler, logger)
}
