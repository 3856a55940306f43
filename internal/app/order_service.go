package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/service/events"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/service/inventory"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orderstatus"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/productgateway"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reconcile"
	httptransport "github.com/vladislavdragonenkov/marketplace/internal/transport/http"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// Run запускает order-service.
func Run(ctx context.Context, cfg Config) error {
	return RunOrderService(ctx, cfg)
}

// RunOrderService поднимает корзины, заказы, планировщики и мост событий каталога
// и блокируется до отмены ctx. Возвращает ctx.Err() при штатной остановке.
func RunOrderService(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "order-service"
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

	reservationMetrics := metrics.NewReservationMetrics()
	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", outboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))

	gateway, ledger := buildProductGateway(cfg, deps, reservationMetrics, healthHandler, logger)

	carts := cart.NewService(deps.carts, deps.orders, gateway,
		cart.WithLogger(logger.WithField("component", "cart-service")),
		cart.WithMetrics(reservationMetrics),
		cart.WithCheckoutWindow(cfg.CheckoutWindow),
	)
	orders := order.NewService(deps.orders, deps.carts, gateway,
		order.WithLogger(logger.WithField("component", "order-service")),
		order.WithMetrics(reservationMetrics),
		order.WithLocker(carts),
		order.WithTimeline(deps.timelineRepo),
		order.WithOutbox(deps.outboxRepo),
		order.WithCheckoutWindow(cfg.CheckoutWindow),
	)

	dedup, closeDedup := buildDedupStore(ctx, cfg, healthHandler, logger)
	cleanup.add(closeDedup)
	bridge := events.NewBridge(carts, dedup,
		events.WithLogger(logger.WithField("component", "event-bridge")),
		events.WithMetrics(reservationMetrics),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup

	// Ошибка уже залогирована, сервис работает без Kafka.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	cleanup.add(func() { closeKafka(producer, logger) })

	var publisher, dlqPublisher domain.OutboxPublisher
	switch {
	case producer != nil:
		publisher = kafka.NewOutboxPublisher(producer, "")
		dlqPublisher = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
		consumer, err := startEventConsumer(workerCtx, cfg.KafkaBrokers, cfg.KafkaConsumerGroup, bridge.Topics(), bridge.Handle, producer, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer, catalog events will not reach carts")
		}
		cleanup.add(func() { stopConsumer(consumer, logger) })
	case ledger != nil:
		publisher = newLocalEventPublisher(bridge.Handle, bridge.Topics(), logger)
	default:
		publisher = logPublisher{logger: logger}
	}

	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlqPublisher != nil {
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(dlqPublisher))
	}
	goWorker(workerCtx, &wg, outbox.NewWorker(deps.outboxRepo, publisher, outboxOptions...).Run)

	goWorker(workerCtx, &wg, idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	).Run)

	goWorker(workerCtx, &wg, reconcile.NewScheduler(deps.carts, gateway,
		reconcile.WithLogger(logger.WithField("component", "cart-reconciler")),
		reconcile.WithMetrics(reservationMetrics),
		reconcile.WithLocker(carts),
		reconcile.WithInterval(cfg.ReconcileInterval),
		reconcile.WithActiveIdle(cfg.ActiveCartIdle),
		reconcile.WithCheckoutWindow(cfg.CheckoutWindow),
		reconcile.WithAbandonedGrace(cfg.AbandonedCartGrace),
		reconcile.WithCallTimeout(cfg.ProductCallTimeout),
	).Run)

	goWorker(workerCtx, &wg, orderstatus.NewScheduler(orders,
		orderstatus.WithLogger(logger.WithField("component", "order-status-scheduler")),
		orderstatus.WithMetrics(reservationMetrics),
		orderstatus.WithInterval(cfg.OrderStatusInterval),
	).Run)

	// Воркеры останавливаются раньше consumer, Kafka и хранилища.
	cleanup.add(func() {
		stopWorkers()
		wg.Wait()
	})

	routerOptions := httptransport.RouterOptions{
		Logger:         logger.WithField("component", "http"),
		RequestTimeout: cfg.RequestTimeout,
		Idempotency:    httptransport.NewIdempotency(deps.idempotencyRepo, clock.NewSystem(), cfg.IdempotencyTTL, logger.WithField("component", "http-idempotency")),
	}
	var handler http.Handler = httptransport.NewOrderRouter(carts, orders, routerOptions)
	if ledger != nil {
		handler = combineRouters(handler, httptransport.NewProductRouter(ledger, routerOptions))
	}

	return serve(ctx, cfg, handler, healthHandler, logger)
}

// buildProductGateway выбирает реализацию реестра остатков: HTTP-клиент product-service
// или реестр внутри процесса, когда ProductServiceURL пуст. Во втором случае возвращает и сам реестр.
func buildProductGateway(cfg Config, deps *runtimeDependencies, m *metrics.ReservationMetrics, healthHandler *healthcheck.Handler, logger *log.Entry) (domain.ProductGateway, *inventory.Ledger) {
	if cfg.ProductServiceEmbedded() {
		logger.Info("product service url is not set, running inventory ledger in-process")
		ledger := inventory.NewLedger(deps.products,
			inventory.WithLogger(logger.WithField("component", "inventory-ledger")),
			inventory.WithMetrics(m),
			inventory.WithOutbox(deps.outboxRepo),
		)
		return inventory.NewLocalGateway(ledger), ledger
	}

	gatewayLogger := logger.WithField("component", "product-gateway")
	client := productgateway.New(cfg.ProductServiceURL,
		productgateway.WithCallTimeout(cfg.ProductCallTimeout),
		productgateway.WithLogger(gatewayLogger),
		productgateway.WithMetrics(m),
	)
	healthHandler.RegisterChecker("product-service", healthcheck.NewOptionalChecker("product-service", func(context.Context) error {
		if state := client.Breaker().State(); state == productgateway.CircuitOpen {
			return errors.New("circuit breaker is open")
		}
		return nil
	}))
	logger.WithField("url", cfg.ProductServiceURL).Info("using remote product service")
	return client, nil
}

// buildDedupStore подключает Redis для отметок обработанных событий.
// Без Redis или при его недоступности на старте отметки хранятся в памяти процесса.
func buildDedupStore(ctx context.Context, cfg Config, healthHandler *healthcheck.Handler, logger *log.Entry) (events.DedupStore, func()) {
	if cfg.RedisAddr == "" {
		return events.NewMemoryDedupStore(cfg.EventDedupTTL, nil), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unavailable, using in-memory event dedup")
		_ = client.Close()
		return events.NewMemoryDedupStore(cfg.EventDedupTTL, nil), func() {}
	}

	healthHandler.RegisterChecker("redis", healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	logger.WithField("addr", cfg.RedisAddr).Info("using redis event dedup")
	return events.NewRedisDedupStore(client, cfg.ServiceName, cfg.EventDedupTTL), func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
}

// combineRouters отдаёт каталог и внутренний API реестра product-роутеру, остальное order-роутеру.
func combineRouters(orders, products http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/internal/", products)
	mux.Handle("/api/products", products)
	mux.Handle("/api/products/", products)
	mux.Handle("/", orders)
	return mux
}
