package orderstatus

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultInterval  = 1 * time.Minute
	defaultBatchSize = 200
)

// OrderAdvancer описывает часть сервиса заказов, нужную планировщику.
type OrderAdvancer interface {
	ListActiveOrders(ctx context.Context, limit int) ([]domain.Order, error)
	UpdateOrder(ctx context.Context, p domain.Principal, id string, target domain.OrderStatus) (domain.Order, error)
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithInterval задаёт период между тиками.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize ограничивает число заказов за тик.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// TickReport подводит итог одного тика.
type TickReport struct {
	Advanced int
	Failed   int
}

// Scheduler двигает незавершённые заказы на один шаг вперёд каждый тик.
type Scheduler struct {
	orders    OrderAdvancer
	logger    *log.Entry
	metrics   *metrics.ReservationMetrics
	interval  time.Duration
	batchSize int
}

// NewScheduler создаёт планировщик статусов.
func NewScheduler(orders OrderAdvancer, options ...Option) *Scheduler {
	s := &Scheduler{
		orders:    orders,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-status-scheduler")
	}
	return s
}

// Run тикает до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	if s.orders == nil {
		s.logger.Warn("order status scheduler is disabled: order service is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick продвигает каждый активный заказ. Ошибка на одном заказе не мешает остальным.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	var report TickReport

	orders, err := s.orders.ListActiveOrders(ctx, s.batchSize)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list active orders")
		report.Failed++
		s.metrics.RecordStatusTick(report.Advanced, report.Failed)
		return report
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		next, ok := o.Status.Next()
		if !ok {
			continue
		}
		if _, err := s.orders.UpdateOrder(ctx, domain.SystemPrincipal, o.ID, next); err != nil {
			report.Failed++
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id": o.ID,
				"from":     o.Status,
				"to":       next,
			}).Warn("failed to advance order status")
			continue
		}
		report.Advanced++
	}

	s.metrics.RecordStatusTick(report.Advanced, report.Failed)
	if report.Advanced > 0 || report.Failed > 0 {
		s.logger.WithFields(log.Fields{
			"advanced": report.Advanced,
			"failed":   report.Failed,
		}).Info("order status tick finished")
	}
	return report
}
