package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Значения метки result.
const (
	ResultOK         = "ok"
	ResultNotFound   = "not_found"
	ResultOutOfStock = "out_of_stock"
	ResultConflict   = "conflict"
	ResultForbidden  = "forbidden"
	ResultInvalid    = "invalid"
	ResultUpstream   = "upstream_unavailable"
	ResultError      = "error"
	ResultDuplicate  = "duplicate"
)

// ReservationMetrics собирает метрики реестра остатков, корзин, заказов и фоновых процессов.
// Все методы безопасны для nil-получателя: компонент без метрик просто ничего не пишет.
type ReservationMetrics struct {
	ledgerOps       *prometheus.CounterVec
	cartOps         *prometheus.CounterVec
	orderOps        *prometheus.CounterVec
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	sweepCarts      *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	statusTicks     *prometheus.CounterVec
	eventsHandled   *prometheus.CounterVec
	timelineEvents  prometheus.Counter
	outboxEvents    prometheus.Counter
	compensations   *prometheus.CounterVec
}

// NewReservationMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		ledgerOps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_ledger_operations_total",
			Help: "Inventory ledger operations by operation and result",
		}, []string{"op", "result"}),
		cartOps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_cart_operations_total",
			Help: "Cart service operations by operation and result",
		}, []string{"op", "result"}),
		orderOps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_operations_total",
			Help: "Order service operations by operation and result",
		}, []string{"op", "result"}),
		gatewayCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_product_gateway_calls_total",
			Help: "Calls to the product service by method and result",
		}, []string{"method", "result"}),
		gatewayDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_product_gateway_call_duration_seconds",
			Help:    "Duration of calls to the product service",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method"}),
		sweepCarts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_cart_sweep_carts_total",
			Help: "Carts processed by the reconciliation sweep by outcome",
		}, []string{"outcome"}),
		sweepDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_cart_sweep_duration_seconds",
			Help:    "Duration of a full reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		}),
		statusTicks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_status_advances_total",
			Help: "Orders processed by the status scheduler by outcome",
		}, []string{"outcome"}),
		eventsHandled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_product_events_total",
			Help: "Product events consumed by topic and result",
		}, []string{"topic", "result"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_timeline_events_total",
			Help: "Total number of order timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_compensations_total",
			Help: "Compensating actions after a failed write by operation and result",
		}, []string{"op", "result"}),
	}
}

// ResultOf сворачивает ошибку в значение метки result.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, domain.ErrOutOfStock):
		return ResultOutOfStock
	case errors.Is(err, domain.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, domain.ErrConflict):
		return ResultConflict
	case errors.Is(err, domain.ErrForbidden):
		return ResultForbidden
	case errors.Is(err, domain.ErrInvalidArgument):
		return ResultInvalid
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return ResultUpstream
	default:
		return ResultError
	}
}

// RecordLedgerOp считает операцию реестра остатков.
func (m *ReservationMetrics) RecordLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, ResultOf(err)).Inc()
}

// RecordCartOp считает операцию корзины.
func (m *ReservationMetrics) RecordCartOp(op string, err error) {
	if m == nil {
		return
	}
	m.cartOps.WithLabelValues(op, ResultOf(err)).Inc()
}

// RecordOrderOp считает операцию заказа.
func (m *ReservationMetrics) RecordOrderOp(op string, err error) {
	if m == nil {
		return
	}
	m.orderOps.WithLabelValues(op, ResultOf(err)).Inc()
}

// RecordGatewayCall считает вызов product-service и его длительность.
func (m *ReservationMetrics) RecordGatewayCall(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(method, ResultOf(err)).Inc()
	m.gatewayDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordSweep записывает итоги прохода по корзинам.
func (m *ReservationMetrics) RecordSweep(abandoned, reverted, purged, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepCarts.WithLabelValues("abandoned").Add(float64(abandoned))
	m.sweepCarts.WithLabelValues("reverted").Add(float64(reverted))
	m.sweepCarts.WithLabelValues("purged").Add(float64(purged))
	m.sweepCarts.WithLabelValues("failed").Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordStatusTick записывает итоги тика планировщика статусов.
func (m *ReservationMetrics) RecordStatusTick(advanced, failed int) {
	if m == nil {
		return
	}
	m.statusTicks.WithLabelValues("advanced").Add(float64(advanced))
	m.statusTicks.WithLabelValues("failed").Add(float64(failed))
}

// RecordEvent считает обработанное событие товара.
func (m *ReservationMetrics) RecordEvent(topic, result string) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(topic, result).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *ReservationMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *ReservationMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordCompensation считает компенсирующее действие.
func (m *ReservationMetrics) RecordCompensation(op string, err error) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(op, ResultOf(err)).Inc()
}
