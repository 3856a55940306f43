package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestResultOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultOK},
		{domain.ErrOutOfStock, ResultOutOfStock},
		{fmt.Errorf("reserve: %w", domain.ErrProductNotFound), ResultNotFound},
		{domain.ErrReservationUnderflow, ResultConflict},
		{domain.ErrForbidden, ResultForbidden},
		{domain.ErrQuantityInvalid, ResultInvalid},
		{domain.ErrUpstreamUnavailable, ResultUpstream},
		{errors.New("boom"), ResultError},
	}
	for _, tt := range tests {
		if got := ResultOf(tt.err); got != tt.want {
			t.Errorf("ResultOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestReservationMetrics_RecordLedgerOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReservationMetricsWithRegisterer(reg)

	m.RecordLedgerOp("reserve", nil)
	m.RecordLedgerOp("reserve", nil)
	m.RecordLedgerOp("reserve", domain.ErrOutOfStock)

	if got := counterValue(t, m.ledgerOps.WithLabelValues("reserve", ResultOK)); got != 2 {
		t.Errorf("expected 2 ok reserves, got %f", got)
	}
	if got := counterValue(t, m.ledgerOps.WithLabelValues("reserve", ResultOutOfStock)); got != 1 {
		t.Errorf("expected 1 out_of_stock reserve, got %f", got)
	}
}

func TestReservationMetrics_RecordSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReservationMetricsWithRegisterer(reg)

	m.RecordSweep(2, 1, 3, 1, 150*time.Millisecond)

	if got := counterValue(t, m.sweepCarts.WithLabelValues("abandoned")); got != 2 {
		t.Errorf("expected abandoned=2, got %f", got)
	}
	if got := counterValue(t, m.sweepCarts.WithLabelValues("purged")); got != 3 {
		t.Errorf("expected purged=3, got %f", got)
	}

	metric := &dto.Metric{}
	if err := m.sweepDuration.Write(metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sweep sample, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestReservationMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewReservationMetricsWithRegisterer(reg)
	second := NewReservationMetricsWithRegisterer(reg)

	first.RecordOutboxEvent()
	second.RecordOutboxEvent()

	if got := counterValue(t, first.outboxEvents); got != 2 {
		t.Errorf("expected shared counter value 2, got %f", got)
	}
}

func TestReservationMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *ReservationMetrics

	m.RecordLedgerOp("reserve", nil)
	m.RecordCartOp("add", nil)
	m.RecordOrderOp("create", nil)
	m.RecordGatewayCall("GET", nil, time.Millisecond)
	m.RecordSweep(1, 1, 1, 1, time.Millisecond)
	m.RecordStatusTick(1, 0)
	m.RecordEvent("product-updated", ResultOK)
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()
	m.RecordCompensation("release", nil)
}

func TestReservationMetrics_GatewayAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReservationMetricsWithRegisterer(reg)

	m.RecordGatewayCall("GET", domain.ErrUpstreamUnavailable, 20*time.Millisecond)
	m.RecordEvent("product-deleted", ResultDuplicate)
	m.RecordStatusTick(3, 1)
	m.RecordCompensation("release", nil)

	if got := counterValue(t, m.gatewayCalls.WithLabelValues("GET", ResultUpstream)); got != 1 {
		t.Errorf("expected 1 upstream failure, got %f", got)
	}
	if got := counterValue(t, m.eventsHandled.WithLabelValues("product-deleted", ResultDuplicate)); got != 1 {
		t.Errorf("expected 1 duplicate event, got %f", got)
	}
	if got := counterValue(t, m.statusTicks.WithLabelValues("advanced")); got != 3 {
		t.Errorf("expected advanced=3, got %f", got)
	}
	if got := counterValue(t, m.compensations.WithLabelValues("release", ResultOK)); got != 1 {
		t.Errorf("expected 1 compensation, got %f", got)
	}
}
