package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTimelineRepository(store)

	created := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	if err := repo.Append(domain.TimelineEvent{
		OrderID: "order-1",
		Type:    domain.TimelineStatusChanged,
		Reason:  "CONFIRMED",
		Actor:   "system",
	}); err != nil {
		t.Fatalf("append with zero occurred: %v", err)
	}
	if err := repo.Append(domain.TimelineEvent{
		OrderID:  "order-1",
		Type:     domain.TimelineOrderCreated,
		Actor:    "user-1",
		Occurred: created,
	}); err != nil {
		t.Fatalf("append with explicit occurred: %v", err)
	}

	events, err := repo.List("order-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.TimelineOrderCreated || events[0].Actor != "user-1" {
		t.Fatalf("expected events sorted by occurred asc, got %+v", events)
	}

	none, err := repo.List("missing-order")
	if err != nil {
		t.Fatalf("list missing order: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no events, got %d", len(none))
	}
}

func TestTimelineRepository_PostgresRequiresOrderID(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewTimelineRepository(store)

	if err := repo.Append(domain.TimelineEvent{Type: domain.TimelineOrderCreated}); !errors.Is(err, domain.ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}
}
