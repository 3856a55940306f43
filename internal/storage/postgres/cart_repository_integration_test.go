package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestCartRepository_PostgresCreateSaveAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewCartRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	cart, err := repo.Create(ctx, sampleCart("cart-1", "user-1", now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if cart.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", cart.Version)
	}

	got, err := repo.GetByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get by user: %v", err)
	}
	if got.ID != cart.ID || len(got.Items) != 1 || got.Items[0].Quantity != 2 {
		t.Fatalf("unexpected cart: %+v", got)
	}
	if !got.TotalPrice.Equal(cart.TotalPrice) {
		t.Fatalf("total mismatch: got=%s want=%s", got.TotalPrice, cart.TotalPrice)
	}

	if err := got.BeginCheckout(now, 5*time.Minute); err != nil {
		t.Fatalf("begin checkout: %v", err)
	}
	saved, err := repo.Save(ctx, got)
	if err != nil {
		t.Fatalf("save cart: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	reloaded, err := repo.Get(ctx, cart.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if reloaded.Status != domain.CartStatusCheckout || reloaded.ExpiryTime == nil {
		t.Fatalf("checkout state was not persisted: %+v", reloaded)
	}

	checkout, err := repo.ListByStatus(ctx, domain.CartStatusCheckout, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(checkout) != 1 {
		t.Fatalf("expected 1 checkout cart, got %d", len(checkout))
	}

	byProduct, err := repo.ListByProduct(ctx, "p-1")
	if err != nil {
		t.Fatalf("list by product: %v", err)
	}
	if len(byProduct) != 1 {
		t.Fatalf("expected 1 cart holding p-1, got %d", len(byProduct))
	}
	none, err := repo.ListByProduct(ctx, "p-absent")
	if err != nil {
		t.Fatalf("list by absent product: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no carts, got %d", len(none))
	}

	if err := repo.Delete(ctx, cart.ID); err != nil {
		t.Fatalf("delete cart: %v", err)
	}
	if _, err := repo.Get(ctx, cart.ID); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound after delete, got %v", err)
	}
}

func TestCartRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewCartRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	base := sampleCart("cart-errors", "user-errors", now)

	if _, err := repo.GetByUser(ctx, "nobody"); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
	base.Version = 1
	if _, err := repo.Save(ctx, base); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound on save missing, got %v", err)
	}

	created, err := repo.Create(ctx, base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := sampleCart("cart-errors-2", "user-errors", now)
	if _, err := repo.Create(ctx, other); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for second cart of user, got %v", err)
	}

	if _, err := repo.Save(ctx, created); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := repo.Save(ctx, created); !errors.Is(err, domain.ErrCartVersionConflict) {
		t.Fatalf("expected ErrCartVersionConflict on stale save, got %v", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound on delete missing, got %v", err)
	}
}

func TestCartRepository_PostgresPersistsSweepLease(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewCartRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	created, err := repo.Create(ctx, sampleCart("cart-lease", "user-lease", now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if created.Leased(now) {
		t.Fatalf("new cart must not be leased")
	}

	created.Lease(now.Add(time.Minute))
	claimed, err := repo.Save(ctx, created)
	if err != nil {
		t.Fatalf("claim cart: %v", err)
	}
	reloaded, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if !reloaded.Leased(now) || !reloaded.SweepLeaseUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("lease was not persisted: %+v", reloaded.SweepLeaseUntil)
	}
	if !reloaded.UpdateTime.Equal(now.Add(-time.Hour)) {
		t.Fatalf("lease must not touch update time, got %s", reloaded.UpdateTime)
	}

	// Второй экземпляр со снимком до закрепления получает конфликт версии.
	if _, err := repo.Save(ctx, created); !errors.Is(err, domain.ErrCartVersionConflict) {
		t.Fatalf("expected ErrCartVersionConflict for stale claim, got %v", err)
	}

	claimed.EndLease()
	claimed.Abandon(now)
	if _, err := repo.Save(ctx, claimed); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	reloaded, err = repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if reloaded.SweepLeaseUntil != nil || reloaded.Status != domain.CartStatusAbandoned {
		t.Fatalf("expected abandoned cart without lease, got %+v", reloaded)
	}
}
