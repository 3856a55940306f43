package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func newCart(id, userID string, status domain.CartStatus, updated time.Time, productIDs ...string) domain.Cart {
	cart := domain.NewCart(id, userID, updated)
	for _, pid := range productIDs {
		cart.Items = append(cart.Items, domain.CartLineItem{ProductID: pid, ProductName: pid, Quantity: 1, UnitPrice: decimal.NewFromInt(1)})
	}
	cart.Recalculate()
	cart.Status = status
	return cart
}

func TestCartRepository_CreateGetByUser(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCartRepository()
	now := time.Now().UTC()

	created, err := repo.Create(ctx, newCart("c1", "u1", domain.CartStatusActive, now, "p1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.Persisted() {
		t.Fatal("created cart must be persisted")
	}
	if _, err := repo.Create(ctx, newCart("c2", "u1", domain.CartStatusActive, now)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second cart for same user must fail, got %v", err)
	}

	byUser, err := repo.GetByUser(ctx, "u1")
	if err != nil || byUser.ID != "c1" {
		t.Fatalf("get by user: %+v %v", byUser, err)
	}
	if _, err := repo.GetByUser(ctx, "nobody"); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected cart not found, got %v", err)
	}

	if err := repo.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByUser(ctx, "u1"); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("user index must be cleared, got %v", err)
	}
	if _, err := repo.Create(ctx, newCart("c3", "u1", domain.CartStatusActive, now)); err != nil {
		t.Fatalf("user may get a new cart after delete: %v", err)
	}
}

func TestCartRepository_SaveChecksVersion(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCartRepository()
	created, _ := repo.Create(ctx, newCart("c1", "u1", domain.CartStatusActive, time.Now().UTC(), "p1"))

	first := created.Clone()
	first.Items[0].Quantity = 3
	saved, err := repo.Save(ctx, first)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != created.Version+1 {
		t.Fatalf("version not incremented: %d", saved.Version)
	}

	stale := created.Clone()
	stale.Items = nil
	if _, err := repo.Save(ctx, stale); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.Get(ctx, "c1")
	if stored.Quantity("p1") != 3 {
		t.Fatalf("stale save must not apply, got %+v", stored.Items)
	}
}

func TestCartRepository_ListByStatusAndProduct(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCartRepository()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	carts := []domain.Cart{
		newCart("old-active", "u1", domain.CartStatusActive, now.Add(-3*time.Minute), "p1"),
		newCart("older-active", "u2", domain.CartStatusActive, now.Add(-5*time.Minute), "p2"),
		newCart("fresh-active", "u3", domain.CartStatusActive, now, "p1"),
		newCart("checkout", "u4", domain.CartStatusCheckout, now.Add(-10*time.Minute), "p1"),
	}
	for _, c := range carts {
		if _, err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.ID, err)
		}
	}

	stale, err := repo.ListByStatus(ctx, domain.CartStatusActive, now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "older-active" || stale[1].ID != "old-active" {
		t.Fatalf("unexpected stale carts %+v", stale)
	}
	limited, _ := repo.ListByStatus(ctx, domain.CartStatusActive, now.Add(time.Minute), 1)
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}

	withP1, _ := repo.ListByProduct(ctx, "p1")
	if len(withP1) != 3 {
		t.Fatalf("expected 3 carts holding p1, got %d", len(withP1))
	}
}
