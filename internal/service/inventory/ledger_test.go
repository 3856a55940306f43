package inventory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var (
	seller = domain.Principal{UserID: "seller-1", Role: domain.RoleSeller}
	admin  = domain.Principal{UserID: "admin-1", Role: domain.RoleAdmin}
	client = domain.Principal{UserID: "client-1", Role: domain.RoleClient}
)

func newTestLedger(t *testing.T) (*Ledger, *memory.OutboxRepository) {
	t.Helper()
	outbox := memory.NewOutboxRepository()
	ledger := NewLedger(
		memory.NewProductRepository(),
		WithOutbox(outbox),
		WithClock(clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))),
	)
	return ledger, outbox
}

func createProduct(t *testing.T, l *Ledger, available int) domain.Product {
	t.Helper()
	p, err := l.CreateProduct(context.Background(), seller, ProductInput{
		Name:              "Mug",
		Category:          "kitchen",
		Price:             decimal.RequireFromString("9.99"),
		AvailableQuantity: available,
	})
	require.NoError(t, err)
	return p
}

func TestLedger_AdjustReservesAndReleases(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 10)

	require.NoError(t, l.Adjust(ctx, p.ID, -4))
	got, err := l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 6, got.AvailableQuantity)
	require.Equal(t, 4, got.ReservedQuantity)

	require.NoError(t, l.Adjust(ctx, p.ID, 3))
	require.NoError(t, l.Adjust(ctx, p.ID, 0))
	got, err = l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.AvailableQuantity)
	require.Equal(t, 1, got.ReservedQuantity)
	require.Equal(t, 10, got.Total(), "available + reserved must be conserved")
}

func TestLedger_ReserveFailures(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 2)

	err := l.Adjust(ctx, p.ID, -3)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	err = l.Adjust(ctx, "missing", -1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.Reserve(ctx, p.ID, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = l.Adjust(ctx, p.ID, 1)
	require.ErrorIs(t, err, domain.ErrReservationUnderflow)
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableQuantity)
	require.Zero(t, got.ReservedQuantity)
}

func TestLedger_ConcurrentReservesNeverOversell(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 25)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Adjust(ctx, p.ID, -1); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 25, success)
	got, err := l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Zero(t, got.AvailableQuantity)
	require.Equal(t, 25, got.ReservedQuantity)
}

func TestLedger_CommitAndCancelOrderAreIdempotent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 10)
	require.NoError(t, l.Adjust(ctx, p.ID, -3))

	items := []domain.SaleItem{{ProductID: p.ID, Quantity: 3}}
	require.NoError(t, l.CommitOrder(ctx, "order-1", items))
	require.NoError(t, l.CommitOrder(ctx, "order-1", items))

	got, err := l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 7, got.AvailableQuantity)
	require.Zero(t, got.ReservedQuantity, "commit reuses reservations, nothing is decremented twice")

	require.NoError(t, l.CancelOrder(ctx, "order-1"))
	require.NoError(t, l.CancelOrder(ctx, "order-1"))
	got, err = l.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.AvailableQuantity)

	require.ErrorIs(t, l.CancelOrder(ctx, "order-unknown"), domain.ErrNotFound)
}

func TestLedger_CommitOrderValidation(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 5)

	require.ErrorIs(t, l.CommitOrder(ctx, "", []domain.SaleItem{{ProductID: p.ID, Quantity: 1}}), domain.ErrInvalidArgument)
	require.ErrorIs(t, l.CommitOrder(ctx, "order-1", nil), domain.ErrInvalidArgument)
	require.ErrorIs(t, l.CommitOrder(ctx, "order-1", []domain.SaleItem{{ProductID: p.ID, Quantity: 0}}), domain.ErrInvalidArgument)
	require.ErrorIs(t, l.CommitOrder(ctx, "order-1", []domain.SaleItem{{ProductID: p.ID, Quantity: 1}}), domain.ErrReservationUnderflow)
}

func TestLedger_CatalogPermissions(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateProduct(ctx, client, ProductInput{Name: "x", Price: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = l.CreateProduct(ctx, seller, ProductInput{Name: " ", Price: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	p := createProduct(t, l, 1)
	require.Equal(t, seller.UserID, p.SellerID)

	otherSeller := domain.Principal{UserID: "seller-2", Role: domain.RoleSeller}
	name := "Cup"
	_, err = l.UpdateProduct(ctx, otherSeller, p.ID, domain.ProductUpdate{Name: &name})
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.ErrorIs(t, l.DeleteProduct(ctx, client, p.ID), domain.ErrForbidden)

	updated, err := l.UpdateProduct(ctx, admin, p.ID, domain.ProductUpdate{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Cup", updated.Name)
}

func TestLedger_UpdateAndDeletePublishEvents(t *testing.T) {
	t.Parallel()
	l, outbox := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 5)
	require.NoError(t, l.Adjust(ctx, p.ID, -2))

	price := decimal.RequireFromString("12.50")
	updated, err := l.UpdateProduct(ctx, seller, p.ID, domain.ProductUpdate{Price: &price})
	require.NoError(t, err)
	require.Equal(t, 2, updated.ReservedQuantity, "card update must keep reservations")

	require.NoError(t, l.DeleteProduct(ctx, seller, p.ID))
	_, err = l.GetProduct(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, domain.EventTypeProductUpdated, pending[0].EventType)
	require.Equal(t, domain.EventTypeProductDeleted, pending[1].EventType)

	var changed domain.ProductChanged
	require.NoError(t, json.Unmarshal(pending[0].Payload, &changed))
	require.Equal(t, p.ID, changed.ProductID)
	require.True(t, changed.Price.Equal(price))
	require.NotEmpty(t, changed.EventID)

	var removed domain.ProductRemoved
	require.NoError(t, json.Unmarshal(pending[1].Payload, &removed))
	require.Equal(t, p.ID, removed.ProductID)
}

// reserveBeforeUpdate резервирует товар между чтением карточки и её записью.
type reserveBeforeUpdate struct {
	domain.ProductRepository
	quantity int
	fired    bool
}

func (r *reserveBeforeUpdate) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	if !r.fired {
		r.fired = true
		if _, err := r.ProductRepository.Reserve(ctx, p.ID, r.quantity); err != nil {
			return domain.Product{}, err
		}
	}
	return r.ProductRepository.Update(ctx, p)
}

func TestLedger_UpdateRacingReserveKeepsStock(t *testing.T) {
	t.Parallel()
	repo := &reserveBeforeUpdate{ProductRepository: memory.NewProductRepository(), quantity: 2}
	l := NewLedger(repo, WithClock(clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	ctx := context.Background()
	p := createProduct(t, l, 5)

	price := decimal.RequireFromString("11.00")
	updated, err := l.UpdateProduct(ctx, seller, p.ID, domain.ProductUpdate{Price: &price})
	require.NoError(t, err)
	require.True(t, repo.fired)
	require.True(t, updated.Price.Equal(price))
	require.Equal(t, 3, updated.AvailableQuantity)
	require.Equal(t, 2, updated.ReservedQuantity)
	require.Equal(t, 5, updated.Total())
}

func TestLedger_DeleteReservedProductAcceptsReleases(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 5)
	require.NoError(t, l.Adjust(ctx, p.ID, -2))
	require.NoError(t, l.Adjust(ctx, p.ID, -1))

	require.NoError(t, l.DeleteProduct(ctx, seller, p.ID))
	_, err := l.GetProduct(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.ErrorIs(t, l.Adjust(ctx, p.ID, -1), domain.ErrProductNotFound)

	// Корзины снимают свои резервы по product-deleted.
	require.NoError(t, l.Adjust(ctx, p.ID, 2))
	require.NoError(t, l.Adjust(ctx, p.ID, 1))
	require.ErrorIs(t, l.Adjust(ctx, p.ID, 1), domain.ErrProductNotFound)
}

func TestLocalGateway_DelegatesToLedger(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := createProduct(t, l, 4)
	gw := NewLocalGateway(l)

	got, err := gw.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Mug", got.Name)

	require.NoError(t, gw.AdjustQuantity(ctx, p.ID, -2))
	require.NoError(t, gw.CommitOrder(ctx, "order-1", []domain.SaleItem{{ProductID: p.ID, Quantity: 2}}))
	require.NoError(t, gw.CancelOrder(ctx, "order-1"))

	got, err = gw.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.AvailableQuantity)
	require.Zero(t, got.ReservedQuantity)
}
