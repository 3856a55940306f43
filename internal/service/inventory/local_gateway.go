package inventory

import (
	"context"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// LocalGateway реализует domain.ProductGateway вызовами Ledger в том же процессе.
type LocalGateway struct {
	ledger *Ledger
}

// NewLocalGateway оборачивает реестр в порт ProductGateway.
func NewLocalGateway(ledger *Ledger) *LocalGateway {
	return &LocalGateway{ledger: ledger}
}

func (g *LocalGateway) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return g.ledger.GetProduct(ctx, productID)
}

func (g *LocalGateway) AdjustQuantity(ctx context.Context, productID string, delta int) error {
	return g.ledger.Adjust(ctx, productID, delta)
}

func (g *LocalGateway) CommitOrder(ctx context.Context, orderID string, items []domain.SaleItem) error {
	return g.ledger.CommitOrder(ctx, orderID, items)
}

func (g *LocalGateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.ledger.CancelOrder(ctx, orderID)
}

var _ domain.ProductGateway = (*LocalGateway)(nil)
