package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Названия операций для метрик и логов.
const (
	opReserve       = "reserve"
	opRelease       = "release"
	opCommitOrder   = "commit_order"
	opCancelOrder   = "cancel_order"
	opCreateProduct = "create_product"
	opUpdateProduct = "update_product"
	opDeleteProduct = "delete_product"
)

// updateAttempts ограничивает перечитывания карточки при конфликте версий:
// резервы корзин меняют версию, пока продавец правит карточку.
const updateAttempts = 5

// ProductInput содержит атрибуты новой карточки товара.
type ProductInput struct {
	Name              string
	Description       string
	Category          string
	Price             decimal.Decimal
	AvailableQuantity int
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock подменяет часы.
func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = clk
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithOutbox включает публикацию product-updated и product-deleted через outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(l *Ledger) {
		l.outbox = repo
	}
}

// Ledger ведёт авторитетный реестр остатков: available, reserved и записи продаж.
// Счётчики меняются только атомарными операциями репозитория над одной строкой товара.
type Ledger struct {
	products domain.ProductRepository
	outbox   domain.OutboxRepository
	clock    clock.Clock
	metrics  *metrics.ReservationMetrics
	logger   *log.Entry
}

// NewLedger создаёт реестр поверх хранилища товаров.
func NewLedger(products domain.ProductRepository, options ...Option) *Ledger {
	l := &Ledger{products: products}
	for _, option := range options {
		option(l)
	}
	if l.clock == nil {
		l.clock = clock.NewSystem()
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "inventory-ledger")
	}
	return l
}

// Reserve переносит q единиц из available в reserved.
func (l *Ledger) Reserve(ctx context.Context, productID string, q int) (domain.Product, error) {
	product, err := l.products.Reserve(ctx, productID, q)
	l.metrics.RecordLedgerOp(opReserve, err)
	if err != nil {
		return domain.Product{}, fmt.Errorf("reserve %d of %s: %w", q, productID, err)
	}
	return product, nil
}

// Release возвращает q единиц из reserved в available. Резерв не уходит в минус.
func (l *Ledger) Release(ctx context.Context, productID string, q int) (domain.Product, error) {
	product, err := l.products.Release(ctx, productID, q)
	l.metrics.RecordLedgerOp(opRelease, err)
	if err != nil {
		return domain.Product{}, fmt.Errorf("release %d of %s: %w", q, productID, err)
	}
	return product, nil
}

// Adjust: delta < 0 резервирует -delta, delta > 0 освобождает delta, 0 ничего не делает.
func (l *Ledger) Adjust(ctx context.Context, productID string, delta int) error {
	var err error
	switch {
	case delta < 0:
		_, err = l.Reserve(ctx, productID, -delta)
	case delta > 0:
		_, err = l.Release(ctx, productID, delta)
	}
	return err
}

// CommitOrder переводит резервы заказа в продажу. Повтор с тем же orderID ничего не меняет.
func (l *Ledger) CommitOrder(ctx context.Context, orderID string, items []domain.SaleItem) error {
	err := l.commitOrder(ctx, orderID, items)
	l.metrics.RecordLedgerOp(opCommitOrder, err)
	return err
}

func (l *Ledger) commitOrder(ctx context.Context, orderID string, items []domain.SaleItem) error {
	if strings.TrimSpace(orderID) == "" {
		return domain.ErrOrderIDRequired
	}
	if len(items) == 0 {
		return fmt.Errorf("sale items are required: %w", domain.ErrInvalidArgument)
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return domain.ErrQuantityInvalid
		}
	}

	now := l.clock.Now()
	applied, err := l.products.CommitSale(ctx, domain.Sale{
		OrderID:   orderID,
		Items:     items,
		Status:    domain.SaleStatusCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("commit order %s: %w", orderID, err)
	}
	if !applied {
		l.logger.WithField("order_id", orderID).Debug("order already committed, skipping")
	}
	return nil
}

// CancelOrder возвращает проданные по заказу единицы в available. Повтор ничего не меняет.
func (l *Ledger) CancelOrder(ctx context.Context, orderID string) error {
	applied, err := l.products.CancelSale(ctx, orderID)
	l.metrics.RecordLedgerOp(opCancelOrder, err)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if !applied {
		l.logger.WithField("order_id", orderID).Debug("order already canceled, skipping")
	}
	return nil
}

// GetProduct возвращает карточку с текущими счётчиками.
func (l *Ledger) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return l.products.Get(ctx, productID)
}

// CreateProduct заводит карточку от имени продавца или администратора.
func (l *Ledger) CreateProduct(ctx context.Context, p domain.Principal, input ProductInput) (domain.Product, error) {
	product, err := l.createProduct(ctx, p, input)
	l.metrics.RecordLedgerOp(opCreateProduct, err)
	return product, err
}

func (l *Ledger) createProduct(ctx context.Context, p domain.Principal, input ProductInput) (domain.Product, error) {
	if err := requireCatalogRole(p); err != nil {
		return domain.Product{}, err
	}
	now := l.clock.Now()
	product := domain.Product{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(input.Name),
		Description:       input.Description,
		Category:          input.Category,
		Price:             input.Price,
		SellerID:          p.UserID,
		AvailableQuantity: input.AvailableQuantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	return l.products.Create(ctx, product)
}

// UpdateProduct меняет карточку и публикует product-updated.
func (l *Ledger) UpdateProduct(ctx context.Context, p domain.Principal, productID string, update domain.ProductUpdate) (domain.Product, error) {
	product, err := l.updateProduct(ctx, p, productID, update)
	l.metrics.RecordLedgerOp(opUpdateProduct, err)
	return product, err
}

func (l *Ledger) updateProduct(ctx context.Context, p domain.Principal, productID string, update domain.ProductUpdate) (domain.Product, error) {
	var (
		updated domain.Product
		err     error
	)
	for attempt := 1; attempt <= updateAttempts; attempt++ {
		updated, err = l.tryUpdateProduct(ctx, p, productID, update)
		if !domain.IsVersionConflict(err) {
			break
		}
		l.logger.WithFields(log.Fields{
			"product_id": productID,
			"attempt":    attempt,
		}).Debug("product changed concurrently, retrying update")
	}
	if err != nil {
		return domain.Product{}, err
	}

	l.enqueue(domain.EventTypeProductUpdated, updated.ID, domain.ProductChanged{
		EventID:   uuid.NewString(),
		ProductID: updated.ID,
		Name:      updated.Name,
		Price:     updated.Price,
		Quantity:  updated.AvailableQuantity,
		Category:  updated.Category,
		SellerID:  updated.SellerID,
	})
	return updated, nil
}

// tryUpdateProduct применяет изменение к свежему снимку карточки.
// Устаревший снимок отклоняется хранилищем с ErrProductVersionConflict.
func (l *Ledger) tryUpdateProduct(ctx context.Context, p domain.Principal, productID string, update domain.ProductUpdate) (domain.Product, error) {
	current, err := l.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if err := requireProductOwner(p, current); err != nil {
		return domain.Product{}, err
	}
	if err := update.Apply(&current); err != nil {
		return domain.Product{}, err
	}
	current.UpdatedAt = l.clock.Now()
	return l.products.Update(ctx, current)
}

// DeleteProduct удаляет карточку и публикует product-deleted.
// Если корзины держат резерв, карточка пропадает из каталога, но принимает Release,
// пока order-service не снимет резервы по событию.
func (l *Ledger) DeleteProduct(ctx context.Context, p domain.Principal, productID string) error {
	err := l.deleteProduct(ctx, p, productID)
	l.metrics.RecordLedgerOp(opDeleteProduct, err)
	return err
}

func (l *Ledger) deleteProduct(ctx context.Context, p domain.Principal, productID string) error {
	current, err := l.products.Get(ctx, productID)
	if err != nil {
		return err
	}
	if err := requireProductOwner(p, current); err != nil {
		return err
	}
	if err := l.products.Delete(ctx, productID); err != nil {
		return err
	}

	l.enqueue(domain.EventTypeProductDeleted, productID, domain.ProductRemoved{
		EventID:   uuid.NewString(),
		ProductID: productID,
	})
	return nil
}

// enqueue кладёт событие в outbox. Изменение уже сохранено, поэтому ошибка только логируется.
func (l *Ledger) enqueue(eventType, productID string, payload any) {
	if l.outbox == nil {
		return
	}
	logger := l.logger.WithFields(log.Fields{"event_type": eventType, "product_id": productID})

	body, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Warn("failed to encode product event")
		return
	}
	if _, err := l.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateProduct,
		AggregateID:   productID,
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		logger.WithError(err).Warn("failed to enqueue product event")
		return
	}
	l.metrics.RecordOutboxEvent()
}

func requireCatalogRole(p domain.Principal) error {
	if p.UserID == "" || !(p.Is(domain.RoleSeller) || p.Is(domain.RoleAdmin)) {
		return domain.ErrForbidden
	}
	return nil
}

func requireProductOwner(p domain.Principal, product domain.Product) error {
	if p.Is(domain.RoleAdmin) && p.UserID != "" {
		return nil
	}
	if p.Is(domain.RoleSeller) && p.Owns(product.SellerID) {
		return nil
	}
	return domain.ErrForbidden
}
