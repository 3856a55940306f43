package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// DefaultCheckoutWindow задаёт, сколько держится фиксация цен в CHECKOUT.
const DefaultCheckoutWindow = 5 * time.Minute

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет часы.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		s.clock = clk
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCheckoutWindow задаёт окно оформления.
func WithCheckoutWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkoutWindow = d
		}
	}
}

// ReorderResult подводит итог повторного заказа.
type ReorderResult struct {
	Cart domain.Cart
	// Skipped — товары, которые не удалось положить: нет на складе или удалены.
	Skipped []string
}

// Service управляет корзинами. Каждая единица Quantity в позиции корзины
// соответствует единице резерва в реестре: сначала резерв, потом запись.
type Service struct {
	carts          domain.CartRepository
	orders         domain.OrderRepository
	gateway        domain.ProductGateway
	clock          clock.Clock
	logger         *log.Entry
	metrics        *metrics.ReservationMetrics
	checkoutWindow time.Duration
	locks          *stripedLock
}

// NewService создаёт сервис корзин.
func NewService(carts domain.CartRepository, orders domain.OrderRepository, gateway domain.ProductGateway, options ...Option) *Service {
	s := &Service{
		carts:          carts,
		orders:         orders,
		gateway:        gateway,
		checkoutWindow: DefaultCheckoutWindow,
		locks:          newStripedLock(defaultLockStripes),
	}
	for _, option := range options {
		option(s)
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "cart-service")
	}
	return s
}

// LockUser захватывает блокировку пользователя. Ею же пользуются
// планировщик корзин и оформление заказа.
func (s *Service) LockUser(userID string) (unlock func()) {
	return s.locks.lock(userID)
}

// CheckoutWindow возвращает окно оформления.
func (s *Service) CheckoutWindow() time.Duration {
	return s.checkoutWindow
}

// GetCurrentCart возвращает сохранённую корзину или пустую ACTIVE корзину, которая не сохраняется.
func (s *Service) GetCurrentCart(ctx context.Context, p domain.Principal) (domain.Cart, error) {
	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Cart{}, err
	}
	return s.read(ctx, p.UserID)
}

// AddToCart резервирует q единиц товара и добавляет их в корзину.
func (s *Service) AddToCart(ctx context.Context, p domain.Principal, productID string, q int) (cart domain.Cart, err error) {
	defer func() { s.metrics.RecordCartOp("add", err) }()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Cart{}, err
	}
	if q <= 0 {
		return domain.Cart{}, domain.ErrQuantityInvalid
	}
	unlock := s.LockUser(p.UserID)
	defer unlock()

	cart, err = s.load(ctx, p.UserID)
	if err != nil {
		return domain.Cart{}, err
	}
	product, err := s.gateway.GetProduct(ctx, productID)
	if err != nil {
		return domain.Cart{}, err
	}
	if err := s.gateway.AdjustQuantity(ctx, productID, -q); err != nil {
		return domain.Cart{}, err
	}

	if err := cart.AddItem(domain.CartLineItem{
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    q,
		UnitPrice:   product.Price,
		SellerID:    product.SellerID,
	}, s.clock.Now()); err != nil {
		s.compensate(ctx, productID, q)
		return domain.Cart{}, err
	}

	saved, err := s.persist(ctx, cart)
	if err != nil {
		s.compensate(ctx, productID, q)
		return domain.Cart{}, err
	}
	return saved, nil
}

// UpdateCart выставляет количество позиции. Ноль удаляет позицию.
func (s *Service) UpdateCart(ctx context.Context, p domain.Principal, productID string, newQ int) (cart domain.Cart, err error) {
	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Cart{}, err
	}
	if newQ < 0 {
		return domain.Cart{}, domain.ErrQuantityInvalid
	}
	if newQ == 0 {
		return s.DeleteItemByID(ctx, p, productID)
	}
	defer func() { s.metrics.RecordCartOp("update", err) }()

	unlock := s.LockUser(p.UserID)
	defer unlock()

	cart, err = s.loadPersisted(ctx, p.UserID)
	if err != nil {
		return domain.Cart{}, err
	}
	item, ok := cart.Item(productID)
	if !ok {
		return domain.Cart{}, domain.ErrCartItemNotFound
	}
	delta := newQ - item.Quantity
	if delta == 0 {
		return cart, nil
	}

	if err := s.gateway.AdjustQuantity(ctx, productID, -delta); err != nil {
		return domain.Cart{}, err
	}
	if err := cart.SetQuantity(productID, newQ, s.clock.Now()); err != nil {
		s.compensate(ctx, productID, delta)
		return domain.Cart{}, err
	}
	saved, err := s.persist(ctx, cart)
	if err != nil {
		s.compensate(ctx, productID, delta)
		return domain.Cart{}, err
	}
	return saved, nil
}

// DeleteItemByID снимает резерв позиции и удаляет её из корзины.
func (s *Service) DeleteItemByID(ctx context.Context, p domain.Principal, productID string) (cart domain.Cart, err error) {
	defer func() { s.metrics.RecordCartOp("delete_item", err) }()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Cart{}, err
	}
	unlock := s.LockUser(p.UserID)
	defer unlock()

	cart, err = s.loadPersisted(ctx, p.UserID)
	if err != nil {
		return domain.Cart{}, err
	}
	item, ok := cart.Item(productID)
	if !ok {
		return domain.Cart{}, domain.ErrCartItemNotFound
	}

	if err := s.release(ctx, productID, item.Quantity); err != nil {
		return domain.Cart{}, err
	}
	if _, err := cart.RemoveItem(productID, s.clock.Now()); err != nil {
		return domain.Cart{}, err
	}
	saved, err := s.persist(ctx, cart)
	if err != nil {
		// Позиция осталась в корзине, значит резерв должен вернуться.
		s.compensate(ctx, productID, -item.Quantity)
		return domain.Cart{}, err
	}
	return saved, nil
}

// DeleteCart снимает все резервы и удаляет корзину. При сбое снятия уже снятые
// позиции вычёркиваются и корзина сохраняется, чтобы не снимать их повторно.
func (s *Service) DeleteCart(ctx context.Context, p domain.Principal) (err error) {
	defer func() { s.metrics.RecordCartOp("delete_cart", err) }()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return err
	}
	unlock := s.LockUser(p.UserID)
	defer unlock()

	cart, err := s.loadPersisted(ctx, p.UserID)
	if err != nil {
		return err
	}
	stripped, releaseErr := s.releaseAll(ctx, cart)
	if releaseErr != nil {
		if len(stripped.Items) != len(cart.Items) {
			if _, err := s.carts.Save(ctx, stripped); err != nil {
				s.logger.WithError(err).WithField("cart_id", cart.ID).Warn("failed to persist partially released cart")
			}
		}
		return releaseErr
	}
	return s.carts.Delete(ctx, cart.ID)
}

// releaseAll снимает резервы позиций по очереди и вычёркивает снятые.
// Возвращает корзину без снятых позиций и первую ошибку.
func (s *Service) releaseAll(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	out := cart.Clone()
	remaining := make([]domain.CartLineItem, 0, len(out.Items))
	var firstErr error
	for _, item := range out.Items {
		if firstErr != nil {
			remaining = append(remaining, item)
			continue
		}
		if err := s.release(ctx, item.ProductID, item.Quantity); err != nil {
			firstErr = fmt.Errorf("release %s: %w", item.ProductID, err)
			remaining = append(remaining, item)
		}
	}
	out.Items = remaining
	out.Recalculate()
	return out, firstErr
}

// AddToCartFromOrder кладёт в корзину позиции прошлого заказа в пределах текущего остатка.
func (s *Service) AddToCartFromOrder(ctx context.Context, p domain.Principal, orderID string) (result ReorderResult, err error) {
	defer func() { s.metrics.RecordCartOp("reorder", err) }()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return ReorderResult{}, err
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return ReorderResult{}, err
	}
	if !p.Owns(order.UserID) {
		return ReorderResult{}, domain.ErrForbidden
	}

	unlock := s.LockUser(p.UserID)
	defer unlock()

	cart, err := s.load(ctx, p.UserID)
	if err != nil {
		return ReorderResult{}, err
	}

	type reserved struct {
		productID string
		q         int
	}
	var done []reserved
	now := s.clock.Now()
	for _, item := range order.Items {
		product, err := s.gateway.GetProduct(ctx, item.ProductID)
		if err != nil {
			s.logger.WithError(err).WithField("product_id", item.ProductID).Debug("reorder: product unavailable")
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		q := min(item.Quantity, product.AvailableQuantity)
		if q <= 0 {
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		if err := s.gateway.AdjustQuantity(ctx, item.ProductID, -q); err != nil {
			s.logger.WithError(err).WithField("product_id", item.ProductID).Debug("reorder: reserve failed")
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		if err := cart.AddItem(domain.CartLineItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    q,
			UnitPrice:   product.Price,
			SellerID:    product.SellerID,
		}, now); err != nil {
			s.logger.WithError(err).WithField("product_id", item.ProductID).Warn("reorder: line item rejected, releasing reservation")
			s.compensate(ctx, item.ProductID, q)
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		done = append(done, reserved{productID: item.ProductID, q: q})
	}

	if len(done) == 0 {
		result.Cart = cart
		return result, nil
	}
	saved, err := s.persist(ctx, cart)
	if err != nil {
		for _, r := range done {
			s.compensate(ctx, r.productID, r.q)
		}
		return ReorderResult{}, err
	}
	result.Cart = saved
	return result, nil
}

// UpdateStatus переводит корзину в CHECKOUT или обратно в ACTIVE.
func (s *Service) UpdateStatus(ctx context.Context, p domain.Principal, status domain.CartStatus) (cart domain.Cart, err error) {
	defer func() { s.metrics.RecordCartOp("update_status", err) }()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Cart{}, err
	}
	unlock := s.LockUser(p.UserID)
	defer unlock()

	now := s.clock.Now()
	switch status {
	case domain.CartStatusCheckout:
		cart, err = s.loadPersisted(ctx, p.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrCartNotFound) {
				return domain.Cart{}, domain.ErrCartEmpty
			}
			return domain.Cart{}, err
		}
		if err := cart.BeginCheckout(now, s.checkoutWindow); err != nil {
			return domain.Cart{}, err
		}
	case domain.CartStatusActive:
		cart, err = s.load(ctx, p.UserID)
		if err != nil {
			return domain.Cart{}, err
		}
		if !cart.Persisted() || cart.Status == domain.CartStatusActive {
			return cart, nil
		}
		cart.Activate(now)
	default:
		return domain.Cart{}, fmt.Errorf("cart status %s cannot be set directly: %w", status, domain.ErrInvalidArgument)
	}
	return s.carts.Save(ctx, cart)
}

// UpdateCartProducts обновляет снимок названия и цены во всех корзинах с товаром.
// Корзины в CHECKOUT не трогаются.
func (s *Service) UpdateCartProducts(ctx context.Context, event domain.ProductChanged) (int, error) {
	carts, err := s.carts.ListByProduct(ctx, event.ProductID)
	if err != nil {
		return 0, err
	}

	updated := 0
	var errs []error
	for _, c := range carts {
		changed, err := s.withCart(ctx, c, func(cart *domain.Cart) (bool, error) {
			return cart.RefreshSnapshot(event.ProductID, event.Name, event.Price, s.clock.Now()), nil
		})
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"cart_id":    c.ID,
				"product_id": event.ProductID,
			}).Warn("failed to refresh product snapshot in cart")
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

// RemoveProductFromCarts снимает резерв и вычёркивает удалённый товар из всех корзин.
// Отсутствие товара в реестре означает, что резерв уже снят.
func (s *Service) RemoveProductFromCarts(ctx context.Context, productID string) (int, error) {
	carts, err := s.carts.ListByProduct(ctx, productID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, c := range carts {
		changed, err := s.withCart(ctx, c, func(cart *domain.Cart) (bool, error) {
			item, ok := cart.Item(productID)
			if !ok {
				return false, nil
			}
			if err := s.release(ctx, productID, item.Quantity); err != nil {
				return false, err
			}
			_, err := cart.RemoveItem(productID, s.clock.Now())
			return err == nil, err
		})
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"cart_id":    c.ID,
				"product_id": productID,
			}).Warn("failed to remove deleted product from cart")
			errs = append(errs, err)
			continue
		}
		if changed {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// withCart перечитывает корзину под блокировкой пользователя, применяет fn и сохраняет при изменении.
func (s *Service) withCart(ctx context.Context, snapshot domain.Cart, fn func(cart *domain.Cart) (bool, error)) (bool, error) {
	unlock := s.LockUser(snapshot.UserID)
	defer unlock()

	cart, err := s.carts.Get(ctx, snapshot.ID)
	if err != nil {
		if errors.Is(err, domain.ErrCartNotFound) {
			return false, nil
		}
		return false, err
	}
	if cart.Leased(s.clock.Now()) {
		return false, domain.ErrCartBusy
	}
	changed, err := fn(&cart)
	if err != nil || !changed {
		return false, err
	}
	if _, err := s.carts.Save(ctx, cart); err != nil {
		return false, err
	}
	return true, nil
}

// load возвращает корзину пользователя для изменения. Пока планировщик снимает
// её резервы, возвращается ErrCartBusy.
func (s *Service) load(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.read(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	if cart.Leased(s.clock.Now()) {
		return domain.Cart{}, domain.ErrCartBusy
	}
	return cart, nil
}

// read возвращает корзину пользователя. Брошенная корзина отдаётся как пустая ACTIVE
// с прежними ID и версией, чтобы следующая запись прошла проверку версии.
func (s *Service) read(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.carts.GetByUser(ctx, userID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return domain.NewCart(uuid.NewString(), userID, s.clock.Now()), nil
	}
	if err != nil {
		return domain.Cart{}, err
	}
	if cart.Status == domain.CartStatusAbandoned {
		cart.Activate(s.clock.Now())
	}
	return cart, nil
}

// loadPersisted возвращает только сохранённую корзину.
func (s *Service) loadPersisted(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.load(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	if !cart.Persisted() {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return cart, nil
}

func (s *Service) persist(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if cart.Persisted() {
		return s.carts.Save(ctx, cart)
	}
	return s.carts.Create(ctx, cart)
}

// release снимает q единиц резерва. Удалённый товар считается уже снятым.
func (s *Service) release(ctx context.Context, productID string, q int) error {
	err := s.gateway.AdjustQuantity(ctx, productID, q)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WithField("product_id", productID).Debug("product is gone, reservation treated as released")
		return nil
	}
	return err
}

// compensate откатывает изменение резерва после неудачной записи корзины.
// delta задаёт, сколько вернуть в реестр: положительное освобождает, отрицательное резервирует снова.
func (s *Service) compensate(ctx context.Context, productID string, delta int) {
	err := s.gateway.AdjustQuantity(context.WithoutCancel(ctx), productID, delta)
	s.metrics.RecordCompensation("cart_adjust", err)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"product_id": productID,
			"delta":      delta,
		}).Error("failed to compensate reservation after cart write failure")
	}
}
