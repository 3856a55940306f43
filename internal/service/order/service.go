package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultCheckoutWindow = 5 * time.Minute
	topProductsLimit      = 3
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/order")

// Locker сериализует работу с корзиной пользователя вместе с сервисом корзин.
type Locker interface {
	LockUser(userID string) (unlock func())
}

type noopLocker struct{}

func (noopLocker) LockUser(string) func() { return func() {} }

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

// WithLocker задаёт блокировку пользователей, общую с сервисом корзин.
func WithLocker(locker Locker) Option {
	return func(s *Service) {
		s.locker = locker
	}
}

// WithTimeline включает запись истории заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// WithOutbox включает публикацию событий заказа через outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// WithCheckoutWindow задаёт окно фиксации цен при оформлении.
func WithCheckoutWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkoutWindow = d
		}
	}
}

// Service оформляет заказы из корзин и ведёт их жизненный цикл.
type Service struct {
	orders         domain.OrderRepository
	carts          domain.CartRepository
	gateway        domain.ProductGateway
	timeline       domain.TimelineRepository
	outbox         domain.OutboxRepository
	locker         Locker
	clock          clock.Clock
	logger         *log.Entry
	metrics        *metrics.ReservationMetrics
	checkoutWindow time.Duration
}

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderRepository, carts domain.CartRepository, gateway domain.ProductGateway, options ...Option) *Service {
	s := &Service{
		orders:         orders,
		carts:          carts,
		gateway:        gateway,
		checkoutWindow: defaultCheckoutWindow,
	}
	for _, option := range options {
		option(s)
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-service")
	}
	if s.locker == nil {
		s.locker = noopLocker{}
	}
	return s
}

// CreateOrder оформляет заказ из корзины клиента. Резервы корзины переходят
// в продажу без повторного списания; после фиксации корзина удаляется без снятия резервов.
func (s *Service) CreateOrder(ctx context.Context, p domain.Principal, address domain.ShippingAddress) (order domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "order.CreateOrder")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.RecordOrderOp("create", err)
	}()

	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Order{}, err
	}
	if err := address.Validate(); err != nil {
		return domain.Order{}, err
	}

	unlock := s.locker.LockUser(p.UserID)
	defer unlock()

	cart, err := s.carts.GetByUser(ctx, p.UserID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return domain.Order{}, domain.ErrCartEmpty
	}
	if err != nil {
		return domain.Order{}, err
	}
	if cart.Status == domain.CartStatusAbandoned || cart.IsEmpty() {
		return domain.Order{}, domain.ErrCartEmpty
	}

	now := s.clock.Now()
	if cart.Leased(now) {
		return domain.Order{}, domain.ErrCartBusy
	}
	if cart.Status != domain.CartStatusCheckout || cart.CheckoutExpired(now) {
		if err := cart.BeginCheckout(now, s.checkoutWindow); err != nil {
			return domain.Order{}, err
		}
		if cart, err = s.carts.Save(ctx, cart); err != nil {
			return domain.Order{}, fmt.Errorf("lock cart prices: %w", err)
		}
	}

	order = domain.NewOrderFromCart(uuid.NewString(), cart, address, now)
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("order.items", len(order.Items)))

	order, err = s.orders.Create(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.gateway.CommitOrder(ctx, order.ID, order.SaleItems()); err != nil {
		delErr := s.orders.Delete(context.WithoutCancel(ctx), order.ID)
		s.metrics.RecordCompensation("order_delete", delErr)
		if delErr != nil {
			s.logger.WithError(delErr).WithField("order_id", order.ID).Error("failed to remove order after commit failure")
		}
		return domain.Order{}, fmt.Errorf("commit order: %w", err)
	}

	if err := s.carts.Delete(ctx, cart.ID); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"cart_id":  cart.ID,
		}).Error("order committed but cart was not removed")
	}

	s.recordTimeline(order.ID, domain.TimelineOrderCreated, string(order.Status), p.UserID)
	s.publish(domain.EventTypeOrderCreated, order, "", p.UserID)
	return order, nil
}

// GetOrder возвращает заказ. Владелец и администратор видят его целиком,
// продавец только свои позиции и скрытый адрес.
func (s *Service) GetOrder(ctx context.Context, p domain.Principal, id string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	switch {
	case p.Is(domain.RoleAdmin) && p.UserID != "":
		return order, nil
	case p.Is(domain.RoleClient) && p.Owns(order.UserID):
		return order, nil
	case p.Is(domain.RoleSeller) && p.UserID != "" && order.HasSeller(p.UserID):
		return order.ForSeller(p.UserID), nil
	default:
		return domain.Order{}, domain.ErrForbidden
	}
}

// ListClientOrders возвращает заказы клиента со сводкой трат.
func (s *Service) ListClientOrders(ctx context.Context, p domain.Principal) (domain.Dashboard, error) {
	if err := p.RequireRole(domain.RoleClient); err != nil {
		return domain.Dashboard{}, err
	}
	orders, err := s.orders.ListByUser(ctx, p.UserID, 0)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return buildDashboard(orders), nil
}

// ListSellerOrders возвращает заказы с товарами продавца и сводку заработка по ним.
func (s *Service) ListSellerOrders(ctx context.Context, p domain.Principal) (domain.Dashboard, error) {
	if err := p.RequireRole(domain.RoleSeller); err != nil {
		return domain.Dashboard{}, err
	}
	orders, err := s.orders.ListBySeller(ctx, p.UserID, 0)
	if err != nil {
		return domain.Dashboard{}, err
	}
	views := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		views = append(views, o.ForSeller(p.UserID))
	}
	return buildDashboard(views), nil
}

// UpdateOrder меняет статус заказа. Клиент может только отменить свой заказ до отгрузки.
// Отмена сначала возвращает товар на склад, потом меняет запись.
func (s *Service) UpdateOrder(ctx context.Context, p domain.Principal, id string, target domain.OrderStatus) (order domain.Order, err error) {
	defer func() { s.metrics.RecordOrderOp("update", err) }()

	order, err = s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorizeUpdate(p, order, target); err != nil {
		return domain.Order{}, err
	}
	if !order.Status.CanTransitionTo(target) {
		return domain.Order{}, fmt.Errorf("%s -> %s: %w", order.Status, target, domain.ErrInvalidTransition)
	}

	if target == domain.OrderStatusCanceled {
		if err := s.restock(ctx, order.ID); err != nil {
			return domain.Order{}, err
		}
	}

	previous := order.Status
	tracking := ""
	if target == domain.OrderStatusShipped {
		tracking = newTrackingNumber()
	}
	if err := order.Transition(target, tracking, s.clock.Now()); err != nil {
		return domain.Order{}, err
	}
	order, err = s.orders.Save(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	eventType := domain.TimelineStatusChanged
	if target == domain.OrderStatusCanceled {
		eventType = domain.TimelineOrderCanceled
	}
	s.recordTimeline(order.ID, eventType, string(target), p.UserID)
	s.publish(domain.EventTypeOrderStatusChanged, order, previous, p.UserID)
	return order, nil
}

// DeleteOrder удаляет заказ. Администратор может удалить любой, владелец только CREATED.
// Незавершённый заказ перед удалением возвращает товар на склад.
func (s *Service) DeleteOrder(ctx context.Context, p domain.Principal, id string) (err error) {
	defer func() { s.metrics.RecordOrderOp("delete", err) }()

	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	isAdmin := p.Is(domain.RoleAdmin) && p.UserID != ""
	isOwner := p.Is(domain.RoleClient) && p.Owns(order.UserID)
	switch {
	case isAdmin:
	case isOwner && order.Status == domain.OrderStatusCreated:
	case isOwner:
		return fmt.Errorf("order in status %s cannot be deleted: %w", order.Status, domain.ErrConflict)
	default:
		return domain.ErrForbidden
	}

	if !order.Status.IsTerminal() {
		if err := s.restock(ctx, order.ID); err != nil {
			return err
		}
	}
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		return err
	}
	s.publish(domain.EventTypeOrderDeleted, order, order.Status, p.UserID)
	return nil
}

// ListTimeline возвращает историю заказа владельцу или администратору.
func (s *Service) ListTimeline(ctx context.Context, p domain.Principal, id string) ([]domain.TimelineEvent, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !(p.Is(domain.RoleAdmin) && p.UserID != "") && !p.Owns(order.UserID) {
		return nil, domain.ErrForbidden
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(order.ID)
}

// ListActiveOrders возвращает незавершённые заказы, старые первыми.
func (s *Service) ListActiveOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.orders.ListActive(ctx, limit)
}

// restock отменяет продажу в реестре. Отсутствие продажи означает, что возвращать нечего.
func (s *Service) restock(ctx context.Context, orderID string) error {
	err := s.gateway.CancelOrder(ctx, orderID)
	if errors.Is(err, domain.ErrSaleNotFound) {
		s.logger.WithField("order_id", orderID).Warn("no sale recorded for order, nothing to restock")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restock order %s: %w", orderID, err)
	}
	return nil
}

func (s *Service) recordTimeline(orderID, eventType, reason, actor string) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Actor:    actor,
		Occurred: s.clock.Now(),
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to append timeline event")
		return
	}
	s.metrics.RecordTimelineEvent()
}

// publish кладёт событие заказа в outbox. Запись уже сохранена, поэтому ошибка только логируется.
func (s *Service) publish(eventType string, order domain.Order, previous domain.OrderStatus, actor string) {
	if s.outbox == nil {
		return
	}
	logger := s.logger.WithFields(log.Fields{"event_type": eventType, "order_id": order.ID})

	body, err := json.Marshal(domain.OrderEvent{
		EventID:        uuid.NewString(),
		OrderID:        order.ID,
		UserID:         order.UserID,
		Status:         order.Status,
		PreviousStatus: previous,
		TotalPrice:     order.TotalPrice,
		TrackingNumber: order.TrackingNumber,
		Actor:          actor,
		OccurredAt:     s.clock.Now(),
	})
	if err != nil {
		logger.WithError(err).Warn("failed to encode order event")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		logger.WithError(err).Warn("failed to enqueue order event")
		return
	}
	s.metrics.RecordOutboxEvent()
}

func authorizeUpdate(p domain.Principal, order domain.Order, target domain.OrderStatus) error {
	if p.Is(domain.RoleAdmin) && p.UserID != "" {
		return nil
	}
	if !p.Is(domain.RoleClient) || !p.Owns(order.UserID) {
		return domain.ErrForbidden
	}
	if target != domain.OrderStatusCanceled {
		return domain.ErrForbidden
	}
	if !order.Status.BeforeShipping() {
		return fmt.Errorf("order in status %s can no longer be canceled: %w", order.Status, domain.ErrConflict)
	}
	return nil
}

// buildDashboard считает итог и топ товаров без учёта отменённых заказов.
func buildDashboard(orders []domain.Order) domain.Dashboard {
	total := decimal.Zero
	byProduct := make(map[string]*domain.ProductTotal)
	for _, o := range orders {
		if o.Status == domain.OrderStatusCanceled {
			continue
		}
		total = total.Add(o.TotalPrice)
		for _, it := range o.Items {
			pt, ok := byProduct[it.ProductID]
			if !ok {
				pt = &domain.ProductTotal{ProductID: it.ProductID, ProductName: it.ProductName}
				byProduct[it.ProductID] = pt
			}
			pt.Quantity += it.Quantity
		}
	}

	top := make([]domain.ProductTotal, 0, len(byProduct))
	for _, pt := range byProduct {
		top = append(top, *pt)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Quantity != top[j].Quantity {
			return top[i].Quantity > top[j].Quantity
		}
		return top[i].ProductID < top[j].ProductID
	})
	if len(top) > topProductsLimit {
		top = top[:topProductsLimit]
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return domain.Dashboard{Orders: orders, TopProducts: top, Total: total}
}

func newTrackingNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TRK-" + strings.ToUpper(raw[:12])
}
