package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusCreated — заказ оформлен, продажа зафиксирована в реестре.
	OrderStatusCreated OrderStatus = "CREATED"
	// OrderStatusConfirmed — заказ подтверждён продавцом.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusShipped — заказ передан в доставку, присвоен трек-номер.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusAtDelivery — заказ у курьера.
	OrderStatusAtDelivery OrderStatus = "AT_DELIVERY"
	// OrderStatusDelivered — заказ вручён и оплачен при получении.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCanceled — заказ отменён, товар возвращён на склад.
	OrderStatusCanceled OrderStatus = "CANCELED"
)

var nextOrderStatus = map[OrderStatus]OrderStatus{
	OrderStatusCreated:    OrderStatusConfirmed,
	OrderStatusConfirmed:  OrderStatusShipped,
	OrderStatusShipped:    OrderStatusAtDelivery,
	OrderStatusAtDelivery: OrderStatusDelivered,
}

// ParseOrderStatus разбирает статус заказа.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case OrderStatusCreated, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusAtDelivery, OrderStatusDelivered, OrderStatusCanceled:
		return s, nil
	default:
		return "", ErrUnknownStatus
	}
}

// IsTerminal сообщает, что статус конечный.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCanceled
}

// Next возвращает следующий статус на успешном пути.
func (s OrderStatus) Next() (OrderStatus, bool) {
	next, ok := nextOrderStatus[s]
	return next, ok
}

// CanTransitionTo проверяет ребро машины состояний: только вперёд на один шаг
// или в CANCELED из любого неконечного статуса.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if target == OrderStatusCanceled {
		return true
	}
	next, ok := s.Next()
	return ok && next == target
}

// BeforeShipping сообщает, что заказ ещё не отгружен.
func (s OrderStatus) BeforeShipping() bool {
	return s == OrderStatusCreated || s == OrderStatusConfirmed
}

// ShippingAddress хранит адрес доставки.
type ShippingAddress struct {
	FullName   string `json:"fullName"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Validate проверяет заполненность обязательных полей.
func (a ShippingAddress) Validate() error {
	if strings.TrimSpace(a.FullName) == "" || strings.TrimSpace(a.Street) == "" ||
		strings.TrimSpace(a.City) == "" || strings.TrimSpace(a.Country) == "" {
		return ErrShippingAddressInvalid
	}
	return nil
}

// Masked скрывает персональные данные, продавцу остаются город и страна.
func (a ShippingAddress) Masked() ShippingAddress {
	return ShippingAddress{
		FullName:   mask(a.FullName),
		Street:     mask(a.Street),
		City:       a.City,
		PostalCode: mask(a.PostalCode),
		Country:    a.Country,
	}
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 1 {
		return strings.Repeat("*", len(r))
	}
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}

// OrderItem хранит снимок позиции корзины на момент оформления.
type OrderItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	SellerID    string          `json:"sellerId"`
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Items           []OrderItem     `json:"items"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Status          OrderStatus     `json:"status"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	Paid            bool            `json:"paid"`
	TrackingNumber  string          `json:"trackingNumber,omitempty"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewOrderFromCart копирует позиции корзины в новый заказ в статусе CREATED.
func NewOrderFromCart(id string, cart Cart, address ShippingAddress, now time.Time) Order {
	items := make([]OrderItem, 0, len(cart.Items))
	for _, it := range cart.Items {
		items = append(items, OrderItem(it))
	}
	o := Order{
		ID:              id,
		UserID:          cart.UserID,
		Items:           items,
		Status:          OrderStatusCreated,
		ShippingAddress: address,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.TotalPrice = o.calcTotal()
	return o
}

// SaleItems возвращает позиции в формате реестра остатков.
func (o *Order) SaleItems() []SaleItem {
	out := make([]SaleItem, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, SaleItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// Transition применяет смену статуса и связанные с ней поля доставки.
func (o *Order) Transition(target OrderStatus, trackingNumber string, now time.Time) error {
	if !o.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	o.Status = target
	switch target {
	case OrderStatusShipped:
		o.TrackingNumber = trackingNumber
	case OrderStatusDelivered:
		o.Paid = true
		delivered := now
		o.DeliveredAt = &delivered
	}
	o.UpdatedAt = now
	return nil
}

// HasSeller проверяет, есть ли в заказе товары продавца.
func (o *Order) HasSeller(sellerID string) bool {
	for _, it := range o.Items {
		if it.SellerID == sellerID {
			return true
		}
	}
	return false
}

// ForSeller возвращает представление заказа для продавца: только его позиции и скрытый адрес.
func (o Order) ForSeller(sellerID string) Order {
	view := o
	view.Items = nil
	for _, it := range o.Items {
		if it.SellerID == sellerID {
			view.Items = append(view.Items, it)
		}
	}
	view.TotalPrice = view.calcTotal()
	view.ShippingAddress = o.ShippingAddress.Masked()
	return view
}

// Clone возвращает копию заказа без общих срезов.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderItem, len(o.Items))
		copy(out.Items, o.Items)
	}
	if o.DeliveredAt != nil {
		d := *o.DeliveredAt
		out.DeliveredAt = &d
	}
	return out
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if o.UserID == "" {
		errs = append(errs, ErrUserIDRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrCartEmpty)
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrQuantityInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrPriceInvalid)
		}
	}
	return errs
}

func (o *Order) calcTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// ProductTotal считает количество товара в сводке.
type ProductTotal struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

// Dashboard содержит сводку по заказам клиента или продавца.
type Dashboard struct {
	Orders      []Order        `json:"orders"`
	TopProducts []ProductTotal `json:"topProducts"`
	// Total — потрачено клиентом или заработано продавцом без учёта отменённых заказов.
	Total decimal.Decimal `json:"total"`
}

// OrderEvent описывает полезную нагрузку событий заказа в outbox.
type OrderEvent struct {
	EventID        string          `json:"eventId"`
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Status         OrderStatus     `json:"status"`
	PreviousStatus OrderStatus     `json:"previousStatus,omitempty"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	TrackingNumber string          `json:"trackingNumber,omitempty"`
	Actor          string          `json:"actor"`
	OccurredAt     time.Time       `json:"occurredAt"`
}
