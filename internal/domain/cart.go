package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CartStatus описывает жизненный цикл корзины.
type CartStatus string

const (
	// CartStatusActive — корзина редактируется пользователем.
	CartStatusActive CartStatus = "ACTIVE"
	// CartStatusCheckout — пользователь оформляет заказ, цены зафиксированы до ExpiryTime.
	CartStatusCheckout CartStatus = "CHECKOUT"
	// CartStatusAbandoned — корзина брошена, резервы сняты, запись ждёт удаления.
	CartStatusAbandoned CartStatus = "ABANDONED"
)

// ParseCartStatus разбирает статус корзины.
func ParseCartStatus(raw string) (CartStatus, error) {
	switch s := CartStatus(raw); s {
	case CartStatusActive, CartStatusCheckout, CartStatusAbandoned:
		return s, nil
	default:
		return "", ErrUnknownStatus
	}
}

// CartLineItem описывает позицию корзины. Каждой единице Quantity соответствует единица резерва в реестре.
type CartLineItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	SellerID    string          `json:"sellerId"`
}

// Subtotal возвращает стоимость позиции.
func (i CartLineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Cart агрегирует зарезервированные позиции пользователя.
type Cart struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Items      []CartLineItem  `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Status     CartStatus      `json:"status"`
	ExpiryTime *time.Time      `json:"expiryTime,omitempty"`
	CreateTime time.Time       `json:"createTime"`
	UpdateTime time.Time       `json:"updateTime"`
	// Version равна нулю у корзины, которая ещё не сохранена.
	Version int64 `json:"version"`
	// SweepLeaseUntil выставляет планировщик перед снятием резервов.
	// До этого момента корзину не трогают ни другие экземпляры, ни пользователь.
	SweepLeaseUntil *time.Time `json:"-"`
}

// NewCart создаёт пустую ACTIVE корзину, не сохранённую в хранилище.
func NewCart(id, userID string, now time.Time) Cart {
	return Cart{
		ID:         id,
		UserID:     userID,
		TotalPrice: decimal.Zero,
		Status:     CartStatusActive,
		CreateTime: now,
		UpdateTime: now,
	}
}

// Persisted сообщает, есть ли корзина в хранилище.
func (c *Cart) Persisted() bool {
	return c.Version > 0
}

// IsEmpty сообщает, что позиций нет.
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Item возвращает позицию по товару.
func (c *Cart) Item(productID string) (CartLineItem, bool) {
	if idx := c.indexOf(productID); idx >= 0 {
		return c.Items[idx], true
	}
	return CartLineItem{}, false
}

// Quantity возвращает зарезервированное корзиной количество товара.
func (c *Cart) Quantity(productID string) int {
	item, _ := c.Item(productID)
	return item.Quantity
}

// HasProduct проверяет, есть ли товар в корзине.
func (c *Cart) HasProduct(productID string) bool {
	return c.indexOf(productID) >= 0
}

// AddItem добавляет позицию или увеличивает количество существующей.
// Снимок названия, цены и продавца обновляется из переданной позиции.
func (c *Cart) AddItem(item CartLineItem, now time.Time) error {
	if item.ProductID == "" {
		return fmt.Errorf("product id is required: %w", ErrInvalidArgument)
	}
	if item.Quantity <= 0 {
		return ErrQuantityInvalid
	}
	if idx := c.indexOf(item.ProductID); idx >= 0 {
		existing := c.Items[idx]
		item.Quantity += existing.Quantity
		c.Items[idx] = item
	} else {
		c.Items = append(c.Items, item)
	}
	c.touch(now)
	return nil
}

// SetQuantity заменяет количество позиции. Ноль удаляет позицию.
func (c *Cart) SetQuantity(productID string, quantity int, now time.Time) error {
	if quantity < 0 {
		return ErrQuantityInvalid
	}
	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrCartItemNotFound
	}
	if quantity == 0 {
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	} else {
		c.Items[idx].Quantity = quantity
	}
	c.touch(now)
	return nil
}

// RemoveItem удаляет позицию и возвращает её.
func (c *Cart) RemoveItem(productID string, now time.Time) (CartLineItem, error) {
	idx := c.indexOf(productID)
	if idx < 0 {
		return CartLineItem{}, ErrCartItemNotFound
	}
	item := c.Items[idx]
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	c.touch(now)
	return item, nil
}

// RefreshSnapshot обновляет кэшированные название и цену товара.
// Корзины в CHECKOUT не трогаются: цены в них зафиксированы.
func (c *Cart) RefreshSnapshot(productID, name string, price decimal.Decimal, now time.Time) bool {
	if c.Status == CartStatusCheckout {
		return false
	}
	idx := c.indexOf(productID)
	if idx < 0 {
		return false
	}
	item := &c.Items[idx]
	if item.ProductName == name && item.UnitPrice.Equal(price) {
		return false
	}
	item.ProductName = name
	item.UnitPrice = price
	c.Recalculate()
	c.UpdateTime = now
	return true
}

// Recalculate пересчитывает итог по снимкам цен.
func (c *Cart) Recalculate() {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	c.TotalPrice = total
}

// BeginCheckout переводит корзину в CHECKOUT на окно window.
func (c *Cart) BeginCheckout(now time.Time, window time.Duration) error {
	if c.IsEmpty() {
		return ErrCartEmpty
	}
	expiry := now.Add(window)
	c.Status = CartStatusCheckout
	c.ExpiryTime = &expiry
	c.UpdateTime = now
	return nil
}

// Activate возвращает корзину в ACTIVE и снимает фиксацию цен.
func (c *Cart) Activate(now time.Time) {
	c.Status = CartStatusActive
	c.ExpiryTime = nil
	c.UpdateTime = now
}

// Abandon помечает корзину брошенной. Вызывать только после снятия всех резервов.
func (c *Cart) Abandon(now time.Time) {
	c.Status = CartStatusAbandoned
	c.Items = nil
	c.ExpiryTime = nil
	c.TotalPrice = decimal.Zero
	c.UpdateTime = now
}

// Leased сообщает, что корзину сейчас обрабатывает планировщик.
func (c Cart) Leased(now time.Time) bool {
	return c.SweepLeaseUntil != nil && now.Before(*c.SweepLeaseUntil)
}

// Lease закрепляет корзину за планировщиком до until. UpdateTime не меняется,
// поэтому корзина с несостоявшимся снятием резервов попадёт в следующий проход.
func (c *Cart) Lease(until time.Time) {
	c.SweepLeaseUntil = &until
}

// EndLease снимает закрепление.
func (c *Cart) EndLease() {
	c.SweepLeaseUntil = nil
}

// CheckoutExpired сообщает, истекло ли окно оформления.
func (c *Cart) CheckoutExpired(now time.Time) bool {
	return c.ExpiryTime == nil || !now.Before(*c.ExpiryTime)
}

// Clone возвращает копию корзины без общих срезов и указателей.
func (c Cart) Clone() Cart {
	out := c
	if c.Items != nil {
		out.Items = make([]CartLineItem, len(c.Items))
		copy(out.Items, c.Items)
	}
	if c.ExpiryTime != nil {
		expiry := *c.ExpiryTime
		out.ExpiryTime = &expiry
	}
	if c.SweepLeaseUntil != nil {
		lease := *c.SweepLeaseUntil
		out.SweepLeaseUntil = &lease
	}
	return out
}

// touch фиксирует изменение позиций. Изменённая корзина в CHECKOUT возвращается в ACTIVE.
func (c *Cart) touch(now time.Time) {
	if c.Status != CartStatusActive {
		c.Status = CartStatusActive
		c.ExpiryTime = nil
	}
	c.Recalculate()
	c.UpdateTime = now
}

func (c *Cart) indexOf(productID string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}
