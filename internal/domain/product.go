package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product хранит карточку товара вместе со счётчиками реестра остатков.
// Поля AvailableQuantity и ReservedQuantity меняются только методами ниже.
type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category,omitempty"`
	Price             decimal.Decimal `json:"price"`
	SellerID          string          `json:"sellerId"`
	AvailableQuantity int             `json:"availableQuantity"`
	ReservedQuantity  int             `json:"reservedQuantity"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	// DeletedAt помечает удалённую карточку, по которой корзины ещё держат резерв.
	// Такая запись принимает только Release и исчезает, когда резерв обнулится.
	DeletedAt *time.Time `json:"-"`
}

// Deleted сообщает, что карточка удалена и ждёт снятия резервов.
func (p Product) Deleted() bool {
	return p.DeletedAt != nil
}

// Total возвращает всё количество, не ушедшее в продажу.
func (p Product) Total() int {
	return p.AvailableQuantity + p.ReservedQuantity
}

// Validate проверяет атрибуты карточки.
func (p Product) Validate() error {
	if p.Name == "" {
		return ErrProductNameRequired
	}
	if p.Price.IsNegative() {
		return ErrPriceInvalid
	}
	if p.AvailableQuantity < 0 || p.ReservedQuantity < 0 {
		return ErrQuantityInvalid
	}
	return nil
}

// Reserve переносит q единиц из доступного остатка в резерв.
func (p *Product) Reserve(q int) error {
	if q <= 0 {
		return ErrQuantityInvalid
	}
	if p.AvailableQuantity < q {
		return ErrOutOfStock
	}
	p.AvailableQuantity -= q
	p.ReservedQuantity += q
	return nil
}

// Release возвращает q единиц из резерва. Резерв не может уйти в минус.
func (p *Product) Release(q int) error {
	if q <= 0 {
		return ErrQuantityInvalid
	}
	if p.ReservedQuantity < q {
		return ErrReservationUnderflow
	}
	p.ReservedQuantity -= q
	p.AvailableQuantity += q
	return nil
}

// Adjust: delta < 0 резервирует, delta > 0 освобождает, 0 ничего не делает.
func (p *Product) Adjust(delta int) error {
	switch {
	case delta < 0:
		return p.Reserve(-delta)
	case delta > 0:
		return p.Release(delta)
	default:
		return nil
	}
}

// CommitSale списывает q единиц из резерва как проданные.
func (p *Product) CommitSale(q int) error {
	if q <= 0 {
		return ErrQuantityInvalid
	}
	if p.ReservedQuantity < q {
		return ErrReservationUnderflow
	}
	p.ReservedQuantity -= q
	return nil
}

// RestockSale возвращает единицы отменённой продажи в доступный остаток.
func (p *Product) RestockSale(q int) error {
	if q <= 0 {
		return ErrQuantityInvalid
	}
	p.AvailableQuantity += q
	return nil
}

// ProductUpdate описывает изменение карточки; nil-поля не трогаются.
type ProductUpdate struct {
	Name              *string
	Description       *string
	Category          *string
	Price             *decimal.Decimal
	AvailableQuantity *int
}

// Apply применяет изменение к карточке и проверяет результат.
func (u ProductUpdate) Apply(p *Product) error {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Price != nil {
		p.Price = *u.Price
	}
	if u.AvailableQuantity != nil {
		p.AvailableQuantity = *u.AvailableQuantity
	}
	return p.Validate()
}

// SaleStatus — состояние продажи в реестре.
type SaleStatus string

const (
	SaleStatusCommitted SaleStatus = "COMMITTED"
	SaleStatusCanceled  SaleStatus = "CANCELED"
)

// SaleItem — проданное количество одного товара.
type SaleItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Sale фиксирует переход резерва в продажу по заказу.
// Ключом служит OrderID, поэтому повторный commit или cancel ничего не меняет.
type Sale struct {
	OrderID   string
	Items     []SaleItem
	Status    SaleStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductChanged описывает полезную нагрузку события product-updated.
type ProductChanged struct {
	EventID   string          `json:"eventId"`
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Category  string          `json:"category"`
	SellerID  string          `json:"sellerId"`
}

// ProductRemoved описывает полезную нагрузку события product-deleted.
type ProductRemoved struct {
	EventID   string `json:"eventId"`
	ProductID string `json:"productId"`
}
