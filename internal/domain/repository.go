package domain

import (
	"context"
	"time"
)

// CartRepository хранит корзины, по одной на пользователя.
type CartRepository interface {
	// Get возвращает корзину по ID или ErrCartNotFound.
	Get(ctx context.Context, id string) (Cart, error)
	// GetByUser возвращает корзину пользователя или ErrCartNotFound.
	GetByUser(ctx context.Context, userID string) (Cart, error)
	// Create сохраняет новую корзину и возвращает её с Version = 1.
	Create(ctx context.Context, cart Cart) (Cart, error)
	// Save применяет изменения с проверкой Version и возвращает корзину с новой версией.
	Save(ctx context.Context, cart Cart) (Cart, error)
	// Delete удаляет корзину. Для отсутствующей корзины возвращает ErrCartNotFound.
	Delete(ctx context.Context, id string) error
	// ListByStatus возвращает корзины в статусе, обновлённые раньше updatedBefore.
	ListByStatus(ctx context.Context, status CartStatus, updatedBefore time.Time, limit int) ([]Cart, error)
	// ListByProduct возвращает корзины, в которых есть товар.
	ListByProduct(ctx context.Context, productID string) ([]Cart, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByUser возвращает заказы клиента, новые первыми; limit <= 0 снимает ограничение.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListBySeller возвращает заказы, содержащие товары продавца, новые первыми.
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]Order, error)
	// ListActive возвращает заказы в неконечных статусах, старые первыми.
	ListActive(ctx context.Context, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) (Order, error)
	// Delete удаляет заказ.
	Delete(ctx context.Context, id string) error
}

// ProductRepository описывает хранилище реестра остатков.
// Reserve и Release должны быть атомарны для одной строки товара.
type ProductRepository interface {
	Create(ctx context.Context, product Product) (Product, error)
	Get(ctx context.Context, id string) (Product, error)
	// Update сохраняет карточку с проверкой Version.
	Update(ctx context.Context, product Product) (Product, error)
	Delete(ctx context.Context, id string) error
	// Reserve: available -= q, reserved += q при available >= q.
	Reserve(ctx context.Context, id string, q int) (Product, error)
	// Release: reserved -= q, available += q при reserved >= q.
	Release(ctx context.Context, id string, q int) (Product, error)
	// CommitSale списывает резервы по всем позициям продажи одной транзакцией.
	// applied=false, если продажа с этим OrderID уже записана.
	CommitSale(ctx context.Context, sale Sale) (applied bool, err error)
	// CancelSale возвращает единицы продажи в доступный остаток.
	// applied=false, если продажа уже отменена; ErrSaleNotFound, если её нет.
	CancelSale(ctx context.Context, orderID string) (applied bool, err error)
}
