package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// productRepositoryInMemory хранит реестр остатков в памяти.
// Все изменения счётчиков выполняются под одной блокировкой, это аналог
// однострочного условного UPDATE в PostgreSQL.
type productRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
	sales map[string]domain.Sale
}

// NewProductRepository создаёт in-memory реализацию ProductRepository.
func NewProductRepository() domain.ProductRepository {
	return &productRepositoryInMemory{
		items: make(map[string]domain.Product),
		sales: make(map[string]domain.Sale),
	}
}

func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[product.ID]; exists {
		return domain.Product{}, domain.ErrAlreadyExists
	}
	product.Version = 1
	r.items[product.ID] = product
	return product, nil
}

func (r *productRepositoryInMemory) Get(_ context.Context, id string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.items[id]
	if !ok || product.Deleted() {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// Update сохраняет карточку с проверкой Version. Любое изменение счётчиков
// увеличивает Version, поэтому снимок, прочитанный до резерва, получит конфликт.
func (r *productRepositoryInMemory) Update(_ context.Context, product domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[product.ID]
	if !ok || current.Deleted() {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if current.Version != product.Version {
		return domain.Product{}, domain.ErrProductVersionConflict
	}
	product.ReservedQuantity = current.ReservedQuantity
	product.DeletedAt = nil
	product.Version++
	r.items[product.ID] = product
	return product, nil
}

// Delete удаляет карточку. Пока корзины держат резерв, запись остаётся
// помеченной как удалённая и принимает только Release.
func (r *productRepositoryInMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[id]
	if !ok || p.Deleted() {
		return domain.ErrProductNotFound
	}
	if p.ReservedQuantity == 0 {
		delete(r.items, id)
		return nil
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	p.AvailableQuantity = 0
	p.UpdatedAt = now
	p.Version++
	r.items[id] = p
	return nil
}

func (r *productRepositoryInMemory) Reserve(_ context.Context, id string, q int) (domain.Product, error) {
	return r.mutate(id, false, func(p *domain.Product) error { return p.Reserve(q) })
}

// Release снимает резерв и с удалённой карточки. Последнее снятие удаляет запись.
func (r *productRepositoryInMemory) Release(_ context.Context, id string, q int) (domain.Product, error) {
	return r.mutate(id, true, func(p *domain.Product) error { return p.Release(q) })
}

// CommitSale списывает резервы всех позиций или не меняет ничего.
func (r *productRepositoryInMemory) CommitSale(_ context.Context, sale domain.Sale) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sales[sale.OrderID]; exists {
		return false, nil
	}

	// Сначала применяем к копиям, в хранилище пишем только при полном успехе.
	staged := make(map[string]domain.Product, len(sale.Items))
	for _, item := range sale.Items {
		p, ok := staged[item.ProductID]
		if !ok {
			if p, ok = r.items[item.ProductID]; !ok || p.Deleted() {
				return false, domain.ErrProductNotFound
			}
		}
		if err := p.CommitSale(item.Quantity); err != nil {
			return false, err
		}
		staged[item.ProductID] = p
	}

	now := time.Now().UTC()
	for id, p := range staged {
		p.UpdatedAt = now
		p.Version++
		r.items[id] = p
	}
	sale.Status = domain.SaleStatusCommitted
	sale.CreatedAt = now
	sale.UpdatedAt = now
	r.sales[sale.OrderID] = sale
	return true, nil
}

// CancelSale возвращает проданные единицы. Удалённые товары пропускаются.
func (r *productRepositoryInMemory) CancelSale(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sale, ok := r.sales[orderID]
	if !ok {
		return false, domain.ErrSaleNotFound
	}
	if sale.Status == domain.SaleStatusCanceled {
		return false, nil
	}

	now := time.Now().UTC()
	for _, item := range sale.Items {
		p, exists := r.items[item.ProductID]
		if !exists || p.Deleted() {
			continue
		}
		if err := p.RestockSale(item.Quantity); err != nil {
			return false, err
		}
		p.UpdatedAt = now
		p.Version++
		r.items[item.ProductID] = p
	}
	sale.Status = domain.SaleStatusCanceled
	sale.UpdatedAt = now
	r.sales[orderID] = sale
	return true, nil
}

func (r *productRepositoryInMemory) mutate(id string, allowDeleted bool, fn func(p *domain.Product) error) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[id]
	if !ok || (p.Deleted() && !allowDeleted) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err := fn(&p); err != nil {
		return domain.Product{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	p.Version++
	if p.Deleted() {
		p.AvailableQuantity = 0
		if p.ReservedQuantity == 0 {
			delete(r.items, id)
			return p, nil
		}
	}
	r.items[id] = p
	return p, nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
