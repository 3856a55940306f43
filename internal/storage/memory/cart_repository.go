package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// cartRepositoryInMemory хранит корзины и индекс userID -> cartID.
type cartRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.Cart
	byUser map[string]string
}

// NewCartRepository создаёт in-memory реализацию CartRepository.
func NewCartRepository() domain.CartRepository {
	return &cartRepositoryInMemory{
		items:  make(map[string]domain.Cart),
		byUser: make(map[string]string),
	}
}

func (r *cartRepositoryInMemory) Get(_ context.Context, id string) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.items[id]
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return cart.Clone(), nil
}

func (r *cartRepositoryInMemory) GetByUser(_ context.Context, userID string) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUser[userID]
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return r.items[id].Clone(), nil
}

// Create сохраняет новую корзину. У пользователя может быть только одна корзина.
func (r *cartRepositoryInMemory) Create(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[cart.ID]; exists {
		return domain.Cart{}, domain.ErrAlreadyExists
	}
	if _, exists := r.byUser[cart.UserID]; exists {
		return domain.Cart{}, domain.ErrAlreadyExists
	}
	cart.Version = 1
	r.items[cart.ID] = cart.Clone()
	r.byUser[cart.UserID] = cart.ID
	return cart, nil
}

// Save перезаписывает корзину с проверкой версии.
func (r *cartRepositoryInMemory) Save(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[cart.ID]
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	if current.Version != cart.Version {
		return domain.Cart{}, domain.ErrCartVersionConflict
	}
	cart.Version++
	r.items[cart.ID] = cart.Clone()
	return cart, nil
}

func (r *cartRepositoryInMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.items[id]
	if !ok {
		return domain.ErrCartNotFound
	}
	delete(r.items, id)
	delete(r.byUser, cart.UserID)
	return nil
}

// ListByStatus возвращает корзины в статусе, давно не обновлявшиеся, старые первыми.
func (r *cartRepositoryInMemory) ListByStatus(_ context.Context, status domain.CartStatus, updatedBefore time.Time, limit int) ([]domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Cart, 0)
	for _, cart := range r.items {
		if cart.Status == status && cart.UpdateTime.Before(updatedBefore) {
			result = append(result, cart.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdateTime.Equal(result[j].UpdateTime) {
			return result[i].UpdateTime.Before(result[j].UpdateTime)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *cartRepositoryInMemory) ListByProduct(_ context.Context, productID string) ([]domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Cart, 0)
	for _, cart := range r.items {
		if cart.HasProduct(productID) {
			result = append(result, cart.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
