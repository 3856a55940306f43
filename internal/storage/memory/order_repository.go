package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrAlreadyExists
	}
	order.Version = 1
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	return order, nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByUser возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.UserID == userID }, newestFirst, limit), nil
}

// ListBySeller возвращает заказы, в которых есть товары продавца.
func (r *orderRepositoryInMemory) ListBySeller(_ context.Context, sellerID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.HasSeller(sellerID) }, newestFirst, limit), nil
}

// ListActive возвращает незавершённые заказы, старые первыми.
func (r *orderRepositoryInMemory) ListActive(_ context.Context, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return !o.Status.IsTerminal() }, oldestFirst, limit), nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	// Инкрементируем версию перед сохранением.
	order.Version++
	r.items[order.ID] = order.Clone()
	return order, nil
}

// Delete удаляет заказ.
func (r *orderRepositoryInMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *orderRepositoryInMemory) list(match func(domain.Order) bool, less func(a, b domain.Order) bool, limit int) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if match(order) {
			result = append(result, order.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func newestFirst(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func oldestFirst(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
