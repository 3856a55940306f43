package domain

import (
	"context"
	"time"
)

// ProductGateway описывает клиент реестра остатков со стороны корзины и заказов.
// Все методы блокируются до ответа реестра и возвращают ошибки из корневой таксономии.
type ProductGateway interface {
	// GetProduct возвращает авторитетные название, цену, продавца и остаток.
	GetProduct(ctx context.Context, productID string) (Product, error)
	// AdjustQuantity: delta < 0 резервирует -delta единиц, delta > 0 освобождает delta.
	AdjustQuantity(ctx context.Context, productID string, delta int) error
	// CommitOrder переводит резервы заказа в продажу. Повтор с тем же orderID ничего не меняет.
	CommitOrder(ctx context.Context, orderID string, items []SaleItem) error
	// CancelOrder возвращает проданные по заказу единицы на склад.
	CancelOrder(ctx context.Context, orderID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Типы событий outbox. OutboxPublisher выбирает топик по EventType.
const (
	EventTypeProductUpdated     = "product.updated"
	EventTypeProductDeleted     = "product.deleted"
	EventTypeOrderCreated       = "order.created"
	EventTypeOrderStatusChanged = "order.status_changed"
	EventTypeOrderDeleted       = "order.deleted"
)

// Типы агрегатов в outbox.
const (
	AggregateProduct = "product"
	AggregateOrder   = "order"
)
