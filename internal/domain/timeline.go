package domain

import "time"

// Типы событий истории заказа.
const (
	TimelineOrderCreated  = "ORDER_CREATED"
	TimelineStatusChanged = "STATUS_CHANGED"
	TimelineOrderCanceled = "ORDER_CANCELED"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID string `json:"orderId"`
	Type    string `json:"type"`
	// Reason — целевой статус или причина отмены.
	Reason string `json:"reason,omitempty"`
	// Actor — пользователь или "system" для планировщика.
	Actor    string    `json:"actor"`
	Occurred time.Time `json:"occurred"`
}
