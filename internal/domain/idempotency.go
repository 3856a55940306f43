package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что оформление принято и ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что заказ создан и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что оформление отклонено, ответ с ошибкой тоже повторяется.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// IdempotencyScope разделяет ключи разных операций одного клиента.
type IdempotencyScope string

// IdempotencyScopeCreateOrder покрывает оформление заказа из корзины.
const IdempotencyScopeCreateOrder IdempotencyScope = "order.create"

// IdempotencyRecord хранит результат оформления, повторённого с тем же ключом.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdempotencyKey собирает ключ хранения из операции, пользователя и ключа клиента.
// Одинаковые Idempotency-Key двух покупателей не пересекаются.
func IdempotencyKey(scope IdempotencyScope, userID, clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return ""
	}
	return string(scope) + ":" + userID + ":" + clientKey
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Finished сообщает, что ответ сохранён и его можно отдать повторно.
func (s IdempotencyStatus) Finished() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// Expired сообщает, что запись пережила свой срок к моменту at.
func (r IdempotencyRecord) Expired(at time.Time) bool {
	return !r.TTLAt.After(at)
}
