package domain

import (
	"errors"
	"fmt"
)

// Корневые категории ошибок. Транспортный слой сопоставляет коды ответов только с ними.
var (
	// ErrNotFound — запрошенная сущность (корзина, заказ, товар) отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrOutOfStock — резерв превысил бы доступный остаток.
	ErrOutOfStock = errors.New("insufficient stock")
	// ErrForbidden — роль не подходит или ресурс принадлежит другому пользователю.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict — операция нарушила бы инвариант или проиграла гонку версий.
	ErrConflict = errors.New("conflict")
	// ErrUpstreamUnavailable — временная недоступность удалённого реестра остатков.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidArgument — некорректные входные данные запроса.
	ErrInvalidArgument = errors.New("invalid argument")
)

var (
	// ErrCartNotFound возвращается, если у пользователя нет сохранённой корзины.
	ErrCartNotFound = fmt.Errorf("cart %w", ErrNotFound)
	// ErrCartItemNotFound возвращается, если в корзине нет позиции с указанным товаром.
	ErrCartItemNotFound = fmt.Errorf("cart item %w", ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrProductNotFound возвращается, если товара нет в реестре.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrSaleNotFound возвращается при отмене продажи, которой не было.
	ErrSaleNotFound = fmt.Errorf("sale %w", ErrNotFound)

	// ErrCartVersionConflict сигнализирует о конфликте версий корзины при сохранении.
	ErrCartVersionConflict = fmt.Errorf("cart version %w", ErrConflict)
	// ErrCartBusy возвращается, пока планировщик снимает резервы корзины.
	ErrCartBusy = fmt.Errorf("cart is being reconciled: %w", ErrConflict)
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = fmt.Errorf("order version %w", ErrConflict)
	// ErrProductVersionConflict сигнализирует о конфликте версий карточки товара.
	ErrProductVersionConflict = fmt.Errorf("product version %w", ErrConflict)
	// ErrAlreadyExists возвращается при повторном создании записи с тем же ID.
	ErrAlreadyExists = fmt.Errorf("record already exists: %w", ErrConflict)
	// ErrInvalidTransition — переход статуса заказа не разрешён машиной состояний.
	ErrInvalidTransition = fmt.Errorf("invalid order status transition: %w", ErrConflict)
	// ErrReservationUnderflow — попытка снять больше, чем зарезервировано.
	ErrReservationUnderflow = fmt.Errorf("reserved quantity underflow: %w", ErrConflict)
	// ErrCartEmpty — пустая корзина не может перейти в CHECKOUT или стать заказом.
	ErrCartEmpty = fmt.Errorf("cart is empty: %w", ErrConflict)

	// ErrQuantityInvalid — количество должно быть больше нуля.
	ErrQuantityInvalid = fmt.Errorf("quantity must be greater than zero: %w", ErrInvalidArgument)
	// ErrPriceInvalid — цена товара не может быть отрицательной.
	ErrPriceInvalid = fmt.Errorf("price must be non-negative: %w", ErrInvalidArgument)
	// ErrProductNameRequired — у товара должно быть название.
	ErrProductNameRequired = fmt.Errorf("product name is required: %w", ErrInvalidArgument)
	// ErrShippingAddressInvalid — адрес доставки заполнен не полностью.
	ErrShippingAddressInvalid = fmt.Errorf("shipping address is incomplete: %w", ErrInvalidArgument)
	// ErrUnknownStatus — значение статуса не распознано.
	ErrUnknownStatus = fmt.Errorf("unknown status: %w", ErrInvalidArgument)
	// ErrUserIDRequired — отсутствует идентификатор пользователя.
	ErrUserIDRequired = fmt.Errorf("user_id is required: %w", ErrInvalidArgument)
	// ErrOrderIDRequired — отсутствует идентификатор заказа.
	ErrOrderIDRequired = fmt.Errorf("order_id is required: %w", ErrInvalidArgument)
)

var (
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = fmt.Errorf("idempotency key is required: %w", ErrInvalidArgument)
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = fmt.Errorf("idempotency request hash is required: %w", ErrInvalidArgument)
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = fmt.Errorf("idempotency key %w", ErrNotFound)
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован для другого запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrCartVersionConflict) ||
		errors.Is(err, ErrOrderVersionConflict) ||
		errors.Is(err, ErrProductVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
