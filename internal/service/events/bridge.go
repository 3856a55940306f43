package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Результаты обработки для метрик.
const (
	resultHandled   = "ok"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultFailed    = "error"
	resultIgnored   = "ignored"
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/events")

// CartUpdater описывает операции сервиса корзин, которые вызывает мост.
type CartUpdater interface {
	UpdateCartProducts(ctx context.Context, event domain.ProductChanged) (int, error)
	RemoveProductFromCarts(ctx context.Context, productID string) (int, error)
}

// Option настраивает Bridge.
type Option func(*Bridge)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// Bridge применяет события каталога к корзинам. Доставка at-least-once,
// повторы отсекаются по eventId. Отметка ставится только после успешной обработки.
type Bridge struct {
	carts   CartUpdater
	dedup   DedupStore
	logger  *log.Entry
	metrics *metrics.ReservationMetrics
}

// NewBridge создаёт мост событий.
func NewBridge(carts CartUpdater, dedup DedupStore, options ...Option) *Bridge {
	b := &Bridge{carts: carts, dedup: dedup}
	for _, option := range options {
		option(b)
	}
	if b.logger == nil {
		b.logger = log.WithField("component", "event-bridge")
	}
	return b
}

// Topics возвращает топики, на которые подписывается мост.
func (b *Bridge) Topics() []string {
	return []string{kafka.TopicProductUpdated, kafka.TopicProductDeleted}
}

// Handle реализует kafka.MessageHandler. Возвращённая ошибка означает повтор доставки.
func (b *Bridge) Handle(ctx context.Context, message *sarama.ConsumerMessage) (err error) {
	ctx, span := tracer.Start(ctx, "events.Handle "+message.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", message.Topic),
			attribute.Int("messaging.kafka.partition", int(message.Partition)),
			attribute.Int64("messaging.kafka.offset", message.Offset),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch message.Topic {
	case kafka.TopicProductUpdated:
		var event domain.ProductChanged
		if err := decode(message, &event); err != nil {
			return b.fail(message, resultInvalid, err)
		}
		return b.once(ctx, message, event.EventID, func() error {
			n, err := b.carts.UpdateCartProducts(ctx, event)
			span.SetAttributes(attribute.Int("carts.updated", n))
			return err
		})
	case kafka.TopicProductDeleted:
		var event domain.ProductRemoved
		if err := decode(message, &event); err != nil {
			return b.fail(message, resultInvalid, err)
		}
		return b.once(ctx, message, event.EventID, func() error {
			n, err := b.carts.RemoveProductFromCarts(ctx, event.ProductID)
			span.SetAttributes(attribute.Int("carts.updated", n))
			return err
		})
	default:
		b.logger.WithField("topic", message.Topic).Warn("message from unexpected topic ignored")
		b.metrics.RecordEvent(message.Topic, resultIgnored)
		return nil
	}
}

// once выполняет fn, если событие ещё не обработано, и отмечает его после успеха.
func (b *Bridge) once(ctx context.Context, message *sarama.ConsumerMessage, eventID string, fn func() error) error {
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d-%d", message.Topic, message.Partition, message.Offset)
	}
	logger := b.logger.WithFields(log.Fields{"topic": message.Topic, "event_id": eventID})

	if b.dedup != nil {
		seen, err := b.dedup.Seen(ctx, eventID)
		if err != nil {
			// Без дедупликации повторная обработка безопасна: операции идемпотентны.
			logger.WithError(err).Warn("dedup lookup failed, processing anyway")
		}
		if seen {
			logger.Debug("duplicate event skipped")
			b.metrics.RecordEvent(message.Topic, resultDuplicate)
			return nil
		}
	}

	if err := fn(); err != nil {
		return b.fail(message, resultFailed, err)
	}

	if b.dedup != nil {
		if err := b.dedup.Mark(ctx, eventID); err != nil {
			logger.WithError(err).Warn("failed to mark event as processed")
		}
	}
	b.metrics.RecordEvent(message.Topic, resultHandled)
	logger.Debug("event handled")
	return nil
}

func (b *Bridge) fail(message *sarama.ConsumerMessage, result string, err error) error {
	b.metrics.RecordEvent(message.Topic, result)
	return fmt.Errorf("handle %s at offset %d: %w", message.Topic, message.Offset, err)
}

func decode(message *sarama.ConsumerMessage, target any) error {
	if err := json.Unmarshal(message.Value, target); err != nil {
		return fmt.Errorf("decode payload: %w: %w", domain.ErrInvalidArgument, err)
	}
	if id := productID(target); strings.TrimSpace(id) == "" {
		return fmt.Errorf("payload has no productId: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func productID(target any) string {
	switch e := target.(type) {
	case *domain.ProductChanged:
		return e.ProductID
	case *domain.ProductRemoved:
		return e.ProductID
	default:
		return ""
	}
}
