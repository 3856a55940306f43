package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в топик, выбранный по типу события.
// В значение сообщения уходит payload события как есть, тип события уходит в заголовок.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// Пустой topic включает маршрутизацию через TopicForEvent.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := p.topic
	if topic == "" {
		routed, err := TopicForEvent(event.EventType)
		if err != nil {
			return err
		}
		topic = routed
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.Publish(context.Background(), topic, key, event.Payload, map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
