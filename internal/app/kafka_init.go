package app

import (
	"context"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

// consumerMaxRetries ограничивает попытки обработки сообщения до отправки в DLQ.
const consumerMaxRetries = 3

// splitBrokers разбирает список брокеров через запятую.
func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// startEventConsumer подписывает handler на topics. Неуспешные сообщения уходят в DLQ через producer.
func startEventConsumer(ctx context.Context, brokers, group string, topics []string, handler kafka.MessageHandler, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumerWithDLQ(splitBrokers(brokers), group, topics, handler, producer, consumerMaxRetries)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	logger.WithFields(log.Fields{"group": group, "topics": topics}).Info("kafka consumer started")
	return consumer, nil
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}

// localEventPublisher доставляет события каталога в обработчик того же процесса.
// Используется, когда реестр остатков встроен в order-service, а Kafka не настроена.
type localEventPublisher struct {
	handler kafka.MessageHandler
	topics  map[string]bool
	logger  *log.Entry
}

func newLocalEventPublisher(handler kafka.MessageHandler, topics []string, logger *log.Entry) *localEventPublisher {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &localEventPublisher{handler: handler, topics: set, logger: logger}
}

func (p *localEventPublisher) Publish(event domain.OutboxMessage) error {
	topic, err := kafka.TopicForEvent(event.EventType)
	if err != nil {
		return err
	}
	if !p.topics[topic] {
		p.logger.WithFields(log.Fields{
			"event_type": event.EventType,
			"outbox_id":  event.ID,
		}).Debug("event has no local subscribers")
		return nil
	}
	return p.handler(context.Background(), &sarama.ConsumerMessage{
		Topic: topic,
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderEventType), Value: []byte(event.EventType)},
			{Key: []byte(kafka.HeaderOutboxID), Value: []byte(event.ID)},
		},
	})
}

// logPublisher помечает события доставленными без отправки: у них нет подписчиков без Kafka.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_type": event.EventType,
		"outbox_id":  event.ID,
	}).Debug("kafka is not configured, event dropped")
	return nil
}

var (
	_ domain.OutboxPublisher = (*localEventPublisher)(nil)
	_ domain.OutboxPublisher = logPublisher{}
)
