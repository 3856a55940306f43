package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Topics для Kafka
const (
	TopicProductUpdated  = "product-updated"
	TopicProductDeleted  = "product-deleted"
	TopicOrderEvents     = "marketplace.order.events"
	TopicDeadLetterQueue = "marketplace.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
)

// TopicForEvent выбирает топик по типу события outbox.
func TopicForEvent(eventType string) (string, error) {
	switch {
	case eventType == domain.EventTypeProductUpdated:
		return TopicProductUpdated, nil
	case eventType == domain.EventTypeProductDeleted:
		return TopicProductDeleted, nil
	case strings.HasPrefix(eventType, "order."):
		return TopicOrderEvents, nil
	default:
		return "", fmt.Errorf("no topic for event type %q", eventType)
	}
}

// DLQMessage описывает запись в marketplace.dlq. Хранит исходное сообщение целиком,
// чтобы dlq-replay мог вернуть его в исходный топик.
type DLQMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParseDLQMessage разбирает запись DLQ.
func ParseDLQMessage(message *sarama.ConsumerMessage) (DLQMessage, error) {
	var msg DLQMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return DLQMessage{}, fmt.Errorf("failed to unmarshal dlq message: %w", err)
	}
	if msg.OriginalTopic == "" {
		return DLQMessage{}, fmt.Errorf("dlq message at offset %d has no original topic", message.Offset)
	}
	return msg, nil
}
