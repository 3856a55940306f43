package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ConsumerHeaderCarrier читает trace context из заголовков входящего сообщения.
type ConsumerHeaderCarrier []*sarama.RecordHeader

var _ propagation.TextMapCarrier = ConsumerHeaderCarrier(nil)

func (c ConsumerHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set не используется при чтении.
func (c ConsumerHeaderCarrier) Set(string, string) {}

func (c ConsumerHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}

// ExtractContext восстанавливает trace context отправителя.
func ExtractContext(ctx context.Context, message *sarama.ConsumerMessage) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, ConsumerHeaderCarrier(message.Headers))
}

// injectHeaders добавляет trace context текущего span в заголовки исходящего сообщения.
func injectHeaders(ctx context.Context, headers []sarama.RecordHeader) []sarama.RecordHeader {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}
