package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
)

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions []int32
	offsets    map[int32]offsetRange
	err        error
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if marker == sarama.OffsetOldest {
		return s.offsets[partition].oldest, nil
	}
	return s.offsets[partition].newest, nil
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) { return s.partitions, s.err }
func (s *stubOffsetClient) Close() error                       { return nil }

type published struct {
	topic   string
	key     string
	value   string
	headers map[string]string
}

type stubPublisher struct {
	sent []published
	err  error
}

func (s *stubPublisher) Publish(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, published{topic: topic, key: key, value: string(value), headers: headers})
	return nil
}

func consumerRecord(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(kafka.DLQMessage{
		OriginalTopic: kafka.TopicProductUpdated,
		OriginalKey:   "p-1",
		OriginalValue: `{"eventId":"e-1","productId":"p-1"}`,
		ErrorMessage:  "redis timeout",
		RetryCount:    3,
	})
	if err != nil {
		t.Fatalf("marshal consumer record: %v", err)
	}
	return &sarama.ConsumerMessage{Value: raw}
}

func outboxRecord(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(outbox.DeadLetter{
		OutboxID:      "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventTypeOrderStatusChanged,
		Payload:       json.RawMessage(`{"orderId":"order-1","status":"SHIPPED"}`),
		PublishError:  "broker unavailable",
		Attempts:      3,
	})
	if err != nil {
		t.Fatalf("marshal outbox record: %v", err)
	}
	return &sarama.ConsumerMessage{Value: raw}
}

func newTestReplayer(cfg config, client offsetClient, consumer sarama.Consumer, producer publisher) *replayer {
	if cfg.sourceTopic == "" {
		cfg.sourceTopic = kafka.TopicDeadLetterQueue
	}
	if cfg.limit == 0 {
		cfg.limit = defaultReplayLimit
	}
	if cfg.idleTimeout == 0 {
		cfg.idleTimeout = 200 * time.Millisecond
	}
	return &replayer{cfg: cfg, client: client, consumer: consumer, producer: producer, logger: log.WithField("test", "dlq-replay")}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-brokers", " b1:9092, ,b2:9092 ", "-execute", "-limit=5"}, func(string) string { return "" })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.brokers) != 2 || cfg.brokers[0] != "b1:9092" || cfg.brokers[1] != "b2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if !cfg.execute || cfg.limit != 5 || cfg.sourceTopic != kafka.TopicDeadLetterQueue {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cfg, err = parseConfig(nil, func(key string) string {
		if key == envKafkaBrokers {
			return "env-broker:9092"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.execute {
		t.Fatal("dry-run must be the default")
	}
	if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
		t.Fatalf("expected brokers from env, got %v", cfg.brokers)
	}
}

func TestParseConfig_ValidationErrors(t *testing.T) {
	noEnv := func(string) string { return "" }
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no brokers", args: nil, want: "kafka brokers are required"},
		{name: "empty topic", args: []string{"-brokers=b:9092", "-source-topic= "}, want: "source-topic is required"},
		{name: "zero limit", args: []string{"-brokers=b:9092", "-limit=0"}, want: "limit must be > 0"},
		{name: "zero idle", args: []string{"-brokers=b:9092", "-idle-timeout=0s"}, want: "idle-timeout must be > 0"},
		{name: "bad flag", args: []string{"-dry"}, want: "flag provided but not defined"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args, noEnv)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExtractReplayMessage_ConsumerRecord(t *testing.T) {
	got, err := extractReplayMessage(consumerRecord(t))
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if got.topic != kafka.TopicProductUpdated || got.key != "p-1" {
		t.Fatalf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}
	if string(got.value) != `{"eventId":"e-1","productId":"p-1"}` {
		t.Fatalf("unexpected value: %s", got.value)
	}
	if got.headers[kafka.HeaderRetryCount] != "0" {
		t.Fatalf("retry counter must be reset, got %v", got.headers)
	}
}

func TestExtractReplayMessage_OutboxRecord(t *testing.T) {
	got, err := extractReplayMessage(outboxRecord(t))
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if got.topic != kafka.TopicOrderEvents || got.key != "order-1" {
		t.Fatalf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}
	if string(got.value) != `{"orderId":"order-1","status":"SHIPPED"}` {
		t.Fatalf("original payload must be restored, got %s", got.value)
	}
	if got.headers[kafka.HeaderEventType] != domain.EventTypeOrderStatusChanged || got.headers[kafka.HeaderOutboxID] != "outbox-1" {
		t.Fatalf("unexpected headers: %v", got.headers)
	}
}

func TestExtractReplayMessage_NotReplayable(t *testing.T) {
	testCases := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "garbage"},
		{name: "unknown shape", value: `{"foo":"bar"}`},
		{name: "consumer record without value", value: `{"original_topic":"product-updated"}`},
		{name: "outbox record without payload", value: `{"outbox_id":"o-1","event_type":"order.created"}`},
		{name: "unroutable event", value: `{"outbox_id":"o-1","event_type":"cart.updated","payload":{}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(tc.value)})
			if !errors.Is(err, errNotReplayable) {
				t.Fatalf("expected errNotReplayable, got %v", err)
			}
		})
	}
}

func TestReplayer_DryRunDoesNotPublish(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(kafka.TopicDeadLetterQueue, 0, 0)
	pc.YieldMessage(consumerRecord(t))
	pc.YieldMessage(&sarama.ConsumerMessage{Value: []byte("garbage")})
	pc.YieldMessage(outboxRecord(t))

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	stats, err := newTestReplayer(config{}, client, consumer, nil).run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.scanned != 3 || stats.replayed != 2 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReplayer_ExecuteRepublishes(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition(kafka.TopicDeadLetterQueue, 0, 0).YieldMessage(consumerRecord(t))
	consumer.ExpectConsumePartition(kafka.TopicDeadLetterQueue, 1, 0).YieldMessage(outboxRecord(t))

	client := &stubOffsetClient{
		partitions: []int32{1, 0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 1}, 1: {oldest: 0, newest: 1}},
	}
	producer := &stubPublisher{}
	stats, err := newTestReplayer(config{execute: true}, client, consumer, producer).run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.replayed != 2 {
		t.Fatalf("expected 2 replayed messages, got %+v", stats)
	}
	if len(producer.sent) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(producer.sent))
	}
	// Партиции обходятся по возрастанию.
	if producer.sent[0].topic != kafka.TopicProductUpdated || producer.sent[1].topic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected publish order: %+v", producer.sent)
	}
}

func TestReplayer_RespectsLimit(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(kafka.TopicDeadLetterQueue, 0, 0)
	for i := 0; i < 3; i++ {
		pc.YieldMessage(consumerRecord(t))
	}

	client := &stubOffsetClient{
		partitions: []int32{0, 1},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 3}, 1: {oldest: 0, newest: 5}},
	}
	stats, err := newTestReplayer(config{limit: 2}, client, consumer, nil).run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.scanned != 2 {
		t.Fatalf("expected 2 scanned messages, got %+v", stats)
	}
}

func TestReplayer_EmptyPartitionIsSkipped(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 4, newest: 4}}}

	stats, err := newTestReplayer(config{}, client, consumer, nil).run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected nothing scanned, got %+v", stats)
	}
}

func TestReplayer_PublishErrorStopsReplay(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition(kafka.TopicDeadLetterQueue, 0, 0).YieldMessage(outboxRecord(t))

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	producer := &stubPublisher{err: errors.New("not enough replicas")}
	_, err := newTestReplayer(config{execute: true}, client, consumer, producer).run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not enough replicas") {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestReplayer_ExecuteRequiresProducer(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0}}
	if _, err := newTestReplayer(config{execute: true}, client, mocks.NewConsumer(t, nil), nil).run(context.Background()); err == nil {
		t.Fatal("expected error without producer in execute mode")
	}
}

func TestReplayer_PartitionsError(t *testing.T) {
	client := &stubOffsetClient{err: errors.New("metadata unavailable")}
	if _, err := newTestReplayer(config{}, client, mocks.NewConsumer(t, nil), nil).run(context.Background()); err == nil {
		t.Fatal("expected partitions error")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_REPLAY_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_REPLAY_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
