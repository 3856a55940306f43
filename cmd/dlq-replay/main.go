package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "MARKETPLACE_KAFKA_BROKERS"
)

// errNotReplayable помечает записи DLQ, из которых нельзя восстановить исходное сообщение.
var errNotReplayable = errors.New("dlq record is not replayable")

type config struct {
	brokers     []string
	sourceTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayMessage хранит исходное сообщение, восстановленное из записи DLQ.
type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

// publisher описывает часть kafka.Producer, нужную для повторной отправки.
type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type replayer struct {
	cfg      config
	client   offsetClient
	consumer sarama.Consumer
	producer publisher
	logger   *log.Entry
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

// parseConfig разбирает флаги. По умолчанию утилита только показывает кандидатов (dry-run).
func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "republish messages; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer consumer.Close()

	r := &replayer{
		cfg:      cfg,
		client:   client,
		consumer: consumer,
		logger:   log.WithField("component", "dlq-replay"),
	}
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producer.Close()
		r.producer = producer
	}

	_, err = r.run(ctx)
	return err
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.cfg.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	r.logger.WithFields(log.Fields{
		"source_topic": r.cfg.sourceTopic,
		"partitions":   len(partitions),
		"limit":        r.cfg.limit,
		"execute":      r.cfg.execute,
	}).Info("starting dlq replay")

	for _, partition := range partitions {
		remaining := r.cfg.limit - total.scanned
		if remaining <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, remaining)
		total.scanned += stats.scanned
		total.replayed += stats.replayed
		total.skipped += stats.skipped
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.cfg.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// replayPartition читает не больше limit сообщений, доступных на момент старта.
func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer pc.Close()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			if err := r.replayOne(ctx, msg); err != nil {
				if !errors.Is(err, errNotReplayable) {
					return stats, err
				}
				stats.skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip dlq record")
			} else {
				stats.replayed++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) replayOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	replay, err := extractReplayMessage(msg)
	if err != nil {
		return err
	}

	fields := log.Fields{
		"partition":    msg.Partition,
		"offset":       msg.Offset,
		"target_topic": replay.topic,
		"key":          replay.key,
	}
	if !r.cfg.execute {
		r.logger.WithFields(fields).Info("dlq replay candidate")
		return nil
	}
	if err := r.producer.Publish(ctx, replay.topic, replay.key, replay.value, replay.headers); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	r.logger.WithFields(fields).Info("dlq record replayed")
	return nil
}

// extractReplayMessage восстанавливает исходное сообщение. В DLQ пишут двое:
// consumer (kafka.DLQMessage с исходным топиком) и outbox worker (outbox.DeadLetter с типом события).
func extractReplayMessage(msg *sarama.ConsumerMessage) (replayMessage, error) {
	if dlq, err := kafka.ParseDLQMessage(msg); err == nil {
		if dlq.OriginalValue == "" {
			return replayMessage{}, fmt.Errorf("%w: consumer record without original value", errNotReplayable)
		}
		return replayMessage{
			topic:   dlq.OriginalTopic,
			key:     dlq.OriginalKey,
			value:   []byte(dlq.OriginalValue),
			headers: map[string]string{kafka.HeaderRetryCount: "0"},
		}, nil
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(msg.Value, &dead); err != nil {
		return replayMessage{}, fmt.Errorf("%w: %v", errNotReplayable, err)
	}
	if dead.EventType == "" || len(dead.Payload) == 0 {
		return replayMessage{}, fmt.Errorf("%w: unknown record format", errNotReplayable)
	}
	topic, err := kafka.TopicForEvent(dead.EventType)
	if err != nil {
		return replayMessage{}, fmt.Errorf("%w: %v", errNotReplayable, err)
	}

	key := dead.AggregateID
	if key == "" {
		key = dead.OutboxID
	}
	return replayMessage{
		topic: topic,
		key:   key,
		value: dead.Payload,
		headers: map[string]string{
			kafka.HeaderEventType: dead.EventType,
			kafka.HeaderOutboxID:  dead.OutboxID,
		},
	}, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
