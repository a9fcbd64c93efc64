package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// messageWriter часть *kafka.Writer, нужная publisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig конфигурация Kafka publisher
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Compression string // none, gzip, snappy, lz4, zstd
	BatchSize   int
	// FlushInterval максимальное ожидание заполнения батча
	FlushInterval time.Duration
	Logger        *logger.Logger
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         DefaultPrefix,
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
	}
}

// KafkaPublisher пишет все события в один topic с ключом aggregate id.
// Hash-балансировка по ключу сохраняет порядок событий одной саги.
type KafkaPublisher struct {
	writer messageWriter
	config KafkaConfig
	retry  invoke.RetryOptions
}

// NewKafkaPublisher создает Kafka publisher
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, core.NewError(core.ErrInvalidConfig, "kafka brokers are required")
	}
	if config.Topic == "" {
		config.Topic = DefaultPrefix
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		Compression:  kafkaCompression(config.Compression),
		WriteTimeout: 10 * time.Second,
	}
	return newKafkaPublisher(writer, config), nil
}

func newKafkaPublisher(writer messageWriter, config KafkaConfig) *KafkaPublisher {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	log := config.Logger.WithComponent("kafka-event-publisher")
	return &KafkaPublisher{writer: writer, config: config, retry: publishRetry(log)}
}

func kafkaCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Name возвращает имя компонента
func (k *KafkaPublisher) Name() string {
	return "kafka-event-publisher"
}

// Type возвращает тип компонента
func (k *KafkaPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует событие
func (k *KafkaPublisher) Publish(ctx context.Context, event events.Event) error {
	msg, err := k.message(event)
	if err != nil {
		return err
	}
	err = invoke.Do(ctx, k.retry, func(ctx context.Context) error {
		return k.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to publish event to kafka")
	}
	return nil
}

func (k *KafkaPublisher) message(event events.Event) (kafka.Message, error) {
	data, err := events.Marshal(event)
	if err != nil {
		return kafka.Message{}, core.Wrap(err, core.ErrInvalidPlan, "failed to serialize event")
	}
	msg := kafka.Message{
		Key:   []byte(event.AggregateID()),
		Value: data,
		Time:  event.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID())},
			{Key: "event_type", Value: []byte(event.EventType())},
		},
	}
	if id := event.Metadata().CorrelationID(); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(id)})
	}
	return msg, nil
}

// Close закрывает writer
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
