package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// RedisStreamConfig конфигурация публикации в Redis Stream
type RedisStreamConfig struct {
	Stream string
	// MaxLen приблизительная длина stream (0 = без ограничений)
	MaxLen int64
	Logger *logger.Logger
}

// RedisStreamPublisher публикует события через XADD
type RedisStreamPublisher struct {
	client redis.UniversalClient
	config RedisStreamConfig
	retry  invoke.RetryOptions
}

// NewRedisStreamPublisher создает publisher поверх Redis Streams
func NewRedisStreamPublisher(client redis.UniversalClient, config RedisStreamConfig) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "redis client is required")
	}
	if config.Stream == "" {
		config.Stream = DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	log := config.Logger.WithComponent("redis-event-publisher")
	return &RedisStreamPublisher{client: client, config: config, retry: publishRetry(log)}, nil
}

// Name возвращает имя компонента
func (r *RedisStreamPublisher) Name() string {
	return "redis-event-publisher"
}

// Type возвращает тип компонента
func (r *RedisStreamPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish добавляет событие в stream. Поля записи: event_id, event_type,
// aggregate_id и envelope с JSON конвертом.
func (r *RedisStreamPublisher) Publish(ctx context.Context, event events.Event) error {
	data, err := events.Marshal(event)
	if err != nil {
		return core.Wrap(err, core.ErrInvalidPlan, "failed to serialize event")
	}
	args := &redis.XAddArgs{
		Stream: r.config.Stream,
		Values: map[string]interface{}{
			"event_id":     event.EventID(),
			"event_type":   event.EventType(),
			"aggregate_id": event.AggregateID(),
			"envelope":     string(data),
		},
	}
	if r.config.MaxLen > 0 {
		args.MaxLen = r.config.MaxLen
		args.Approx = true
	}

	err = invoke.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.client.XAdd(ctx, args).Err()
	})
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to publish event to redis stream")
	}
	return nil
}
