// Package events предоставляет адаптеры для публикации событий саг во
// внешние брокеры: Redis Streams, NATS и Kafka.
package events

import (
	"context"
	"errors"

	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// Типы адаптеров
const (
	KindInMemory = "inmemory"
	KindRedis    = "redis"
	KindNATS     = "nats"
	KindKafka    = "kafka"
	KindNone     = "none"
)

// DefaultPrefix префикс subject/stream/topic по умолчанию
const DefaultPrefix = "ledgersaga.events"

// publishRetry политика повторов публикации: внешняя система с ограниченным
// числом попыток
func publishRetry(log *logger.Logger) invoke.RetryOptions {
	return invoke.ExternalAPIPreset().With(
		invoke.WithMaxAttempts(3),
		invoke.WithLogger(log),
		invoke.WithRetryableErrors("timeout", "connection", "eof", "no servers", "broken pipe",
			"leader not available", "not leader"),
	)
}

// CompositePublisher публикует событие во все publishers
type CompositePublisher struct {
	publishers []events.EventPublisher
}

// NewCompositePublisher создает composite publisher
func NewCompositePublisher(publishers ...events.EventPublisher) *CompositePublisher {
	return &CompositePublisher{publishers: publishers}
}

// Publish продолжает публикацию после ошибки и возвращает все ошибки
func (c *CompositePublisher) Publish(ctx context.Context, event events.Event) error {
	var errs []error
	for _, publisher := range c.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FallbackPublisher использует fallback при ошибках primary
type FallbackPublisher struct {
	primary  events.EventPublisher
	fallback events.EventPublisher
	log      *logger.Logger
}

// NewFallbackPublisher создает publisher с запасным адресатом
func NewFallbackPublisher(primary, fallback events.EventPublisher, log *logger.Logger) *FallbackPublisher {
	if log == nil {
		log = logger.Default()
	}
	return &FallbackPublisher{primary: primary, fallback: fallback, log: log}
}

// Publish публикует событие, используя fallback при ошибках
func (f *FallbackPublisher) Publish(ctx context.Context, event events.Event) error {
	err := f.primary.Publish(ctx, event)
	if err == nil {
		return nil
	}
	f.log.WithContext(ctx).WithError(err).Warnf("primary publisher failed, using fallback", map[string]interface{}{
		"event_type": event.EventType(),
	})
	return f.fallback.Publish(ctx, event)
}
