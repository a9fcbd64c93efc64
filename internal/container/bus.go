package container

import (
	"context"
	"time"

	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// newLocalBus создает in-memory шину с журналом доставки. Ошибки
// подписчиков попадают в deadLetterLog.
func newLocalBus(log *logger.Logger) *events.InMemoryEventBus {
	return events.NewInMemoryEventBus().
		WithMiddleware(logDelivery(log)).
		WithDeadLetterQueue(deadLetterLog{log: log})
}

func logDelivery(log *logger.Logger) events.EventMiddleware {
	return func(ctx context.Context, event events.Event, next func(context.Context, events.Event) error) error {
		start := time.Now()
		err := next(ctx, event)
		log.Debugf("event delivered", map[string]interface{}{
			"event_type":   event.EventType(),
			"aggregate_id": event.AggregateID(),
			"duration_ms":  time.Since(start).Milliseconds(),
			"failed":       err != nil,
		})
		return err
	}
}

// deadLetterLog журналирует события, которые не смог обработать подписчик
type deadLetterLog struct {
	log *logger.Logger
}

func (d deadLetterLog) Publish(_ context.Context, event events.Event, reason string) error {
	d.log.Errorf("event handler failed", map[string]interface{}{
		"event_id":     event.EventID(),
		"event_type":   event.EventType(),
		"aggregate_id": event.AggregateID(),
		"reason":       reason,
	})
	return nil
}
