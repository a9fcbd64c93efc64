package events

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// natsConn часть *nats.Conn, нужная publisher
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSConfig конфигурация NATS publisher
type NATSConfig struct {
	SubjectPrefix string
	// Flush ждет подтверждения сервера после каждой публикации
	Flush  bool
	Logger *logger.Logger
}

// NATSPublisher публикует события в subject вида {prefix}.{event_type}
type NATSPublisher struct {
	conn   natsConn
	config NATSConfig
	retry  invoke.RetryOptions
}

// NewNATSPublisher создает NATS publisher
func NewNATSPublisher(conn *nats.Conn, config NATSConfig) (*NATSPublisher, error) {
	if conn == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "NATS connection is required")
	}
	return newNATSPublisher(conn, config), nil
}

func newNATSPublisher(conn natsConn, config NATSConfig) *NATSPublisher {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	log := config.Logger.WithComponent("nats-event-publisher")
	return &NATSPublisher{conn: conn, config: config, retry: publishRetry(log)}
}

// Name возвращает имя компонента
func (n *NATSPublisher) Name() string {
	return "nats-event-publisher"
}

// Type возвращает тип компонента
func (n *NATSPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует событие
func (n *NATSPublisher) Publish(ctx context.Context, event events.Event) error {
	msg, err := n.message(event)
	if err != nil {
		return err
	}
	err = invoke.Do(ctx, n.retry, func(ctx context.Context) error {
		if err := n.conn.PublishMsg(msg); err != nil {
			return err
		}
		if n.config.Flush {
			return n.conn.FlushWithContext(ctx)
		}
		return nil
	})
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to publish event to NATS")
	}
	return nil
}

func (n *NATSPublisher) message(event events.Event) (*nats.Msg, error) {
	data, err := events.Marshal(event)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidPlan, "failed to serialize event")
	}
	msg := nats.NewMsg(n.subject(event))
	msg.Data = data
	msg.Header.Set("event_id", event.EventID())
	msg.Header.Set("event_type", event.EventType())
	msg.Header.Set("aggregate_id", event.AggregateID())
	if id := event.Metadata().CorrelationID(); id != "" {
		msg.Header.Set("correlation_id", id)
	}
	return msg, nil
}

// subject: точки в типе события сохраняются, что дает иерархию
// ledgersaga.events.saga.step.executed и подписку ledgersaga.events.saga.>
func (n *NATSPublisher) subject(event events.Event) string {
	return strings.TrimSuffix(n.config.SubjectPrefix, ".") + "." + event.EventType()
}
