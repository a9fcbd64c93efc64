// Package container строит хранилище, claimer, publisher и источник
// политики по конфигурации.
package container

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	eventadapters "github.com/akriventsev/ledgersaga/framework/adapters/events"
	"github.com/akriventsev/ledgersaga/framework/config"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/migrations"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
)

// Resources внешние зависимости движка
type Resources struct {
	DB        *sql.DB
	Redis     redis.UniversalClient
	Store     saga.SagaStore
	Claimer   saga.Claimer
	Publisher events.EventPublisher
	// Bus задан, если события идут в in-memory bus (kind inmemory или fallback)
	Bus       *events.InMemoryEventBus
	Decisions *saga.RedisDecisionQueue
	Policy    risk.PolicySource

	closers []func() error
}

// Close закрывает соединения в обратном порядке открытия
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Resources) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Build открывает все зависимости по конфигурации. При ошибке уже
// открытые соединения закрываются.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Resources, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Resources{}
	if err := r.build(ctx, cfg, log); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Resources) build(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := OpenDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	if db != nil {
		r.DB = db
		r.onClose(db.Close)
	}

	if cfg.NeedsRedis() {
		r.Redis = NewRedisClient(cfg.Redis)
		r.onClose(r.Redis.Close)
	}

	r.Store = NewStore(r.DB)
	if r.Claimer, err = NewClaimer(cfg.Claim, r.DB, r.Redis); err != nil {
		return err
	}

	publisher, bus, closer, err := NewPublisher(ctx, cfg, r.Redis, log)
	if err != nil {
		return err
	}
	r.Publisher, r.Bus = publisher, bus
	if closer != nil {
		r.onClose(closer)
	}

	if cfg.Decisions.Enabled {
		r.Decisions = NewDecisionQueue(cfg.Decisions, r.Redis, log)
	}
	r.Policy = NewPolicySource(cfg.Policy)
	return nil
}

// OpenDatabase открывает PostgreSQL для драйвера postgres и применяет
// миграции при AutoMigrate. Для memory возвращает nil.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*sql.DB, error) {
	if cfg.Driver != "postgres" {
		return nil, nil
	}
	db, err := saga.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, 0); err != nil {
			_ = db.Close()
			return nil, core.Wrap(err, core.ErrDatabase, "failed to apply migrations")
		}
		log.Info("database migrations applied")
	}
	return db, nil
}

// NewRedisClient создает клиент Redis
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewStore возвращает PostgresStore при открытой базе, иначе InMemoryStore
func NewStore(db *sql.DB) saga.SagaStore {
	if db != nil {
		return saga.NewPostgresStore(db)
	}
	return saga.NewInMemoryStore()
}

// NewClaimer создает claimer выбранного типа
func NewClaimer(cfg config.ClaimConfig, db *sql.DB, rdb redis.UniversalClient) (saga.Claimer, error) {
	switch cfg.Kind {
	case "", "local":
		return saga.NewLocalClaimer(), nil
	case "redis":
		if rdb == nil {
			return nil, core.NewError(core.ErrInvalidConfig, "redis claimer requires a redis client")
		}
		return saga.NewRedisClaimer(rdb, ""), nil
	case "postgres":
		if db == nil {
			return nil, core.NewError(core.ErrInvalidConfig, "postgres claimer requires a database")
		}
		return saga.NewPostgresClaimer(db), nil
	default:
		return nil, core.Errorf(core.ErrInvalidConfig, "unknown claim kind: %s", cfg.Kind)
	}
}

// NewPublisher создает publisher событий. Возвращает in-memory bus, если
// он используется, и функцию закрытия соединения брокера.
func NewPublisher(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, log *logger.Logger) (events.EventPublisher, *events.InMemoryEventBus, func() error, error) {
	ec := cfg.Events
	var (
		primary events.EventPublisher
		closer  func() error
	)
	switch ec.Kind {
	case eventadapters.KindNone:
		return events.NopPublisher{}, nil, nil, nil
	case "", eventadapters.KindInMemory:
		bus := newLocalBus(log)
		return bus, bus, func() error { return bus.Shutdown(context.WithoutCancel(ctx)) }, nil
	case eventadapters.KindRedis:
		if rdb == nil {
			return nil, nil, nil, core.NewError(core.ErrInvalidConfig, "redis events require a redis client")
		}
		pub, err := eventadapters.NewRedisStreamPublisher(rdb, eventadapters.RedisStreamConfig{
			Stream: ec.Prefix, MaxLen: 100000, Logger: log,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		primary = pub
	case eventadapters.KindNATS:
		conn, err := nats.Connect(ec.NATSURL, nats.Name(cfg.Service), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, nil, core.Wrap(err, core.ErrInvalidConfig, "failed to connect to NATS")
		}
		pub, err := eventadapters.NewNATSPublisher(conn, eventadapters.NATSConfig{SubjectPrefix: ec.Prefix, Logger: log})
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		primary = pub
		closer = conn.Drain
	case eventadapters.KindKafka:
		kc := eventadapters.DefaultKafkaConfig()
		kc.Brokers = ec.KafkaBrokers
		if ec.Prefix != "" {
			kc.Topic = ec.Prefix
		}
		kc.Logger = log
		pub, err := eventadapters.NewKafkaPublisher(kc)
		if err != nil {
			return nil, nil, nil, err
		}
		primary = pub
		closer = pub.Close
	default:
		return nil, nil, nil, core.Errorf(core.ErrInvalidConfig, "unknown events kind: %s", ec.Kind)
	}

	if !ec.Fallback {
		return primary, nil, closer, nil
	}
	bus := newLocalBus(log)
	fallbackCloser := func() error {
		errs := []error{bus.Shutdown(context.WithoutCancel(ctx))}
		if closer != nil {
			errs = append(errs, closer())
		}
		return errors.Join(errs...)
	}
	return eventadapters.NewFallbackPublisher(primary, bus, log), bus, fallbackCloser, nil
}

// NewDecisionQueue создает очередь решений поверх Redis Stream
func NewDecisionQueue(cfg config.DecisionsConfig, rdb redis.UniversalClient, log *logger.Logger) *saga.RedisDecisionQueue {
	return saga.NewRedisDecisionQueue(rdb, saga.RedisDecisionQueueConfig{
		Stream:        cfg.Stream,
		Group:         cfg.Group,
		Consumer:      cfg.Consumer,
		RetryInterval: cfg.RetryInterval,
	}, log)
}

// NewPolicySource возвращает FileSource для заданного файла, иначе
// политику по умолчанию
func NewPolicySource(cfg config.PolicyConfig) risk.PolicySource {
	if cfg.File != "" {
		return risk.NewFileSource(cfg.File)
	}
	return risk.NewStaticSource(risk.DefaultPolicy())
}
