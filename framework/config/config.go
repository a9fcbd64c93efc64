// Package config загружает конфигурацию движка: YAML файл, затем
// переменные окружения LEDGERSAGA_*, затем валидация.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "LEDGERSAGA_"

// Config конфигурация процесса
type Config struct {
	Service   string          `yaml:"service" validate:"required"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Claim     ClaimConfig     `yaml:"claim"`
	Decisions DecisionsConfig `yaml:"decisions"`
	Policy    PolicyConfig    `yaml:"policy"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig уровень логирования
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// DatabaseConfig хранилище саг
type DatabaseConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory postgres"`
	DSN         string `yaml:"dsn" validate:"required_if=Driver postgres"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

// RedisConfig подключение к Redis
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// EventsConfig публикация событий жизненного цикла
type EventsConfig struct {
	Kind         string   `yaml:"kind" validate:"oneof=none inmemory redis nats kafka"`
	Prefix       string   `yaml:"prefix"`
	NATSURL      string   `yaml:"natsUrl" validate:"required_if=Kind nats"`
	KafkaBrokers []string `yaml:"kafkaBrokers" validate:"required_if=Kind kafka,dive,hostname_port"`
	// Fallback дублирует события в in-memory bus при сбое брокера
	Fallback bool `yaml:"fallback"`
}

// ClaimConfig эксклюзивные claims на саги
type ClaimConfig struct {
	Kind  string        `yaml:"kind" validate:"oneof=local redis postgres"`
	TTL   time.Duration `yaml:"ttl" validate:"gt=0"`
	Owner string        `yaml:"owner"`
}

// DecisionsConfig очередь решений по утверждению
type DecisionsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// RetryInterval период повторной доставки неподтвержденных решений
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// PolicyConfig источник политики риска
type PolicyConfig struct {
	File     string        `yaml:"file" validate:"required_if=Watch true"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
}

// SweeperConfig фоновый откат
type SweeperConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Schedule    string `yaml:"schedule" validate:"required_if=Enabled true"`
	BatchSize   int    `yaml:"batchSize" validate:"min=1"`
	Parallelism int    `yaml:"parallelism" validate:"min=1"`
}

// TracingConfig трассировка
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=stdout otlp zipkin none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" validate:"min=0,max=1"`
	Environment  string  `yaml:"environment"`
}

// MetricsConfig экспорт метрик
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// Default возвращает конфигурацию для одного процесса без внешних систем
func Default() *Config {
	return &Config{
		Service:  "ledgersaga",
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{Driver: "memory"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Events:   EventsConfig{Kind: "inmemory", Prefix: "ledgersaga.events"},
		Claim:    ClaimConfig{Kind: "local", TTL: 5 * time.Minute},
		Decisions: DecisionsConfig{
			Stream: "ledgersaga:decisions",
			Group:         "ledgersaga-engine",
			RetryInterval: 5 * time.Second,
		},
		Policy:  PolicyConfig{Debounce: 200 * time.Millisecond},
		Sweeper: SweeperConfig{Schedule: "@every 1m", BatchSize: 50, Parallelism: 4},
		Tracing: TracingConfig{Exporter: "stdout", SamplingRate: 1},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// Load читает YAML файл (если path не пуст), применяет окружение и
// проверяет результат
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to parse config file")
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv переопределяет поля переменными окружения LEDGERSAGA_*
func (c *Config) ApplyEnv() {
	c.Service = GetEnv(EnvPrefix+"SERVICE", c.Service)
	c.Log.Level = GetEnv(EnvPrefix+"LOG_LEVEL", c.Log.Level)

	c.Database.Driver = GetEnv(EnvPrefix+"DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = GetEnv(EnvPrefix+"DATABASE_DSN", c.Database.DSN)
	c.Database.AutoMigrate = GetEnvBool(EnvPrefix+"DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Redis.Addr = GetEnv(EnvPrefix+"REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetEnv(EnvPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt(EnvPrefix+"REDIS_DB", c.Redis.DB)

	c.Events.Kind = GetEnv(EnvPrefix+"EVENTS_KIND", c.Events.Kind)
	c.Events.Prefix = GetEnv(EnvPrefix+"EVENTS_PREFIX", c.Events.Prefix)
	c.Events.NATSURL = GetEnv(EnvPrefix+"EVENTS_NATS_URL", c.Events.NATSURL)
	c.Events.KafkaBrokers = GetEnvSlice(EnvPrefix+"EVENTS_KAFKA_BROKERS", c.Events.KafkaBrokers)
	c.Events.Fallback = GetEnvBool(EnvPrefix+"EVENTS_FALLBACK", c.Events.Fallback)

	c.Claim.Kind = GetEnv(EnvPrefix+"CLAIM_KIND", c.Claim.Kind)
	c.Claim.TTL = GetEnvDuration(EnvPrefix+"CLAIM_TTL", c.Claim.TTL)
	c.Claim.Owner = GetEnv(EnvPrefix+"CLAIM_OWNER", c.Claim.Owner)

	c.Decisions.Enabled = GetEnvBool(EnvPrefix+"DECISIONS_ENABLED", c.Decisions.Enabled)
	c.Decisions.Stream = GetEnv(EnvPrefix+"DECISIONS_STREAM", c.Decisions.Stream)
	c.Decisions.Group = GetEnv(EnvPrefix+"DECISIONS_GROUP", c.Decisions.Group)
	c.Decisions.Consumer = GetEnv(EnvPrefix+"DECISIONS_CONSUMER", c.Decisions.Consumer)
	c.Decisions.RetryInterval = GetEnvDuration(EnvPrefix+"DECISIONS_RETRY_INTERVAL", c.Decisions.RetryInterval)

	c.Policy.File = GetEnv(EnvPrefix+"POLICY_FILE", c.Policy.File)
	c.Policy.Watch = GetEnvBool(EnvPrefix+"POLICY_WATCH", c.Policy.Watch)
	c.Policy.Debounce = GetEnvDuration(EnvPrefix+"POLICY_DEBOUNCE", c.Policy.Debounce)

	c.Sweeper.Enabled = GetEnvBool(EnvPrefix+"SWEEPER_ENABLED", c.Sweeper.Enabled)
	c.Sweeper.Schedule = GetEnv(EnvPrefix+"SWEEPER_SCHEDULE", c.Sweeper.Schedule)
	c.Sweeper.BatchSize = GetEnvInt(EnvPrefix+"SWEEPER_BATCH_SIZE", c.Sweeper.BatchSize)
	c.Sweeper.Parallelism = GetEnvInt(EnvPrefix+"SWEEPER_PARALLELISM", c.Sweeper.Parallelism)

	c.Tracing.Enabled = GetEnvBool(EnvPrefix+"TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Exporter = GetEnv(EnvPrefix+"TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = GetEnv(EnvPrefix+"TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.SamplingRate = GetEnvFloat64(EnvPrefix+"TRACING_SAMPLING_RATE", c.Tracing.SamplingRate)
	c.Tracing.Environment = GetEnv(EnvPrefix+"TRACING_ENVIRONMENT", c.Tracing.Environment)

	c.Metrics.Enabled = GetEnvBool(EnvPrefix+"METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = GetEnv(EnvPrefix+"METRICS_ADDR", c.Metrics.Addr)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет теги полей и связи между секциями
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return core.Errorf(core.ErrInvalidConfig, "invalid config: %s", strings.Join(fields, ", "))
		}
		return core.Wrap(err, core.ErrInvalidConfig, "invalid config")
	}

	if c.NeedsRedis() && c.Redis.Addr == "" {
		return core.NewError(core.ErrInvalidConfig, "redis.addr is required for redis claims, events or decisions")
	}
	if c.Claim.Kind == "postgres" && c.Database.Driver != "postgres" {
		return core.NewError(core.ErrInvalidConfig, "postgres claims require the postgres database driver")
	}
	return nil
}

// NeedsRedis сообщает, использует ли конфигурация Redis
func (c *Config) NeedsRedis() bool {
	return c.Claim.Kind == "redis" || c.Events.Kind == "redis" || c.Decisions.Enabled
}
