package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthCheck интерфейс для health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckResult результат health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Health набор проверок зависимостей процесса
type Health struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealth создает пустой набор проверок
func NewHealth() *Health {
	return &Health{timeout: 5 * time.Second}
}

// Register регистрирует проверку
func (h *Health) Register(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Run выполняет все проверки
func (h *Health) Run(ctx context.Context) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	result := HealthCheckResult{
		Status:    "healthy",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		cr := CheckResult{Status: "healthy", Duration: time.Since(start)}
		if err != nil {
			cr.Status = "unhealthy"
			cr.Message = err.Error()
			result.Status = "unhealthy"
		}
		result.Checks[check.Name()] = cr
	}
	return result
}

// ServeHTTP отдает результат проверок в JSON; 503 при любой неудаче
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result := h.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// DatabaseHealthCheck проверка подключения к БД
type DatabaseHealthCheck struct {
	db *sql.DB
}

// NewDatabaseHealthCheck создает новый DatabaseHealthCheck
func NewDatabaseHealthCheck(db *sql.DB) *DatabaseHealthCheck {
	return &DatabaseHealthCheck{db: db}
}

// Name возвращает имя проверки
func (h *DatabaseHealthCheck) Name() string {
	return "database"
}

// Check выполняет проверку
func (h *DatabaseHealthCheck) Check(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// RedisHealthCheck проверка Redis
type RedisHealthCheck struct {
	client redis.UniversalClient
}

// NewRedisHealthCheck создает новый RedisHealthCheck
func NewRedisHealthCheck(client redis.UniversalClient) *RedisHealthCheck {
	return &RedisHealthCheck{client: client}
}

// Name возвращает имя проверки
func (h *RedisHealthCheck) Name() string {
	return "redis"
}

// Check выполняет проверку
func (h *RedisHealthCheck) Check(ctx context.Context) error {
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// HealthCheckFunc адаптер функции к HealthCheck
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name возвращает имя проверки
func (h HealthCheckFunc) Name() string {
	return h.CheckName
}

// Check выполняет проверку
func (h HealthCheckFunc) Check(ctx context.Context) error {
	return h.Fn(ctx)
}
