// Package container хранит зависимости процесса и управляет жизненным
// циклом компонентов.
package container

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// Container контейнер зависимостей и компонентов
type Container struct {
	// Конфигурация
	Config *Config

	mu           sync.RWMutex
	dependencies map[string]interface{}

	// Компоненты в порядке регистрации; запускаются в этом порядке,
	// останавливаются в обратном
	components []core.Component
	started    []core.Lifecycle
	closers    []func() error
}

// Config конфигурация контейнера
type Config struct {
	ShutdownTimeout time.Duration
	Logger          *logger.Logger
}

// NewContainer создает новый контейнер
func NewContainer(config *Config) *Container {
	if config == nil {
		config = &Config{}
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	return &Container{
		Config:       config,
		dependencies: make(map[string]interface{}),
	}
}

// Get[T] получает зависимость по ключу
func Get[T any](c *Container, key string) (T, error) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()

	dep, exists := c.dependencies[key]
	if !exists {
		return zero, core.Errorf(core.ErrNotFound, "dependency %s not found", key)
	}
	typed, ok := dep.(T)
	if !ok {
		return zero, core.Errorf(core.ErrInvalidConfig, "dependency %s has wrong type %T", key, dep)
	}
	return typed, nil
}

// Set[T] регистрирует зависимость
func Set[T any](c *Container, key string, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dependencies[key]; exists {
		return core.Errorf(core.ErrAlreadyExists, "dependency %s already registered", key)
	}
	c.dependencies[key] = value
	return nil
}

// Register добавляет компонент и регистрирует его как зависимость по имени
func (c *Container) Register(component core.Component) error {
	if err := Set[core.Component](c, component.Name(), component); err != nil {
		return err
	}
	c.mu.Lock()
	c.components = append(c.components, component)
	c.mu.Unlock()
	return nil
}

// OnShutdown добавляет функцию освобождения ресурса (соединения, клиенты).
// Вызывается после остановки компонентов, в обратном порядке.
func (c *Container) OnShutdown(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Components возвращает компоненты в порядке регистрации
func (c *Container) Components() []core.Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.Component(nil), c.components...)
}

// Start запускает компоненты с Lifecycle. При ошибке уже запущенные
// компоненты останавливаются.
func (c *Container) Start(ctx context.Context) error {
	for _, component := range c.Components() {
		lc, ok := component.(core.Lifecycle)
		if !ok || lc.IsRunning() {
			continue
		}
		if err := lc.Start(ctx); err != nil {
			c.Config.Logger.WithError(err).Errorf("component failed to start", map[string]interface{}{
				"component": component.Name(),
			})
			_ = c.stopStarted(ctx)
			return core.Wrap(err, core.CodeOf(err), "failed to start "+component.Name())
		}
		c.mu.Lock()
		c.started = append(c.started, lc)
		c.mu.Unlock()
		c.Config.Logger.Debugf("component started", map[string]interface{}{"component": component.Name()})
	}
	return nil
}

func (c *Container) stopStarted(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.started = nil
	c.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown останавливает компоненты и освобождает ресурсы. Ошибки
// собираются, остановка продолжается.
func (c *Container) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Config.ShutdownTimeout)
	defer cancel()

	errs := []error{c.stopStarted(ctx)}

	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
