package saga

import (
	"context"
	"sync"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// DecisionConsumer применяет решения из RedisDecisionQueue в фоне
type DecisionConsumer struct {
	queue   *RedisDecisionQueue
	handler DecisionHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
	failed  error
}

// NewDecisionConsumer создает consumer, применяющий решения через orch
func NewDecisionConsumer(queue *RedisDecisionQueue, orch *Orchestrator) *DecisionConsumer {
	return &DecisionConsumer{queue: queue, handler: orch.DecisionHandler()}
}

// Name возвращает имя компонента
func (c *DecisionConsumer) Name() string {
	return "decision-consumer"
}

// Type возвращает тип компонента
func (c *DecisionConsumer) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// Start создает consumer group и запускает чтение
func (c *DecisionConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.queue.ensureGroup(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan error, 1)
	c.running = true
	c.failed = nil
	go func() {
		err := c.queue.Consume(runCtx, c.handler)
		c.mu.Lock()
		if c.running && err != nil {
			c.running = false
			c.failed = err
		}
		c.mu.Unlock()
		c.done <- err
	}()
	return nil
}

// Stop останавливает чтение и ждет завершения текущего решения
func (c *DecisionConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли consumer
func (c *DecisionConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// HealthCheck сообщает об ошибке, если чтение остановилось само
func (c *DecisionConsumer) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return core.Wrap(c.failed, core.CodeOf(c.failed), "decision consumer stopped")
	}
	return nil
}
