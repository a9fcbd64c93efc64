package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Wildcard подписка на все типы событий
const Wildcard = "*"

// EventMiddleware middleware для событий
type EventMiddleware func(ctx context.Context, event Event, next func(ctx context.Context, event Event) error) error

// DeadLetterQueue интерфейс для dead letter queue
type DeadLetterQueue interface {
	Publish(ctx context.Context, event Event, reason string) error
}

// InMemoryEventBus синхронная шина событий в памяти.
// Обработчики вызываются последовательно в порядке подписки.
type InMemoryEventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]EventHandler
	middleware []EventMiddleware
	dlq        DeadLetterQueue
	stopped    bool
	wg         sync.WaitGroup
}

// NewInMemoryEventBus создает новую шину событий
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers: make(map[string][]EventHandler),
	}
}

// WithMiddleware добавляет middleware к шине
func (b *InMemoryEventBus) WithMiddleware(middleware EventMiddleware) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
	return b
}

// WithDeadLetterQueue устанавливает DLQ
func (b *InMemoryEventBus) WithDeadLetterQueue(dlq DeadLetterQueue) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = dlq
	return b
}

// Subscribe подписывается на тип события; Wildcard получает все события
func (b *InMemoryEventBus) Subscribe(eventType string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Publish публикует событие
func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is stopped")
	}
	b.wg.Add(1)
	handlers := make([]EventHandler, 0, len(b.handlers[event.EventType()])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	middleware := append([]EventMiddleware(nil), b.middleware...)
	dlq := b.dlq
	b.mu.RUnlock()
	defer b.wg.Done()

	deliver := func(ctx context.Context, event Event) error {
		var errs []error
		for _, h := range handlers {
			if err := h.Handle(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	// Применяем middleware
	next := deliver
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		prevNext := next
		next = func(ctx context.Context, event Event) error {
			return mw(ctx, event, prevNext)
		}
	}

	err := next(ctx, event)
	if err != nil && dlq != nil {
		_ = dlq.Publish(ctx, event, err.Error())
	}
	return err
}

// Shutdown останавливает шину и ждет активных публикаций
func (b *InMemoryEventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
