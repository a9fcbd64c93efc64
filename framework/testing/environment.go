// Package testing предоставляет утилиты для тестирования приложений,
// встраивающих оркестратор саг: управляемую целевую систему, запись событий
// и готовую in-memory среду.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
)

// InMemoryTestEnvironment тестовая среда с готовыми in-memory компонентами
type InMemoryTestEnvironment struct {
	Store        *saga.InMemoryStore
	Gate         *risk.Gate
	Bus          *events.InMemoryEventBus
	Recorder     *EventRecorder
	Orchestrator *saga.Orchestrator
	Targets      map[string]*MemoryTarget
}

// FastRetry сокращает задержки пресета до миллисекунд
func FastRetry(base invoke.RetryOptions) invoke.RetryOptions {
	return base.With(
		invoke.WithDelays(time.Millisecond, 2*time.Millisecond),
		invoke.WithJitter(0),
		invoke.WithLogger(logger.Nop()),
	)
}

// NewInMemoryTestEnvironment создает среду с политикой policy (по умолчанию
// DefaultPolicy) и MemoryTarget для каждой из targets.
// Если сборка завершается с ошибкой, тест завершается с t.Fatalf
func NewInMemoryTestEnvironment(t testing.TB, policy *risk.Policy, targets ...string) *InMemoryTestEnvironment {
	t.Helper()
	if policy == nil {
		policy = risk.DefaultPolicy()
	}
	gate, err := risk.NewGate(context.Background(), risk.NewStaticSource(policy), risk.WithGateLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}

	env := &InMemoryTestEnvironment{
		Store:    saga.NewInMemoryStore(),
		Gate:     gate,
		Bus:      events.NewInMemoryEventBus(),
		Recorder: NewEventRecorder(),
		Targets:  make(map[string]*MemoryTarget, len(targets)),
	}
	if err := env.Bus.Subscribe(events.Wildcard, env.Recorder); err != nil {
		t.Fatalf("failed to subscribe recorder: %v", err)
	}

	registry := saga.NewTargetRegistry()
	for _, name := range targets {
		target := NewMemoryTarget(name)
		env.Targets[name] = target
		registry.RegisterWithOptions(name, target, FastRetry(invoke.ExternalAPIPreset()))
	}
	env.Orchestrator = saga.NewOrchestrator(env.Store, gate, registry).
		WithPublisher(env.Bus).
		WithLogger(logger.Nop()).
		WithDatabaseRetry(FastRetry(invoke.DatabasePreset()))
	return env
}

// Submit создает и продвигает сагу; ошибка завершает тест
func (e *InMemoryTestEnvironment) Submit(t testing.TB, plan saga.ActionPlan, emailID string) *saga.StepOutcome {
	t.Helper()
	out, err := e.Orchestrator.Submit(context.Background(), plan, emailID)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return out
}
