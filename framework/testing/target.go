package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/saga"
)

// Call вызов целевой системы
type Call struct {
	ActionType action.Type
	ExternalID string
}

// MemoryTarget целевая система в памяти с управляемыми сбоями.
// ExternalID имеет вид {name}-{action}-{n}.
type MemoryTarget struct {
	name string

	mu          sync.Mutex
	seq         int
	executed    []Call
	compensated []Call
	fail        map[action.Type]error
	failTimes   map[action.Type]int
	compFail    map[action.Type]error
}

// NewMemoryTarget создает MemoryTarget
func NewMemoryTarget(name string) *MemoryTarget {
	return &MemoryTarget{
		name:      name,
		fail:      make(map[action.Type]error),
		failTimes: make(map[action.Type]int),
		compFail:  make(map[action.Type]error),
	}
}

// Fail заставляет Execute для t всегда возвращать err
func (m *MemoryTarget) Fail(t action.Type, err error) *MemoryTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[t] = err
	return m
}

// FailTimes заставляет первые n вызовов Execute для t вернуть ошибку 503
func (m *MemoryTarget) FailTimes(t action.Type, n int) *MemoryTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTimes[t] = n
	return m
}

// FailCompensation заставляет Compensate для t возвращать err
func (m *MemoryTarget) FailCompensation(t action.Type, err error) *MemoryTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compFail[t] = err
	return m
}

// Execute реализует saga.TargetSystem
func (m *MemoryTarget) Execute(ctx context.Context, t action.Type, params action.Params) (saga.ExecuteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[t]; ok {
		return saga.ExecuteResult{}, err
	}
	if m.failTimes[t] > 0 {
		m.failTimes[t]--
		return saga.ExecuteResult{}, fmt.Errorf("503 service unavailable")
	}
	m.seq++
	call := Call{ActionType: t, ExternalID: fmt.Sprintf("%s-%s-%d", m.name, t, m.seq)}
	m.executed = append(m.executed, call)
	return saga.ExecuteResult{ExternalID: call.ExternalID}, nil
}

// Compensate реализует saga.TargetSystem
func (m *MemoryTarget) Compensate(ctx context.Context, t action.Type, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.compFail[t]; ok {
		return err
	}
	m.compensated = append(m.compensated, Call{ActionType: t, ExternalID: externalID})
	return nil
}

// Executed возвращает успешные вызовы Execute
func (m *MemoryTarget) Executed() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.executed...)
}

// Compensated возвращает успешные вызовы Compensate
func (m *MemoryTarget) Compensated() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.compensated...)
}

// EventRecorder запоминает события; подходит как EventPublisher и как
// EventHandler для InMemoryEventBus
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

// NewEventRecorder создает EventRecorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Publish реализует events.EventPublisher
func (r *EventRecorder) Publish(ctx context.Context, event events.Event) error {
	return r.Handle(ctx, event)
}

// Handle реализует events.EventHandler
func (r *EventRecorder) Handle(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Types возвращает типы событий в порядке получения
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

// ForAggregate возвращает события одной саги
func (r *EventRecorder) ForAggregate(id string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.AggregateID() == id {
			out = append(out, e)
		}
	}
	return out
}
