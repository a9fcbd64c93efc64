package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// SagaStore хранилище саг. Все изменения статуса и курсора выполняются
// как сравнение-с-обменом, поэтому параллельные исполнители не могут
// перескочить через шаг или выполнить недопустимый переход.
type SagaStore interface {
	// CreateSaga сохраняет новую сагу
	CreateSaga(ctx context.Context, saga *Saga) error
	// GetSaga загружает сагу; NOT_FOUND если ее нет
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)
	// SetStatus переводит сагу из from в to и проставляет метку времени.
	// Непустой errMsg сохраняется в Error.
	SetStatus(ctx context.Context, sagaID string, from, to SagaStatus, errMsg string) (*Saga, error)
	// AdvanceStep увеличивает курсор, если он равен expected; при достижении
	// TotalSteps сага становится completed
	AdvanceStep(ctx context.Context, sagaID string, expected int) (*Saga, error)
	// ReplaceSteps сохраняет состояние шагов
	ReplaceSteps(ctx context.Context, sagaID string, steps []StepDefinition) error
	// ListCompensating возвращает саги, ожидающие отката, старые первыми:
	// compensating и failed с примененными шагами. limit <= 0 снимает
	// ограничение.
	ListCompensating(ctx context.Context, limit int) ([]*Saga, error)
	// ListByDocument возвращает саги документа в порядке создания
	ListByDocument(ctx context.Context, emailID string) ([]*Saga, error)
}

// InMemoryStore реализация хранилища в памяти
type InMemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
	now   func() time.Time
}

// NewInMemoryStore создает хранилище в памяти
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas: make(map[string]*Saga),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *InMemoryStore) CreateSaga(ctx context.Context, saga *Saga) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sagas[saga.ID]; exists {
		return core.Errorf(core.ErrAlreadyExists, "saga %s already exists", saga.ID)
	}
	p.sagas[saga.ID] = saga.Clone()
	return nil
}

func (p *InMemoryStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	saga, exists := p.sagas[sagaID]
	if !exists {
		return nil, notFound(sagaID)
	}
	return saga.Clone(), nil
}

func (p *InMemoryStore) SetStatus(ctx context.Context, sagaID string, from, to SagaStatus, errMsg string) (*Saga, error) {
	if !CanTransition(from, to) {
		return nil, invalidTransition(sagaID, from, to)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	saga, exists := p.sagas[sagaID]
	if !exists {
		return nil, notFound(sagaID)
	}
	if saga.Status != from {
		return nil, invalidTransition(sagaID, saga.Status, to)
	}
	now := p.now()
	saga.Status = to
	stampFor(saga, to, now)
	if errMsg != "" {
		saga.Error = errMsg
	}
	saga.UpdatedAt = now
	return saga.Clone(), nil
}

func (p *InMemoryStore) AdvanceStep(ctx context.Context, sagaID string, expected int) (*Saga, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	saga, exists := p.sagas[sagaID]
	if !exists {
		return nil, notFound(sagaID)
	}
	if saga.Status != SagaStatusRunning || saga.CurrentStep != expected || saga.CurrentStep >= saga.TotalSteps {
		return nil, core.Errorf(core.ErrInvalidTransition,
			"saga %s: cannot advance step %d (status %s, current %d of %d)",
			sagaID, expected, saga.Status, saga.CurrentStep, saga.TotalSteps)
	}
	now := p.now()
	saga.CurrentStep++
	if saga.CurrentStep == saga.TotalSteps {
		saga.Status = SagaStatusCompleted
		stampFor(saga, SagaStatusCompleted, now)
	}
	saga.UpdatedAt = now
	return saga.Clone(), nil
}

func (p *InMemoryStore) ReplaceSteps(ctx context.Context, sagaID string, steps []StepDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	saga, exists := p.sagas[sagaID]
	if !exists {
		return notFound(sagaID)
	}
	if len(steps) != saga.TotalSteps {
		return core.Errorf(core.ErrInvalidPlan, "saga %s: steps are fixed at %d, got %d", sagaID, saga.TotalSteps, len(steps))
	}
	saga.Steps = cloneSteps(steps)
	saga.UpdatedAt = p.now()
	return nil
}

func (p *InMemoryStore) ListCompensating(ctx context.Context, limit int) ([]*Saga, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var result []*Saga
	for _, saga := range p.sagas {
		if saga.NeedsCompensation() {
			result = append(result, saga.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].FailedAt, result[j].FailedAt
		switch {
		case a == nil && b == nil:
			return result[i].ID < result[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (p *InMemoryStore) ListByDocument(ctx context.Context, emailID string) ([]*Saga, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var result []*Saga
	for _, saga := range p.sagas {
		if saga.EmailID == emailID {
			result = append(result, saga.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func notFound(sagaID string) error {
	return core.Errorf(core.ErrNotFound, "saga %s not found", sagaID)
}

func invalidTransition(sagaID string, from, to SagaStatus) error {
	return core.Errorf(core.ErrInvalidTransition, "saga %s: transition %s -> %s is not allowed", sagaID, from, to)
}
