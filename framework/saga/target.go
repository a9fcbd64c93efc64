package saga

import (
	"context"
	"sort"
	"sync"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/invoke"
)

// ExecuteResult ответ внешней системы на примененное действие
type ExecuteResult struct {
	ExternalID string
	Data       map[string]interface{}
}

// TargetSystem внешняя учетная система
type TargetSystem interface {
	// Execute применяет действие и возвращает внешний идентификатор созданной записи
	Execute(ctx context.Context, actionType action.Type, params action.Params) (ExecuteResult, error)
	// Compensate применяет обратное действие к записи externalID
	Compensate(ctx context.Context, actionType action.Type, externalID string) error
}

// TargetFuncs адаптер функций к TargetSystem
type TargetFuncs struct {
	ExecuteFunc    func(ctx context.Context, actionType action.Type, params action.Params) (ExecuteResult, error)
	CompensateFunc func(ctx context.Context, actionType action.Type, externalID string) error
}

func (t TargetFuncs) Execute(ctx context.Context, actionType action.Type, params action.Params) (ExecuteResult, error) {
	if t.ExecuteFunc == nil {
		return ExecuteResult{}, core.Errorf(core.ErrTargetNotFound, "execute is not supported")
	}
	return t.ExecuteFunc(ctx, actionType, params)
}

func (t TargetFuncs) Compensate(ctx context.Context, actionType action.Type, externalID string) error {
	if t.CompensateFunc == nil {
		return core.Errorf(core.ErrTargetNotFound, "compensate is not supported")
	}
	return t.CompensateFunc(ctx, actionType, externalID)
}

// RegisteredTarget система вместе с политикой повторов ее вызовов
type RegisteredTarget struct {
	Name   string
	System TargetSystem
	Retry  invoke.RetryOptions
}

// TargetRegistry реестр внешних систем по имени
type TargetRegistry struct {
	mu      sync.RWMutex
	targets map[string]RegisteredTarget
}

// NewTargetRegistry создает пустой реестр
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{targets: make(map[string]RegisteredTarget)}
}

// Register регистрирует систему с профилем повторов (external_api, llm, database)
func (r *TargetRegistry) Register(name string, system TargetSystem, profile string) {
	r.RegisterWithOptions(name, system, invoke.Preset(profile))
}

// RegisterWithOptions регистрирует систему с явной политикой повторов
func (r *TargetRegistry) RegisterWithOptions(name string, system TargetSystem, retry invoke.RetryOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retry.Name == "" {
		retry.Name = name
	}
	r.targets[name] = RegisteredTarget{Name: name, System: system, Retry: retry}
}

// Get возвращает систему; TARGET_NOT_FOUND если она не зарегистрирована
func (r *TargetRegistry) Get(name string) (RegisteredTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	if !ok {
		return RegisteredTarget{}, core.Errorf(core.ErrTargetNotFound, "target system %q is not registered", name)
	}
	return t, nil
}

// Names возвращает имена зарегистрированных систем
func (r *TargetRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
