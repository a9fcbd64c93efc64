// Package core предоставляет коды ошибок и интерфейсы компонентов,
// которыми управляет контейнер жизненного цикла.
package core

import "context"

// ComponentType тип компонента
type ComponentType string

const (
	// ComponentTypeAdapter издатели событий и прочие внешние подключения
	ComponentTypeAdapter ComponentType = "adapter"
	// ComponentTypeWorker фоновые циклы: sweeper, consumer решений, watcher политики
	ComponentTypeWorker ComponentType = "worker"
)

// Component именованная часть движка
type Component interface {
	Name() string
	Type() ComponentType
}

// Lifecycle компонент с фоновой работой. Start не блокирует; Stop ждет
// завершения текущей операции или отмены ctx.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// HealthCheckable компонент, сообщающий о своей работоспособности в /healthz
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}
