package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
)

// PolicyWatcher перезагружает политику шлюза при изменении файла
type PolicyWatcher struct {
	gate     *Gate
	path     string
	debounce time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// reloaded получает результат каждой перезагрузки; используется в тестах
	reloaded chan error
}

// NewPolicyWatcher создает наблюдатель за файлом политики
func NewPolicyWatcher(gate *Gate, path string, debounce time.Duration, log *logger.Logger) *PolicyWatcher {
	if log == nil {
		log = logger.Default()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &PolicyWatcher{
		gate:     gate,
		path:     filepath.Clean(path),
		debounce: debounce,
		log:      log.WithComponent("policy-watcher"),
	}
}

// Start запускает наблюдение. Следит за каталогом, так как редакторы
// заменяют файл переименованием.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(runCtx)
	return nil
}

// Stop останавливает наблюдение
func (w *PolicyWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.watcher.Close()
}

// Name возвращает имя компонента
func (w *PolicyWatcher) Name() string {
	return "policy-watcher"
}

// Type возвращает тип компонента
func (w *PolicyWatcher) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// IsRunning проверяет, запущен ли наблюдатель
func (w *PolicyWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *PolicyWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			err := w.gate.ReloadPolicy(ctx)
			if err != nil {
				w.log.WithError(err).Warnf("policy reload rejected, keeping active policy", map[string]interface{}{
					"path": w.path,
				})
			}
			if w.reloaded != nil {
				select {
				case w.reloaded <- err:
				default:
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("policy watcher error")
		}
	}
}
