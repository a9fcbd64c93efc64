package saga

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/metrics"
)

// SweeperConfig конфигурация фонового прохода компенсаций
type SweeperConfig struct {
	// Schedule выражение cron с секундами или дескриптор вида "@every 30s"
	Schedule string
	// BatchSize сколько саг брать за проход
	BatchSize int
	// Parallelism сколько саг откатывать одновременно
	Parallelism int
}

// DefaultSweeperConfig конфигурация по умолчанию
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Schedule: "@every 1m", BatchSize: 50, Parallelism: 4}
}

// SweepResult итог отката одной саги
type SweepResult struct {
	SagaID  string
	Outcome string
	Err     error
}

// Исходы прохода по саге
const (
	SweepCompensated = "compensated"
	SweepFailed      = "failed"
	SweepClaimed     = "claimed"
)

// Sweeper периодически доводит до конца откат саг, застрявших в compensating
type Sweeper struct {
	mu      sync.Mutex
	orch    *Orchestrator
	config  SweeperConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewSweeper создает Sweeper
func NewSweeper(orch *Orchestrator, config SweeperConfig) *Sweeper {
	def := DefaultSweeperConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Parallelism <= 0 {
		config.Parallelism = def.Parallelism
	}
	return &Sweeper{
		orch:    orch,
		config:  config,
		log:     orch.log.WithComponent("compensation-sweeper"),
		metrics: orch.metrics,
	}
}

// Name возвращает имя компонента
func (s *Sweeper) Name() string {
	return "compensation-sweeper"
}

// Type возвращает тип компонента
func (s *Sweeper) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// SweepOnce откатывает очередную партию саг. Результаты идут в порядке
// очереди: старые сбои первыми.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]SweepResult, error) {
	pending, err := s.orch.FindPendingCompensation(ctx, s.config.BatchSize)
	if err != nil {
		s.metrics.RecordSweep(ctx, "error")
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results := make([]SweepResult, len(pending))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for i, saga := range pending {
		i, saga := i, saga
		g.Go(func() error {
			results[i] = s.sweep(gCtx, saga.ID)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		s.metrics.RecordSweep(ctx, r.Outcome)
	}
	s.log.Infof("compensation sweep finished", map[string]interface{}{"sagas": len(results)})
	return results, nil
}

func (s *Sweeper) sweep(ctx context.Context, sagaID string) SweepResult {
	_, err := s.orch.Compensate(ctx, sagaID)
	switch {
	case err == nil:
		return SweepResult{SagaID: sagaID, Outcome: SweepCompensated}
	case core.HasCode(err, core.ErrClaimConflict):
		return SweepResult{SagaID: sagaID, Outcome: SweepClaimed, Err: err}
	default:
		s.log.WithError(err).Warnf("saga compensation still failing", map[string]interface{}{"saga_id": sagaID})
		return SweepResult{SagaID: sagaID, Outcome: SweepFailed, Err: err}
	}
}

// Start запускает проход по расписанию
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(sweepChain(cl)...),
	)
	if _, err := c.AddFunc(s.config.Schedule, func() {
		if runCtx.Err() != nil {
			return
		}
		if _, err := s.SweepOnce(runCtx); err != nil {
			s.log.WithError(err).Warn("compensation sweep failed")
		}
	}); err != nil {
		cancel()
		return core.Wrap(err, core.ErrInvalidConfig, "invalid sweeper schedule")
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.Infof("compensation sweeper started", map[string]interface{}{"schedule": s.config.Schedule})
	return nil
}

// Stop останавливает расписание и ждет текущий проход
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	done := s.cron.Stop()
	s.cancel()
	s.running = false
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли Sweeper
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// sweepChain пропускает запуск, пока предыдущий проход не завершен
func sweepChain(l cron.Logger) []cron.JobWrapper {
	return []cron.JobWrapper{cron.Recover(l), cron.SkipIfStillRunning(l)}
}

// cronLogger направляет журнал cron в logger.Logger
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debugf("cron: "+msg, cronFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithError(err).Errorf("cron: "+msg, cronFields(keysAndValues))
}

func cronFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return fields
}
