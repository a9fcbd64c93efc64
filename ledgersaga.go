// Package ledgersaga собирает движок саг для автоматизации учетных
// документов: шлюз риска, оркестратор, хранилище, claims, события,
// очередь решений и фоновый откат.
//
// Пример использования:
//
//	cfg, _ := config.Load("ledgersaga.yaml")
//	engine, err := ledgersaga.New(ctx, cfg,
//	    ledgersaga.WithTarget("quickbooks", qbClient, invoke.ProfileExternalAPI))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop(ctx)
//	outcome, err := engine.Orchestrator().Submit(ctx, plan, emailID)
package ledgersaga

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/akriventsev/ledgersaga/framework/config"
	fwcontainer "github.com/akriventsev/ledgersaga/framework/container"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/metrics"
	"github.com/akriventsev/ledgersaga/framework/observability"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
	"github.com/akriventsev/ledgersaga/internal/container"
)

// Version версия движка
const Version = "0.3.0"

type options struct {
	logger        *logger.Logger
	targets       []registration
	notifier      saga.ApprovalNotifier
	contextLoader risk.ContextLoader
}

type registration struct {
	name    string
	system  saga.TargetSystem
	profile string
}

// Option настраивает Engine
type Option func(*options)

// WithLogger задает логгер вместо создаваемого по конфигурации
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTarget регистрирует целевую систему с профилем повторов
// (invoke.ProfileExternalAPI, invoke.ProfileDatabase)
func WithTarget(name string, system saga.TargetSystem, profile string) Option {
	return func(o *options) {
		o.targets = append(o.targets, registration{name: name, system: system, profile: profile})
	}
}

// WithNotifier задает получателя запросов на утверждение
func WithNotifier(n saga.ApprovalNotifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithContextLoader задает загрузчик контекста риска для шагов без него
func WithContextLoader(l risk.ContextLoader) Option {
	return func(o *options) { o.contextLoader = l }
}

// Engine движок саг с зависимостями
type Engine struct {
	cfg        *config.Config
	log        *logger.Logger
	resources  *container.Resources
	components *fwcontainer.Container
	health     *observability.Health
	gate       *risk.Gate
	orch       *saga.Orchestrator
	sweeper    *saga.Sweeper
}

// New собирает движок по конфигурации. Компоненты запускаются в Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.New(cfg.Service, os.Stderr).WithLevel(cfg.Log.Level)
	}

	e := &Engine{
		cfg:        cfg,
		log:        o.logger,
		components: fwcontainer.NewContainer(&fwcontainer.Config{Logger: o.logger}),
		health:     observability.NewHealth(),
	}
	if err := e.build(ctx, o); err != nil {
		_ = e.components.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o *options) error {
	cfg := e.cfg

	tracing, err := observability.NewTracingManager(ctx, observability.TracingConfig{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.Service,
		ServiceVersion:   Version,
		Exporter:         cfg.Tracing.Exporter,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:     cfg.Tracing.SamplingRate,
		Environment:      cfg.Tracing.Environment,
	})
	if err != nil {
		return err
	}
	if err := e.components.Register(tracing); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		setup, err := metrics.SetupMetrics(&metrics.MetricsConfig{
			ExporterType:  "prometheus",
			ResourceAttrs: map[string]string{"service.name": cfg.Service, "service.version": Version},
		})
		if err != nil {
			return core.Wrap(err, core.ErrInvalidConfig, "failed to set up metrics")
		}
		e.components.OnShutdown(func() error { return setup.Shutdown(context.Background()) })
		if m, err = metrics.NewMetricsWithMeter(setup.Provider.Meter(metrics.MeterName)); err != nil {
			return err
		}
		if err := e.components.Register(newHTTPServer(cfg.Metrics.Addr, setup.Handler(), e.health, e.log)); err != nil {
			return err
		}
	}

	res, err := container.Build(ctx, cfg, e.log)
	if err != nil {
		return err
	}
	e.resources = res
	e.components.OnShutdown(res.Close)
	if res.DB != nil {
		e.health.Register(observability.NewDatabaseHealthCheck(res.DB))
	}
	if res.Redis != nil {
		e.health.Register(observability.NewRedisHealthCheck(res.Redis))
	}

	gateOpts := []risk.GateOption{risk.WithGateLogger(e.log), risk.WithGateMetrics(m)}
	if o.contextLoader != nil {
		gateOpts = append(gateOpts, risk.WithContextLoader(o.contextLoader))
	}
	if e.gate, err = risk.NewGate(ctx, res.Policy, gateOpts...); err != nil {
		return err
	}
	if cfg.Policy.Watch {
		watcher := risk.NewPolicyWatcher(e.gate, cfg.Policy.File, cfg.Policy.Debounce, e.log)
		if err := e.components.Register(watcher); err != nil {
			return err
		}
	}

	targets := saga.NewTargetRegistry()
	for _, r := range o.targets {
		targets.Register(r.name, r.system, r.profile)
	}
	e.orch = saga.NewOrchestrator(res.Store, e.gate, targets).
		WithClaimer(res.Claimer).
		WithPublisher(res.Publisher).
		WithMetrics(m).
		WithLogger(e.log).
		WithTracer(tracing.Tracer()).
		WithClaimTTL(cfg.Claim.TTL)
	if cfg.Claim.Owner != "" {
		e.orch.WithOwner(cfg.Claim.Owner)
	}
	if o.notifier != nil {
		e.orch.WithNotifier(o.notifier)
	}

	if res.Decisions != nil {
		if err := e.components.Register(saga.NewDecisionConsumer(res.Decisions, e.orch)); err != nil {
			return err
		}
	}

	e.sweeper = saga.NewSweeper(e.orch, saga.SweeperConfig{
		Schedule:    cfg.Sweeper.Schedule,
		BatchSize:   cfg.Sweeper.BatchSize,
		Parallelism: cfg.Sweeper.Parallelism,
	})
	if cfg.Sweeper.Enabled {
		if err := e.components.Register(e.sweeper); err != nil {
			return err
		}
	}

	for _, c := range e.components.Components() {
		if hc, ok := c.(core.HealthCheckable); ok {
			e.health.Register(observability.HealthCheckFunc{CheckName: c.Name(), Fn: hc.HealthCheck})
		}
	}
	return nil
}

// Start запускает наблюдение за политикой, consumer решений, sweeper и
// HTTP сервер метрик
func (e *Engine) Start(ctx context.Context) error {
	if err := e.components.Start(ctx); err != nil {
		return err
	}
	e.log.Infof("engine started", map[string]interface{}{
		"version": Version, "targets": e.orch.Targets().Names(),
	})
	return nil
}

// Stop останавливает компоненты и закрывает соединения
func (e *Engine) Stop(ctx context.Context) error {
	err := e.components.Shutdown(ctx)
	e.log.Info("engine stopped")
	return err
}

// Orchestrator возвращает оркестратор саг
func (e *Engine) Orchestrator() *saga.Orchestrator {
	return e.orch
}

// Gate возвращает шлюз риска
func (e *Engine) Gate() *risk.Gate {
	return e.gate
}

// Sweeper возвращает sweeper для ручного SweepOnce
func (e *Engine) Sweeper() *saga.Sweeper {
	return e.sweeper
}

// RegisterTarget регистрирует целевую систему после создания движка
func (e *Engine) RegisterTarget(name string, system saga.TargetSystem, profile string) {
	e.orch.Targets().Register(name, system, profile)
}

// Events возвращает in-memory bus для подписки на события, если он включен
func (e *Engine) Events() *events.InMemoryEventBus {
	return e.resources.Bus
}

// Health возвращает обработчик проверок состояния
func (e *Engine) Health() http.Handler {
	return e.health
}

// httpServer отдает /metrics и /healthz
type httpServer struct {
	addr string
	srv  *http.Server
	log  *logger.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newHTTPServer(addr string, metricsHandler, healthHandler http.Handler, log *logger.Logger) *httpServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/healthz", healthHandler)
	return &httpServer{
		addr: addr,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  log.WithComponent("http"),
	}
}

func (s *httpServer) Name() string {
	return "metrics-http"
}

func (s *httpServer) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

func (s *httpServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return core.Wrap(err, core.ErrInvalidConfig, "failed to listen on "+s.addr)
	}
	s.running = true
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("metrics server stopped")
		}
	}()
	s.log.Infof("metrics server listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.done
	s.mu.Unlock()

	err := s.srv.Shutdown(ctx)
	<-done
	return err
}

func (s *httpServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
