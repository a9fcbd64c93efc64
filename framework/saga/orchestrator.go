package saga

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/metrics"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

const tracerName = "github.com/akriventsev/ledgersaga/framework/saga"

// DefaultClaimTTL время жизни захвата саги по умолчанию
const DefaultClaimTTL = 5 * time.Minute

// Validator проверяет план перед исполнением шага. Реализуется risk.Gate.
type Validator interface {
	Validate(ctx context.Context, plan []risk.ProposedAction, client risk.Client, opts ...risk.ValidateOption) (*risk.ValidationResult, error)
}

// StepOutcome результат одного продвижения саги
type StepOutcome struct {
	Saga             *Saga
	StepIndex        int
	Executed         bool
	AwaitingApproval bool
	Assessment       *risk.Assessment
	Validation       *risk.ValidationResult
	// Compensation заполняется, если шаг привел к откату
	Compensation *CompensationReport
}

// CompensationReport результат прохода компенсации
type CompensationReport struct {
	SagaID string
	// Compensated индексы шагов, откаченных в этом проходе, в порядке отката
	Compensated []int
	// Skipped шаги без обратной операции, признанные политикой
	Skipped []int
	// FailedStep индекс шага, на котором откат остановился, или -1
	FailedStep int
	Err        error
	Saga       *Saga
}

// Orchestrator движок саг: исполняет шаги через шлюз рисков и реестр
// внешних систем, ведет курсор и откатывает примененные шаги при сбое.
type Orchestrator struct {
	store     SagaStore
	gate      Validator
	targets   *TargetRegistry
	claimer   Claimer
	publisher events.EventPublisher
	notifier  ApprovalNotifier
	metrics   *metrics.Metrics
	log       *logger.Logger
	tracer    trace.Tracer
	owner     string
	claimTTL  time.Duration
	dbRetry   invoke.RetryOptions
	now       func() time.Time
}

// NewOrchestrator создает оркестратор
func NewOrchestrator(store SagaStore, gate Validator, targets *TargetRegistry) *Orchestrator {
	if targets == nil {
		targets = NewTargetRegistry()
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		store:     store,
		gate:      gate,
		targets:   targets,
		claimer:   NewLocalClaimer(),
		publisher: events.NopPublisher{},
		log:       logger.Nop(),
		tracer:    otel.Tracer(tracerName),
		owner:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8]),
		claimTTL:  DefaultClaimTTL,
		dbRetry:   invoke.DatabasePreset(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClaimer устанавливает механизм захвата саг
func (o *Orchestrator) WithClaimer(c Claimer) *Orchestrator {
	o.claimer = c
	return o
}

// WithPublisher устанавливает публикатор событий жизненного цикла
func (o *Orchestrator) WithPublisher(p events.EventPublisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithNotifier устанавливает уведомителя об одобрениях
func (o *Orchestrator) WithNotifier(n ApprovalNotifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithMetrics добавляет метрики к оркестратору
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithLogger устанавливает логгер
func (o *Orchestrator) WithLogger(l *logger.Logger) *Orchestrator {
	o.log = l.WithComponent("saga-orchestrator")
	return o
}

// WithTracer устанавливает трейсер
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithOwner задает имя исполнителя для захватов
func (o *Orchestrator) WithOwner(owner string) *Orchestrator {
	o.owner = owner
	return o
}

// WithClaimTTL задает время жизни захвата
func (o *Orchestrator) WithClaimTTL(ttl time.Duration) *Orchestrator {
	o.claimTTL = ttl
	return o
}

// WithDatabaseRetry задает политику повторов записи в хранилище
func (o *Orchestrator) WithDatabaseRetry(opts invoke.RetryOptions) *Orchestrator {
	o.dbRetry = opts
	return o
}

// WithClock подменяет источник времени
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Targets возвращает реестр внешних систем
func (o *Orchestrator) Targets() *TargetRegistry {
	return o.targets
}

// Create сохраняет новую сагу в статусе pending. Шаги фиксируются планом.
func (o *Orchestrator) Create(ctx context.Context, plan ActionPlan, emailID string) (*Saga, error) {
	if len(plan.Steps) == 0 {
		return nil, core.NewError(core.ErrInvalidPlan, "action plan has no steps")
	}
	steps := make([]StepDefinition, len(plan.Steps))
	for i, st := range plan.Steps {
		if st.ActionType == "" || st.TargetSystem == "" {
			return nil, core.Errorf(core.ErrInvalidPlan, "step %d: action type and target system are required", i)
		}
		steps[i] = StepDefinition{
			ActionType:   st.ActionType,
			TargetSystem: st.TargetSystem,
			Parameters:   cloneMap(st.Parameters),
		}
		if st.RiskContext != nil {
			rc := *st.RiskContext
			steps[i].RiskContext = &rc
		}
	}

	now := o.now()
	saga := &Saga{
		ID:         uuid.New().String(),
		EmailID:    emailID,
		Client:     plan.Client,
		Status:     SagaStatusPending,
		Steps:      steps,
		TotalSteps: len(steps),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	saga.Client.TargetSystems = append([]string(nil), plan.Client.TargetSystems...)

	if err := invoke.Do(ctx, o.dbRetry, func(ctx context.Context) error {
		return o.store.CreateSaga(ctx, saga)
	}); err != nil {
		return nil, err
	}
	o.metrics.RecordSagaTransition(ctx, string(SagaStatusPending))
	o.log.WithContext(ctx).Infof("saga created", map[string]interface{}{
		"saga_id":     saga.ID,
		"email_id":    emailID,
		"total_steps": saga.TotalSteps,
	})
	return saga.Clone(), nil
}

// Start переводит сагу из pending в running. NOT_FOUND, если pending саги нет.
func (o *Orchestrator) Start(ctx context.Context, sagaID string) (*Saga, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	saga, err := o.setStatus(ctx, sagaID, SagaStatusPending, SagaStatusRunning, "")
	if err != nil {
		if core.HasCode(err, core.ErrInvalidTransition) {
			return nil, core.Wrap(err, core.ErrNotFound, fmt.Sprintf("saga %s is not pending", sagaID))
		}
		return nil, err
	}
	o.publish(ctx, &SagaStartedEvent{
		BaseEvent:  newSagaEvent(EventSagaStarted, saga, invoke.ExtractCorrelationID(ctx)),
		EmailID:    saga.EmailID,
		TotalSteps: saga.TotalSteps,
	})
	return saga, nil
}

// ExecuteStep продвигает сагу на один шаг: проверяет шаг шлюзом, при
// необходимости ставит его на одобрение, иначе исполняет и сдвигает курсор.
// Сбой шага переводит сагу в failed и откатывает уже примененные шаги.
func (o *Orchestrator) ExecuteStep(ctx context.Context, sagaID string) (*StepOutcome, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.ExecuteStep", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	var out *StepOutcome
	err := o.withClaim(ctx, sagaID, func(ctx context.Context) error {
		saga, err := o.store.GetSaga(ctx, sagaID)
		if err != nil {
			return err
		}
		out, err = o.executeCurrent(ctx, saga, nil)
		return err
	})
	endSpan(span, out, err)
	return out, err
}

// Run исполняет шаги, пока сага не завершится, не упадет или не встанет на одобрение
func (o *Orchestrator) Run(ctx context.Context, sagaID string) (*StepOutcome, error) {
	for {
		out, err := o.ExecuteStep(ctx, sagaID)
		if err != nil {
			return out, err
		}
		if out.AwaitingApproval || out.Saga.Status != SagaStatusRunning {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
}

// Submit проверяет план целиком и, если он допустим, создает, запускает
// и исполняет сагу. Недопустимый план возвращает *PlanRejectedError.
func (o *Orchestrator) Submit(ctx context.Context, plan ActionPlan, emailID string) (*StepOutcome, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	result, err := o.gate.Validate(ctx, plan.Proposed(), plan.Client)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, &PlanRejectedError{Result: result}
	}
	saga, err := o.Create(ctx, plan, emailID)
	if err != nil {
		return nil, err
	}
	if _, err := o.Start(ctx, saga.ID); err != nil {
		return nil, err
	}
	return o.Run(ctx, saga.ID)
}

// Approve одобряет шаг, ожидающий решения, и сразу его исполняет
func (o *Orchestrator) Approve(ctx context.Context, sagaID string, stepIndex int, decidedBy string) (*StepOutcome, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.Approve", trace.WithAttributes(
		attribute.String("saga.id", sagaID), attribute.Int("saga.step_index", stepIndex)))
	defer span.End()

	var out *StepOutcome
	err := o.withClaim(ctx, sagaID, func(ctx context.Context) error {
		saga, err := o.store.GetSaga(ctx, sagaID)
		if err != nil {
			return err
		}
		step, err := pendingStep(saga, stepIndex)
		if err != nil {
			return err
		}
		now := o.now()
		step.Approval = ApprovalApproved
		step.DecidedBy = decidedBy
		step.DecidedAt = &now
		if err := o.persistSteps(ctx, saga); err != nil {
			return err
		}
		o.metrics.AddPendingApprovals(ctx, -1)
		o.log.WithContext(ctx).Infof("step approved", map[string]interface{}{
			"saga_id": sagaID, "step_index": stepIndex, "decided_by": decidedBy,
		})
		out, err = o.executeCurrent(ctx, saga, []risk.ValidateOption{risk.WithSkipRules(risk.RuleApprovalRequired)})
		return err
	})
	endSpan(span, out, err)
	return out, err
}

// Reject отклоняет шаг, ожидающий решения: сага падает, примененные шаги откатываются
func (o *Orchestrator) Reject(ctx context.Context, sagaID string, stepIndex int, reason, decidedBy string) (*StepOutcome, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.Reject", trace.WithAttributes(
		attribute.String("saga.id", sagaID), attribute.Int("saga.step_index", stepIndex)))
	defer span.End()

	if reason == "" {
		reason = "rejected by reviewer"
	}
	var out *StepOutcome
	err := o.withClaim(ctx, sagaID, func(ctx context.Context) error {
		saga, err := o.store.GetSaga(ctx, sagaID)
		if err != nil {
			return err
		}
		step, err := pendingStep(saga, stepIndex)
		if err != nil {
			return err
		}
		now := o.now()
		step.Approval = ApprovalRejected
		step.Decision = reason
		step.DecidedBy = decidedBy
		step.DecidedAt = &now
		o.metrics.AddPendingApprovals(ctx, -1)
		o.log.WithContext(ctx).Infof("step rejected", map[string]interface{}{
			"saga_id": sagaID, "step_index": stepIndex, "decided_by": decidedBy, "reason": reason,
		})
		failed, report, err := o.fail(ctx, saga, stepIndex, fmt.Sprintf("step %d rejected: %s", stepIndex, reason))
		out = &StepOutcome{Saga: failed, StepIndex: stepIndex, Assessment: step.Risk, Compensation: report}
		return err
	})
	endSpan(span, out, err)
	return out, err
}

// ApplyDecision применяет решение человека
func (o *Orchestrator) ApplyDecision(ctx context.Context, d Decision) (*StepOutcome, error) {
	if d.Approved {
		return o.Approve(ctx, d.SagaID, d.StepIndex, d.DecidedBy)
	}
	return o.Reject(ctx, d.SagaID, d.StepIndex, d.Reason, d.DecidedBy)
}

// DecisionHandler возвращает обработчик решений для очереди
func (o *Orchestrator) DecisionHandler() DecisionHandler {
	return func(ctx context.Context, d Decision) error {
		_, err := o.ApplyDecision(ctx, d)
		return err
	}
}

// ConsumeDecisions применяет решения из канала, пока он открыт и ctx не отменен.
// Ошибки отдельных решений логируются.
func (o *Orchestrator) ConsumeDecisions(ctx context.Context, decisions <-chan Decision) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			if _, err := o.ApplyDecision(ctx, d); err != nil {
				o.log.WithContext(ctx).WithError(err).Warnf("decision failed", map[string]interface{}{
					"saga_id": d.SagaID, "step_index": d.StepIndex, "approved": d.Approved,
				})
			}
		}
	}
}

// Compensate откатывает примененные шаги саги в статусе compensating в
// обратном порядке. Уже откаченные шаги пропускаются, поэтому вызов можно
// повторять. При сбое отката сага остается в compensating, а ошибка имеет
// код COMPENSATION_FAILED; отчет возвращается и в этом случае.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) (*CompensationReport, error) {
	ctx, _ = invoke.EnsureCorrelationID(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.Compensate", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	var report *CompensationReport
	err := o.withClaim(ctx, sagaID, func(ctx context.Context) error {
		saga, err := o.store.GetSaga(ctx, sagaID)
		if err != nil {
			return err
		}
		if !saga.NeedsCompensation() {
			return core.Errorf(core.ErrInvalidTransition, "saga %s is %s, not compensating", sagaID, saga.Status)
		}
		if saga.Status == SagaStatusFailed {
			if saga, err = o.beginCompensation(ctx, saga); err != nil {
				return err
			}
		}
		report, err = o.compensateClaimed(ctx, saga)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

// AdvanceStep сдвигает курсор после исполненного шага executedStep.
// Повторный вызов для уже пройденного шага возвращает текущее состояние.
func (o *Orchestrator) AdvanceStep(ctx context.Context, sagaID string, executedStep int) (*Saga, error) {
	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if saga.CurrentStep > executedStep {
		return saga, nil
	}
	step, ok := saga.Current()
	if !ok || saga.CurrentStep != executedStep || !step.Executed {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s: step %d has not been executed", sagaID, executedStep)
	}
	return o.advance(ctx, saga, executedStep)
}

// FindPendingCompensation возвращает саги, ожидающие отката, старые первыми
func (o *Orchestrator) FindPendingCompensation(ctx context.Context, limit int) ([]*Saga, error) {
	return o.store.ListCompensating(ctx, limit)
}

// Get возвращает сагу
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Saga, error) {
	return o.store.GetSaga(ctx, sagaID)
}

// ListByDocument возвращает саги документа
func (o *Orchestrator) ListByDocument(ctx context.Context, emailID string) ([]*Saga, error) {
	return o.store.ListByDocument(ctx, emailID)
}

func (o *Orchestrator) executeCurrent(ctx context.Context, saga *Saga, validateOpts []risk.ValidateOption) (*StepOutcome, error) {
	if saga.Status != SagaStatusRunning {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s is %s, not running", saga.ID, saga.Status)
	}
	index := saga.CurrentStep
	step, ok := saga.Current()
	if !ok {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s has no step at %d", saga.ID, index)
	}
	out := &StepOutcome{StepIndex: index}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("saga.step_index", index),
		attribute.String("saga.action_type", string(step.ActionType)))

	switch step.Approval {
	case ApprovalPending:
		out.Saga = saga
		out.AwaitingApproval = true
		out.Assessment = step.Risk
		return out, nil
	case ApprovalRejected:
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s: step %d was rejected", saga.ID, index)
	}

	result, err := o.validate(ctx, saga, validateOpts)
	if err != nil {
		o.log.WithContext(ctx).WithError(err).Errorf("step validation aborted", map[string]interface{}{
			"saga_id": saga.ID, "step_index": index,
		})
		return nil, err
	}
	out.Validation = result

	if issues := issuesFor(result.Errors, index); len(issues) > 0 {
		if index < len(result.Assessments) {
			a := result.Assessments[index]
			step.Risk = &a
		}
		step.LastError = joinIssues(issues)
		o.metrics.RecordStep(ctx, string(step.ActionType), "rejected", 0)
		failed, report, err := o.fail(ctx, saga, index, fmt.Sprintf("step %d failed validation: %s", index, step.LastError))
		out.Saga, out.Compensation = failed, report
		return out, err
	}

	assessment := result.Assessments[index]
	step.Risk = &assessment
	out.Assessment = &assessment

	if assessment.RequiresApproval && step.Approval != ApprovalApproved {
		return o.requestApproval(ctx, saga, index, out)
	}
	return o.execute(ctx, saga, index, out)
}

func (o *Orchestrator) validate(ctx context.Context, saga *Saga, opts []risk.ValidateOption) (*risk.ValidationResult, error) {
	retry := o.dbRetry.With(invoke.WithRetryableErrors(core.ErrDatabase))
	return invoke.WithRetry(ctx, retry, func(ctx context.Context) (*risk.ValidationResult, error) {
		return o.gate.Validate(ctx, saga.Proposed(), saga.Client, opts...)
	})
}

func (o *Orchestrator) requestApproval(ctx context.Context, saga *Saga, index int, out *StepOutcome) (*StepOutcome, error) {
	step := &saga.Steps[index]
	step.Approval = ApprovalPending
	if err := o.persistSteps(ctx, saga); err != nil {
		return nil, err
	}
	o.metrics.AddPendingApprovals(ctx, 1)
	o.metrics.RecordStep(ctx, string(step.ActionType), "awaiting_approval", 0)

	if o.notifier != nil {
		req := ApprovalRequest{
			SagaID:       saga.ID,
			EmailID:      saga.EmailID,
			StepIndex:    index,
			ActionType:   step.ActionType,
			TargetSystem: step.TargetSystem,
			Assessment:   *step.Risk,
			RequestedAt:  o.now(),
		}
		if err := o.notifier.NotifyApprovalRequired(ctx, req); err != nil {
			o.log.WithContext(ctx).WithError(err).Warnf("approval notification failed", map[string]interface{}{
				"saga_id": saga.ID, "step_index": index,
			})
		}
	}
	o.publish(ctx, &StepAwaitingApprovalEvent{
		BaseEvent:    newSagaEvent(EventStepAwaitingApproval, saga, invoke.ExtractCorrelationID(ctx)),
		StepIndex:    index,
		ActionType:   step.ActionType,
		TargetSystem: step.TargetSystem,
		Assessment:   step.Risk,
	})
	o.log.WithContext(ctx).Infof("step awaiting approval", map[string]interface{}{
		"saga_id":     saga.ID,
		"step_index":  index,
		"action_type": string(step.ActionType),
		"risk_level":  step.Risk.Level.String(),
		"risk_score":  step.Risk.Score,
	})

	out.Saga = saga
	out.AwaitingApproval = true
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, saga *Saga, index int, out *StepOutcome) (*StepOutcome, error) {
	step := &saga.Steps[index]
	started := time.Now()

	params, err := action.Decode(step.ActionType, step.Parameters)
	if err != nil {
		step.LastError = err.Error()
		failed, report, ferr := o.fail(ctx, saga, index, fmt.Sprintf("step %d: %v", index, err))
		out.Saga, out.Compensation = failed, report
		return out, ferr
	}
	target, err := o.targets.Get(step.TargetSystem)
	if err != nil {
		step.LastError = err.Error()
		o.metrics.RecordStep(ctx, string(step.ActionType), "failed", 0)
		failed, report, ferr := o.fail(ctx, saga, index, fmt.Sprintf("step %d: %v", index, err))
		out.Saga, out.Compensation = failed, report
		return out, ferr
	}

	retry := o.observedRetry(ctx, target.Retry, saga.ID, index)
	res, err := invoke.WithRetry(ctx, retry, func(ctx context.Context) (ExecuteResult, error) {
		return target.System.Execute(ctx, step.ActionType, params)
	})
	if err != nil {
		step.LastError = err.Error()
		o.metrics.RecordStep(ctx, string(step.ActionType), "failed", time.Since(started))
		failed, report, ferr := o.fail(ctx, saga, index,
			fmt.Sprintf("step %d (%s on %s) failed: %v", index, step.ActionType, step.TargetSystem, err))
		out.Saga, out.Compensation = failed, report
		return out, ferr
	}

	executedAt := o.now()
	step.Executed = true
	step.ExecutedAt = &executedAt
	step.ExternalID = res.ExternalID
	step.Result = res.Data
	step.LastError = ""

	// Курсор сдвигается только после того, как результат шага записан
	if err := o.persistSteps(ctx, saga); err != nil {
		o.log.WithContext(ctx).WithError(err).Errorf("executed step not recorded", map[string]interface{}{
			"saga_id": saga.ID, "step_index": index, "external_id": res.ExternalID,
		})
		return nil, err
	}
	o.metrics.RecordStep(ctx, string(step.ActionType), "executed", time.Since(started))
	o.publish(ctx, &StepExecutedEvent{
		BaseEvent:    newSagaEvent(EventStepExecuted, saga, invoke.ExtractCorrelationID(ctx)),
		StepIndex:    index,
		ActionType:   step.ActionType,
		TargetSystem: step.TargetSystem,
		ExternalID:   res.ExternalID,
	})

	updated, err := o.advance(ctx, saga, index)
	if err != nil {
		return nil, err
	}
	out.Saga = updated
	out.Executed = true
	return out, nil
}

// advance сдвигает курсор; повтор после потерянного ответа хранилища
// распознается по уже сдвинутому курсору
func (o *Orchestrator) advance(ctx context.Context, saga *Saga, index int) (*Saga, error) {
	updated, err := invoke.WithRetry(ctx, o.dbRetry, func(ctx context.Context) (*Saga, error) {
		return o.store.AdvanceStep(ctx, saga.ID, index)
	})
	if err != nil && core.HasCode(err, core.ErrInvalidTransition) {
		if current, getErr := o.store.GetSaga(ctx, saga.ID); getErr == nil && current.CurrentStep == index+1 {
			return current, nil
		}
	}
	if err != nil {
		return nil, err
	}
	o.log.WithContext(ctx).Infof("step executed", map[string]interface{}{
		"saga_id":      saga.ID,
		"step_index":   index,
		"current_step": updated.CurrentStep,
		"total_steps":  updated.TotalSteps,
	})
	if updated.Status == SagaStatusCompleted {
		o.metrics.RecordSagaTransition(ctx, string(SagaStatusCompleted))
		o.publish(ctx, &SagaCompletedEvent{
			BaseEvent:     newSagaEvent(EventSagaCompleted, updated, invoke.ExtractCorrelationID(ctx)),
			EmailID:       updated.EmailID,
			StepsExecuted: updated.CurrentStep,
		})
		o.log.WithContext(ctx).Infof("saga completed", map[string]interface{}{"saga_id": updated.ID})
	}
	return updated, nil
}

// fail переводит сагу в failed и, если есть примененные шаги, сразу
// запускает компенсацию. Незавершенный откат остается для повторного прохода.
func (o *Orchestrator) fail(ctx context.Context, saga *Saga, index int, reason string) (*Saga, *CompensationReport, error) {
	if err := o.persistSteps(ctx, saga); err != nil {
		return nil, nil, err
	}
	failed, err := o.setStatus(ctx, saga.ID, SagaStatusRunning, SagaStatusFailed, reason)
	if err != nil {
		return nil, nil, err
	}
	o.publish(ctx, &SagaFailedEvent{
		BaseEvent:  newSagaEvent(EventSagaFailed, failed, invoke.ExtractCorrelationID(ctx)),
		EmailID:    failed.EmailID,
		FailedStep: index,
		Error:      reason,
	})
	o.log.WithContext(ctx).Errorf("saga failed", map[string]interface{}{
		"saga_id": failed.ID, "step_index": index, "error": reason,
	})
	if failed.CurrentStep == 0 {
		return failed, nil, nil
	}

	compensating, err := o.beginCompensation(ctx, failed)
	if err != nil {
		// failed с примененными шагами остается в очереди sweeper
		o.log.WithContext(ctx).WithError(err).Errorf("saga compensation handoff failed", map[string]interface{}{
			"saga_id": failed.ID,
		})
		return failed, nil, err
	}
	// Незавершенный откат продолжит sweeper; причина остается в report.Err
	report, _ := o.compensateClaimed(ctx, compensating)
	return report.Saga, report, nil
}

// beginCompensation переводит failed сагу с примененными шагами в compensating
func (o *Orchestrator) beginCompensation(ctx context.Context, saga *Saga) (*Saga, error) {
	compensating, err := o.setStatus(ctx, saga.ID, SagaStatusFailed, SagaStatusCompensating, "")
	if err != nil {
		return nil, err
	}
	o.publish(ctx, &SagaCompensatingEvent{
		BaseEvent:         newSagaEvent(EventSagaCompensating, compensating, invoke.ExtractCorrelationID(ctx)),
		StepsToCompensate: compensating.CurrentStep,
	})
	return compensating, nil
}

func (o *Orchestrator) compensateClaimed(ctx context.Context, saga *Saga) (*CompensationReport, error) {
	report := &CompensationReport{SagaID: saga.ID, FailedStep: -1, Saga: saga}

	for i := saga.CurrentStep - 1; i >= 0; i-- {
		step := &saga.Steps[i]
		if !step.Executed || step.Compensated || step.CompensationSkipped {
			continue
		}

		inverse, ok := action.Inverse(step.ActionType)
		if !ok {
			step.CompensationSkipped = true
			if err := o.persistSteps(ctx, saga); err != nil {
				report.Err = err
				return report, err
			}
			report.Skipped = append(report.Skipped, i)
			o.metrics.RecordCompensation(ctx, string(step.ActionType), "skipped")
			o.publish(ctx, &StepCompensationEvent{
				BaseEvent:  newSagaEvent(EventStepCompensationSkipped, saga, invoke.ExtractCorrelationID(ctx)),
				StepIndex:  i,
				ActionType: step.ActionType,
				ExternalID: step.ExternalID,
			})
			o.log.WithContext(ctx).Warnf("step has no compensating operation", map[string]interface{}{
				"saga_id": saga.ID, "step_index": i, "action_type": string(step.ActionType),
			})
			continue
		}

		if err := o.compensateStep(ctx, saga, i, inverse); err != nil {
			step.CompensationError = err.Error()
			if perr := o.persistSteps(ctx, saga); perr != nil {
				o.log.WithContext(ctx).WithError(perr).Warn("failed to record compensation error")
			}
			report.FailedStep = i
			report.Err = core.Wrap(err, core.ErrCompensationFailed,
				fmt.Sprintf("compensation of step %d (%s) failed", i, step.ActionType))
			o.metrics.RecordCompensation(ctx, string(step.ActionType), "failed")
			o.publish(ctx, &StepCompensationEvent{
				BaseEvent:     newSagaEvent(EventStepCompensationFailed, saga, invoke.ExtractCorrelationID(ctx)),
				StepIndex:     i,
				ActionType:    step.ActionType,
				InverseAction: inverse,
				ExternalID:    step.ExternalID,
				Error:         err.Error(),
			})
			o.log.WithContext(ctx).WithError(err).Errorf("compensation failed", map[string]interface{}{
				"saga_id": saga.ID, "step_index": i, "action_type": string(step.ActionType),
			})
			return report, report.Err
		}

		now := o.now()
		step.Compensated = true
		step.CompensatedAt = &now
		step.CompensationError = ""
		if err := o.persistSteps(ctx, saga); err != nil {
			report.Err = err
			return report, err
		}
		report.Compensated = append(report.Compensated, i)
		o.metrics.RecordCompensation(ctx, string(step.ActionType), "compensated")
		o.publish(ctx, &StepCompensationEvent{
			BaseEvent:     newSagaEvent(EventStepCompensated, saga, invoke.ExtractCorrelationID(ctx)),
			StepIndex:     i,
			ActionType:    step.ActionType,
			InverseAction: inverse,
			ExternalID:    step.ExternalID,
		})
	}

	done, err := o.setStatus(ctx, saga.ID, SagaStatusCompensating, SagaStatusCompensated, "")
	if err != nil {
		report.Err = err
		return report, err
	}
	report.Saga = done
	o.publish(ctx, &SagaCompensatedEvent{
		BaseEvent:        newSagaEvent(EventSagaCompensated, done, invoke.ExtractCorrelationID(ctx)),
		CompensatedSteps: countSteps(done.Steps, func(s StepDefinition) bool { return s.Compensated }),
		SkippedSteps:     countSteps(done.Steps, func(s StepDefinition) bool { return s.CompensationSkipped }),
	})
	o.log.WithContext(ctx).Infof("saga compensated", map[string]interface{}{
		"saga_id": done.ID, "compensated": len(report.Compensated), "skipped": len(report.Skipped),
	})
	return report, nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, saga *Saga, index int, inverse action.Type) error {
	step := saga.Steps[index]
	target, err := o.targets.Get(step.TargetSystem)
	if err != nil {
		return err
	}
	retry := o.observedRetry(ctx, target.Retry, saga.ID, index)
	return invoke.Do(ctx, retry, func(ctx context.Context) error {
		return target.System.Compensate(ctx, inverse, step.ExternalID)
	})
}

func (o *Orchestrator) setStatus(ctx context.Context, sagaID string, from, to SagaStatus, errMsg string) (*Saga, error) {
	saga, err := invoke.WithRetry(ctx, o.dbRetry, func(ctx context.Context) (*Saga, error) {
		return o.store.SetStatus(ctx, sagaID, from, to, errMsg)
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordSagaTransition(ctx, string(to))
	return saga, nil
}

func (o *Orchestrator) persistSteps(ctx context.Context, saga *Saga) error {
	return invoke.Do(ctx, o.dbRetry, func(ctx context.Context) error {
		return o.store.ReplaceSteps(ctx, saga.ID, saga.Steps)
	})
}

// observedRetry дополняет политику повторов метриками и логом
func (o *Orchestrator) observedRetry(ctx context.Context, opts invoke.RetryOptions, sagaID string, index int) invoke.RetryOptions {
	prev := opts.OnRetry
	profile := opts.Name
	return opts.With(invoke.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		if prev != nil {
			prev(attempt, err, delay)
		}
		o.metrics.RecordRetry(ctx, profile)
		o.log.WithContext(ctx).WithError(err).Warnf("retrying target call", map[string]interface{}{
			"saga_id":    sagaID,
			"step_index": index,
			"profile":    profile,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
		})
	}))
}

func (o *Orchestrator) withClaim(ctx context.Context, sagaID string, fn func(ctx context.Context) error) error {
	token, err := o.claimer.Acquire(ctx, sagaID, o.owner, o.claimTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.claimer.Release(context.WithoutCancel(ctx), sagaID, token); err != nil {
			o.log.WithContext(ctx).WithError(err).Warnf("failed to release claim", map[string]interface{}{"saga_id": sagaID})
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	err := o.publisher.Publish(ctx, event)
	o.metrics.RecordEvent(ctx, event.EventType(), err == nil)
	if err != nil {
		o.log.WithContext(ctx).WithError(err).Warnf("failed to publish event", map[string]interface{}{
			"event_type": event.EventType(), "saga_id": event.AggregateID(),
		})
	}
}

func pendingStep(saga *Saga, stepIndex int) (*StepDefinition, error) {
	if saga.Status != SagaStatusRunning {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s is %s, not running", saga.ID, saga.Status)
	}
	if stepIndex != saga.CurrentStep {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s: step %d is not current (current %d)", saga.ID, stepIndex, saga.CurrentStep)
	}
	step, ok := saga.Current()
	if !ok || step.Approval != ApprovalPending {
		return nil, core.Errorf(core.ErrInvalidTransition, "saga %s: step %d is not awaiting approval", saga.ID, stepIndex)
	}
	return step, nil
}

func countSteps(steps []StepDefinition, pred func(StepDefinition) bool) int {
	n := 0
	for _, s := range steps {
		if pred(s) {
			n++
		}
	}
	return n
}

func endSpan(span trace.Span, out *StepOutcome, err error) {
	if out != nil && out.Saga != nil {
		span.SetAttributes(attribute.String("saga.status", string(out.Saga.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
