package saga

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

func TestOrchestrator_SingleStepCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, plan(billStep(500)), "email-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s := out.Saga
	if s.Status != SagaStatusCompleted {
		t.Fatalf("Expected status completed, got %s (%s)", s.Status, s.Error)
	}
	if s.CurrentStep != 1 || s.TotalSteps != 1 {
		t.Errorf("Expected cursor 1/1, got %d/%d", s.CurrentStep, s.TotalSteps)
	}
	if s.CompletedAt == nil || s.FailedAt != nil {
		t.Errorf("Expected only completedAt to be set")
	}
	if s.Steps[0].ExternalID != "create_bill-1" {
		t.Errorf("Expected external id create_bill-1, got %q", s.Steps[0].ExternalID)
	}
	if s.Steps[0].Risk == nil || s.Steps[0].Risk.Level != risk.LevelLow {
		t.Errorf("Expected low risk assessment to be recorded, got %+v", s.Steps[0].Risk)
	}

	want := []string{EventSagaStarted, EventStepExecuted, EventSagaCompleted}
	if got := env.publisher.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected events %v, got %v", want, got)
	}

	stored, err := env.orch.ListByDocument(ctx, "email-1")
	if err != nil || len(stored) != 1 || stored[0].ID != s.ID {
		t.Errorf("Expected saga to be listed by document, got %v (%v)", stored, err)
	}
}

func TestOrchestrator_FailureCompensatesInReverse(t *testing.T) {
	env := newTestEnv(t, nil)
	qb := env.targets["quickbooks"]
	qb.failExecute[action.RecordPayment] = errors.New("ledger rejected payment")

	out, err := env.orch.Submit(context.Background(), plan(vendorStep(), billStep(500), recordPaymentStep()), "email-2")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s := out.Saga
	if s.Status != SagaStatusCompensated {
		t.Fatalf("Expected status compensated, got %s", s.Status)
	}
	if !strings.Contains(s.Error, "step 2") {
		t.Errorf("Expected error to name step 2, got %q", s.Error)
	}
	if s.FailedAt == nil || s.CompensatedAt == nil || s.CompletedAt != nil {
		t.Errorf("Unexpected timestamps: failed=%v compensated=%v completed=%v", s.FailedAt, s.CompensatedAt, s.CompletedAt)
	}
	if qb.attempts[action.RecordPayment] != 1 {
		t.Errorf("Non-retryable error must not be retried, got %d attempts", qb.attempts[action.RecordPayment])
	}

	want := []compensationCall{
		{ActionType: action.DeleteBill, ExternalID: "create_bill-2"},
		{ActionType: action.DeleteVendor, ExternalID: "create_vendor-1"},
	}
	if got := qb.compensations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected compensations %v, got %v", want, got)
	}
	if out.Compensation == nil || !reflect.DeepEqual(out.Compensation.Compensated, []int{1, 0}) {
		t.Errorf("Expected compensation report [1 0], got %+v", out.Compensation)
	}
	if s.Steps[2].Executed || !s.Steps[0].Compensated || !s.Steps[1].Compensated {
		t.Errorf("Unexpected step flags: %+v", s.Steps)
	}

	types := env.publisher.types()
	if types[len(types)-1] != EventSagaCompensated {
		t.Errorf("Expected last event %s, got %v", EventSagaCompensated, types)
	}
}

func TestOrchestrator_CriticalStepAwaitsApprovalThenReject(t *testing.T) {
	env := newTestEnv(t, nil)
	var notified []ApprovalRequest
	env.orch.WithNotifier(ApprovalNotifierFunc(func(ctx context.Context, req ApprovalRequest) error {
		notified = append(notified, req)
		return nil
	}))
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, plan(criticalPaymentStep()), "email-3")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !out.AwaitingApproval {
		t.Fatalf("Expected step to await approval")
	}
	if out.Assessment == nil || out.Assessment.Level != risk.LevelCritical {
		t.Fatalf("Expected critical assessment, got %+v", out.Assessment)
	}
	if out.Saga.Status != SagaStatusRunning || out.Saga.Steps[0].Approval != ApprovalPending {
		t.Errorf("Expected running saga with pending approval, got %s/%s", out.Saga.Status, out.Saga.Steps[0].Approval)
	}
	if len(env.targets["billcom"].executedTypes()) != 0 {
		t.Errorf("Target must not be called before approval")
	}
	if len(notified) != 1 || notified[0].StepIndex != 0 || notified[0].SagaID != out.Saga.ID {
		t.Errorf("Expected one approval notification, got %+v", notified)
	}

	again, err := env.orch.ExecuteStep(ctx, out.Saga.ID)
	if err != nil || !again.AwaitingApproval {
		t.Errorf("Expected repeated ExecuteStep to keep awaiting approval, got %+v (%v)", again, err)
	}
	if len(notified) != 1 {
		t.Errorf("Pending step must not be re-notified")
	}

	rejected, err := env.orch.Reject(ctx, out.Saga.ID, 0, "amount does not match invoice", "controller@acme.test")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	s := rejected.Saga
	if s.Status != SagaStatusFailed {
		t.Fatalf("Expected status failed, got %s", s.Status)
	}
	if rejected.Compensation != nil {
		t.Errorf("Nothing was executed, expected no compensation")
	}
	if !strings.Contains(s.Error, "amount does not match invoice") {
		t.Errorf("Expected rejection reason in error, got %q", s.Error)
	}
	if s.Steps[0].Approval != ApprovalRejected || s.Steps[0].DecidedBy != "controller@acme.test" {
		t.Errorf("Expected rejected step with decider, got %+v", s.Steps[0])
	}
}

func TestOrchestrator_ApproveExecutesStep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, plan(criticalPaymentStep()), "email-4")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := env.orch.Approve(ctx, out.Saga.ID, 1, "controller"); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for wrong step, got %v", err)
	}

	approved, err := env.orch.Approve(ctx, out.Saga.ID, 0, "controller")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if !approved.Executed || approved.Saga.Status != SagaStatusCompleted {
		t.Fatalf("Expected executed and completed saga, got %+v", approved)
	}
	if got := env.targets["billcom"].executedTypes(); !reflect.DeepEqual(got, []action.Type{action.ExecutePayment}) {
		t.Errorf("Expected execute_payment on billcom, got %v", got)
	}
	if approved.Saga.Steps[0].Approval != ApprovalApproved {
		t.Errorf("Expected approval to be recorded")
	}

	if _, err := env.orch.Approve(ctx, out.Saga.ID, 0, "controller"); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for decided step, got %v", err)
	}
}

func TestOrchestrator_ConsumeDecisions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := env.orch.Submit(ctx, plan(billStep(500), criticalPaymentStep()), "email-5")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !out.AwaitingApproval || out.StepIndex != 1 {
		t.Fatalf("Expected step 1 to await approval, got %+v", out)
	}

	decisions := make(chan Decision, 1)
	decisions <- Decision{SagaID: out.Saga.ID, StepIndex: 1, Approved: true, DecidedBy: "cli"}
	close(decisions)

	if err := env.orch.ConsumeDecisions(ctx, decisions); err != nil {
		t.Fatalf("ConsumeDecisions failed: %v", err)
	}
	s, err := env.orch.Get(ctx, out.Saga.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != SagaStatusCompleted || s.CurrentStep != 2 {
		t.Errorf("Expected completed saga, got %s at %d", s.Status, s.CurrentStep)
	}
}

func TestOrchestrator_SubmitRejectsInvalidPlan(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := billStep(500)
	bad.TargetSystem = "xero"

	_, err := env.orch.Submit(context.Background(), plan(billStep(100), bad), "email-6")
	var rejected *PlanRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected PlanRejectedError, got %v", err)
	}
	if !core.HasCode(err, core.ErrRule) {
		t.Errorf("Expected RULE_ERROR code, got %v", err)
	}
	sagas, _ := env.orch.ListByDocument(context.Background(), "email-6")
	if len(sagas) != 0 {
		t.Errorf("Rejected plan must not create a saga")
	}
}

func TestOrchestrator_RuleErrorFailsAndCompensates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	bad := billStep(500)
	bad.TargetSystem = "xero"

	s, err := env.orch.Create(ctx, plan(billStep(100), bad), "email-7")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Status != SagaStatusPending {
		t.Errorf("Expected pending saga, got %s", s.Status)
	}
	if _, err := env.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out, err := env.orch.Run(ctx, s.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Saga.Status != SagaStatusCompensated {
		t.Fatalf("Expected compensated saga, got %s", out.Saga.Status)
	}
	if !strings.Contains(out.Saga.Error, risk.RuleTargetCompatibility) {
		t.Errorf("Expected target compatibility failure, got %q", out.Saga.Error)
	}
	want := []compensationCall{{ActionType: action.DeleteBill, ExternalID: "create_bill-1"}}
	if got := env.targets["quickbooks"].compensations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected compensations %v, got %v", want, got)
	}
}

func TestOrchestrator_GateErrorLeavesSagaRunning(t *testing.T) {
	gate := &stubGate{err: &risk.ValidationError{Code: core.ErrPolicy, Message: "no active policy"}}
	env := newTestEnvWithGate(t, gate)
	ctx := context.Background()

	s, err := env.orch.Create(ctx, plan(billStep(500)), "email-8")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = env.orch.ExecuteStep(ctx, s.ID)
	if !core.HasCode(err, core.ErrPolicy) {
		t.Fatalf("Expected POLICY_ERROR, got %v", err)
	}
	if gate.calls != 1 {
		t.Errorf("Policy errors must not be retried, got %d calls", gate.calls)
	}
	stored, _ := env.orch.Get(ctx, s.ID)
	if stored.Status != SagaStatusRunning || stored.CurrentStep != 0 {
		t.Errorf("Expected running saga at step 0, got %s at %d", stored.Status, stored.CurrentStep)
	}
	if len(env.targets["quickbooks"].executedTypes()) != 0 {
		t.Errorf("Action with unknown validity must not run")
	}
}

func TestOrchestrator_DatabaseErrorIsRetried(t *testing.T) {
	gate := &stubGate{err: &risk.ValidationError{Code: core.ErrDatabase, Message: "history unavailable"}}
	env := newTestEnvWithGate(t, gate)
	ctx := context.Background()

	s, _ := env.orch.Create(ctx, plan(billStep(500)), "email-9")
	_, _ = env.orch.Start(ctx, s.ID)

	_, err := env.orch.ExecuteStep(ctx, s.ID)
	if !core.HasCode(err, core.ErrDatabase) {
		t.Fatalf("Expected DATABASE_ERROR, got %v", err)
	}
	if gate.calls != 3 {
		t.Errorf("Expected 3 validation attempts, got %d", gate.calls)
	}
}

func TestOrchestrator_UnknownTargetFailsSaga(t *testing.T) {
	env := newTestEnv(t, nil)
	step := billStep(500)
	step.TargetSystem = "netsuite"
	p := ActionPlan{Client: risk.Client{ID: "client-2"}, Steps: []StepDefinition{step}}

	out, err := env.orch.Submit(context.Background(), p, "email-10")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Saga.Status != SagaStatusFailed {
		t.Fatalf("Expected failed saga, got %s", out.Saga.Status)
	}
	if !strings.Contains(out.Saga.Error, core.ErrTargetNotFound) {
		t.Errorf("Expected TARGET_NOT_FOUND in error, got %q", out.Saga.Error)
	}
}

func TestOrchestrator_TransientFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	qb := env.targets["quickbooks"]
	qb.transient[action.CreateBill] = 2

	var mu sync.Mutex
	var retries []int
	target, _ := env.orch.Targets().Get("quickbooks")
	target.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		mu.Lock()
		retries = append(retries, attempt)
		mu.Unlock()
	}
	env.orch.Targets().RegisterWithOptions("quickbooks", qb, target.Retry)

	out, err := env.orch.Submit(context.Background(), plan(billStep(500)), "email-11")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Saga.Status != SagaStatusCompleted {
		t.Fatalf("Expected completed saga, got %s (%s)", out.Saga.Status, out.Saga.Error)
	}
	if qb.attempts[action.CreateBill] != 3 {
		t.Errorf("Expected 3 attempts, got %d", qb.attempts[action.CreateBill])
	}
	if !reflect.DeepEqual(retries, []int{1, 2}) {
		t.Errorf("Expected retry observer for attempts [1 2], got %v", retries)
	}
}

func TestOrchestrator_CompensationFailureLeftForSweeper(t *testing.T) {
	env := newTestEnv(t, nil)
	qb := env.targets["quickbooks"]
	qb.failExecute[action.RecordPayment] = errors.New("ledger rejected payment")
	qb.failCompOnce[action.DeleteBill] = errors.New("bill is locked")
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, plan(billStep(500), recordPaymentStep()), "email-12")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Saga.Status != SagaStatusCompensating {
		t.Fatalf("Expected saga to stay compensating, got %s", out.Saga.Status)
	}
	if out.Compensation == nil || out.Compensation.FailedStep != 0 || !core.HasCode(out.Compensation.Err, core.ErrCompensationFailed) {
		t.Fatalf("Expected COMPENSATION_FAILED at step 0, got %+v", out.Compensation)
	}

	pending, err := env.orch.FindPendingCompensation(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != out.Saga.ID {
		t.Fatalf("Expected saga in compensation queue, got %v (%v)", pending, err)
	}

	sweeper := NewSweeper(env.orch, SweeperConfig{BatchSize: 10, Parallelism: 2})
	results, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != SweepCompensated {
		t.Fatalf("Expected one compensated result, got %+v", results)
	}

	s, _ := env.orch.Get(ctx, out.Saga.ID)
	if s.Status != SagaStatusCompensated {
		t.Errorf("Expected compensated saga, got %s", s.Status)
	}
	if got := qb.compensations(); len(got) != 1 || got[0].ActionType != action.DeleteBill {
		t.Errorf("Expected one successful delete_bill, got %v", got)
	}

	if _, err := env.orch.Compensate(ctx, s.ID); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for compensated saga, got %v", err)
	}
	if results, _ := sweeper.SweepOnce(ctx); len(results) != 0 {
		t.Errorf("Expected empty queue, got %+v", results)
	}
}

// statusFailStore отказывает в переходе в failTo, пока failing выставлен
type statusFailStore struct {
	*InMemoryStore
	mu      sync.Mutex
	failTo  SagaStatus
	failing bool
}

func (s *statusFailStore) SetStatus(ctx context.Context, sagaID string, from, to SagaStatus, errMsg string) (*Saga, error) {
	s.mu.Lock()
	failing := s.failing && to == s.failTo
	s.mu.Unlock()
	if failing {
		return nil, core.NewError(core.ErrDatabase, "connection reset by peer")
	}
	return s.InMemoryStore.SetStatus(ctx, sagaID, from, to, errMsg)
}

func (s *statusFailStore) restore() {
	s.mu.Lock()
	s.failing = false
	s.mu.Unlock()
}

func TestOrchestrator_FailedHandoffStaysInCompensationQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	qb := env.targets["quickbooks"]
	qb.failExecute[action.RecordPayment] = errors.New("ledger rejected payment")
	ctx := context.Background()

	store := &statusFailStore{InMemoryStore: env.store, failTo: SagaStatusCompensating, failing: true}
	gate, err := risk.NewGate(ctx, risk.NewStaticSource(risk.DefaultPolicy()), risk.WithGateLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	orch := NewOrchestrator(store, gate, env.orch.Targets()).
		WithPublisher(env.publisher).
		WithLogger(logger.Nop()).
		WithDatabaseRetry(fastRetry(invoke.DatabasePreset()))

	s, err := orch.Create(ctx, plan(billStep(500), recordPaymentStep()), "email-handoff")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := orch.Run(ctx, s.ID); !core.HasCode(err, core.ErrDatabase) {
		t.Fatalf("Expected DATABASE_ERROR from compensation handoff, got %v", err)
	}

	stranded, _ := orch.Get(ctx, s.ID)
	if stranded.Status != SagaStatusFailed || stranded.CurrentStep != 1 || !stranded.Steps[0].Executed {
		t.Fatalf("Expected failed saga with one applied step, got %s at %d", stranded.Status, stranded.CurrentStep)
	}
	pending, err := orch.FindPendingCompensation(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != s.ID {
		t.Fatalf("Expected failed saga in compensation queue, got %v (%v)", pending, err)
	}

	store.restore()
	report, err := orch.Compensate(ctx, s.ID)
	if err != nil {
		t.Fatalf("Compensate failed: %v", err)
	}
	if report.Saga.Status != SagaStatusCompensated {
		t.Errorf("Expected compensated saga, got %s", report.Saga.Status)
	}
	want := []compensationCall{{ActionType: action.DeleteBill, ExternalID: "create_bill-1"}}
	if got := qb.compensations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected compensations %v, got %v", want, got)
	}
	if pending, _ := orch.FindPendingCompensation(ctx, 10); len(pending) != 0 {
		t.Errorf("Expected empty queue, got %d sagas", len(pending))
	}
}

func TestOrchestrator_FailedWithoutAppliedStepsIsNotCompensated(t *testing.T) {
	env := newTestEnv(t, nil)
	step := billStep(500)
	step.TargetSystem = "netsuite"
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, ActionPlan{Client: risk.Client{ID: "client-2"}, Steps: []StepDefinition{step}}, "email-nothing")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if pending, _ := env.orch.FindPendingCompensation(ctx, 10); len(pending) != 0 {
		t.Errorf("Expected empty queue, got %d sagas", len(pending))
	}
	if _, err := env.orch.Compensate(ctx, out.Saga.ID); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION, got %v", err)
	}
}

func TestOrchestrator_AcknowledgedNonCompensatableIsSkipped(t *testing.T) {
	policy := risk.DefaultPolicy()
	policy.AcknowledgedNonCompensatable = []action.Type{action.SendInvoice}
	env := newTestEnv(t, policy)
	qb := env.targets["quickbooks"]
	qb.failExecute[action.CreateBill] = errors.New("duplicate bill number")

	steps := []StepDefinition{
		{ActionType: action.CreateInvoice, TargetSystem: "quickbooks",
			Parameters: map[string]interface{}{"customerId": "c-1", "amount": 800, "currency": "USD"}},
		{ActionType: action.SendInvoice, TargetSystem: "quickbooks",
			Parameters: map[string]interface{}{"invoiceId": "inv-1", "email": "ap@example.com"}},
		billStep(500),
	}
	out, err := env.orch.Submit(context.Background(), plan(steps...), "email-13")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Saga.Status != SagaStatusCompensated {
		t.Fatalf("Expected compensated saga, got %s", out.Saga.Status)
	}
	if !reflect.DeepEqual(out.Compensation.Skipped, []int{1}) || !reflect.DeepEqual(out.Compensation.Compensated, []int{0}) {
		t.Errorf("Expected skipped [1] and compensated [0], got %+v", out.Compensation)
	}
	want := []compensationCall{{ActionType: action.VoidInvoice, ExternalID: "create_invoice-1"}}
	if got := qb.compensations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected compensations %v, got %v", want, got)
	}
	if !out.Saga.Steps[1].CompensationSkipped {
		t.Errorf("Expected send_invoice to be marked as skipped")
	}
}

func TestOrchestrator_ClaimConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	claimer := NewLocalClaimer()
	env.orch.WithClaimer(claimer)
	ctx := context.Background()

	s, _ := env.orch.Create(ctx, plan(billStep(500)), "email-14")
	_, _ = env.orch.Start(ctx, s.ID)

	token, err := claimer.Acquire(ctx, s.ID, "other-worker", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := env.orch.ExecuteStep(ctx, s.ID); !core.HasCode(err, core.ErrClaimConflict) {
		t.Fatalf("Expected CLAIM_CONFLICT, got %v", err)
	}
	if len(env.targets["quickbooks"].executedTypes()) != 0 {
		t.Errorf("Claimed saga must not be executed")
	}

	_ = claimer.Release(ctx, s.ID, token)
	out, err := env.orch.ExecuteStep(ctx, s.ID)
	if err != nil || out.Saga.Status != SagaStatusCompleted {
		t.Errorf("Expected completion after release, got %+v (%v)", out, err)
	}
}

func TestOrchestrator_StartAndCreateErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.orch.Create(ctx, ActionPlan{Client: testClient()}, "email-15"); !core.HasCode(err, core.ErrInvalidPlan) {
		t.Errorf("Expected INVALID_PLAN for empty plan, got %v", err)
	}
	if _, err := env.orch.Start(ctx, "missing"); !core.HasCode(err, core.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND for missing saga, got %v", err)
	}

	s, _ := env.orch.Create(ctx, plan(billStep(500)), "email-15")
	if _, err := env.orch.Start(ctx, s.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.orch.Start(ctx, s.ID); !core.HasCode(err, core.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND for running saga, got %v", err)
	}
}

func TestOrchestrator_AdvanceStepIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.orch.Submit(ctx, plan(billStep(500)), "email-16")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	s, err := env.orch.AdvanceStep(ctx, out.Saga.ID, 0)
	if err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.CurrentStep != 1 || s.Status != SagaStatusCompleted {
		t.Errorf("Expected unchanged completed saga, got %s at %d", s.Status, s.CurrentStep)
	}

	pending, _ := env.orch.Create(ctx, plan(billStep(500)), "email-16")
	_, _ = env.orch.Start(ctx, pending.ID)
	if _, err := env.orch.AdvanceStep(ctx, pending.ID, 0); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for unexecuted step, got %v", err)
	}
}
