package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/invoke"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

type compensationCall struct {
	ActionType action.Type
	ExternalID string
}

// fakeTarget внешняя система с управляемыми сбоями
type fakeTarget struct {
	mu sync.Mutex

	seq          int
	attempts     map[action.Type]int
	executed     []action.Type
	compensated  []compensationCall
	failExecute  map[action.Type]error
	transient    map[action.Type]int
	failCompOnce map[action.Type]error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		attempts:     make(map[action.Type]int),
		failExecute:  make(map[action.Type]error),
		transient:    make(map[action.Type]int),
		failCompOnce: make(map[action.Type]error),
	}
}

func (f *fakeTarget) Execute(ctx context.Context, t action.Type, params action.Params) (ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[t]++
	if err, ok := f.failExecute[t]; ok {
		return ExecuteResult{}, err
	}
	if f.transient[t] > 0 {
		f.transient[t]--
		return ExecuteResult{}, fmt.Errorf("503 service unavailable")
	}
	f.seq++
	f.executed = append(f.executed, t)
	return ExecuteResult{
		ExternalID: fmt.Sprintf("%s-%d", t, f.seq),
		Data:       map[string]interface{}{"amount": params.MonetaryAmount()},
	}, nil
}

func (f *fakeTarget) Compensate(ctx context.Context, t action.Type, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failCompOnce[t]; ok {
		delete(f.failCompOnce, t)
		return err
	}
	f.compensated = append(f.compensated, compensationCall{ActionType: t, ExternalID: externalID})
	return nil
}

func (f *fakeTarget) executedTypes() []action.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]action.Type(nil), f.executed...)
}

func (f *fakeTarget) compensations() []compensationCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compensationCall(nil), f.compensated...)
}

// recordingPublisher запоминает типы опубликованных событий
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type testEnv struct {
	orch      *Orchestrator
	store     *InMemoryStore
	publisher *recordingPublisher
	targets   map[string]*fakeTarget
}

func fastRetry(base invoke.RetryOptions) invoke.RetryOptions {
	return base.With(
		invoke.WithDelays(time.Millisecond, 2*time.Millisecond),
		invoke.WithJitter(0),
		invoke.WithLogger(logger.Nop()),
	)
}

func newTestEnv(t *testing.T, policy *risk.Policy) *testEnv {
	t.Helper()
	if policy == nil {
		policy = risk.DefaultPolicy()
	}
	gate, err := risk.NewGate(context.Background(), risk.NewStaticSource(policy), risk.WithGateLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return newTestEnvWithGate(t, gate)
}

func newTestEnvWithGate(t *testing.T, gate Validator) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     NewInMemoryStore(),
		publisher: &recordingPublisher{},
		targets: map[string]*fakeTarget{
			"quickbooks": newFakeTarget(),
			"billcom":    newFakeTarget(),
		},
	}
	registry := NewTargetRegistry()
	for name, target := range env.targets {
		registry.RegisterWithOptions(name, target, fastRetry(invoke.ExternalAPIPreset()))
	}
	env.orch = NewOrchestrator(env.store, gate, registry).
		WithPublisher(env.publisher).
		WithLogger(logger.Nop()).
		WithDatabaseRetry(fastRetry(invoke.DatabasePreset()))
	return env
}

func testClient() risk.Client {
	return risk.Client{ID: "client-1", Name: "Acme Books", TargetSystems: []string{"quickbooks", "billcom"}, DefaultCurrency: "USD"}
}

func knownVendor() *risk.RiskContext {
	return &risk.RiskContext{
		ClientID:                  "client-1",
		VendorTransactionCount:    10,
		VendorAverageAmount:       450,
		ExtractionConfidence:      risk.Float(0.95),
		AmountConfidence:          risk.Float(0.97),
		ClientTransactionsLast24h: 2,
	}
}

func billStep(amount float64) StepDefinition {
	return StepDefinition{
		ActionType:   action.CreateBill,
		TargetSystem: "quickbooks",
		Parameters:   map[string]interface{}{"vendorId": "v-1", "amount": amount, "currency": "USD"},
		RiskContext:  knownVendor(),
	}
}

func vendorStep() StepDefinition {
	return StepDefinition{
		ActionType:   action.CreateVendor,
		TargetSystem: "quickbooks",
		Parameters:   map[string]interface{}{"name": "Paper Supplies LLC"},
	}
}

func recordPaymentStep() StepDefinition {
	return StepDefinition{
		ActionType:   action.RecordPayment,
		TargetSystem: "quickbooks",
		Parameters:   map[string]interface{}{"billId": "bill-1", "vendorId": "v-1", "amount": 500, "currency": "USD"},
		RiskContext:  knownVendor(),
	}
}

// criticalPaymentStep оценивается как critical политикой по умолчанию
func criticalPaymentStep() StepDefinition {
	return StepDefinition{
		ActionType:   action.ExecutePayment,
		TargetSystem: "billcom",
		Parameters: map[string]interface{}{
			"billId": "bill-1", "vendorId": "v-9", "amount": 25000,
			"currency": "USD", "fundingAccount": "acct-1",
		},
		RiskContext: &risk.RiskContext{ExtractionConfidence: risk.Float(0.6)},
	}
}

func plan(steps ...StepDefinition) ActionPlan {
	return ActionPlan{Client: testClient(), Steps: steps}
}

// stubGate шлюз с заданным ответом
type stubGate struct {
	result *risk.ValidationResult
	err    error
	calls  int
}

func (g *stubGate) Validate(ctx context.Context, p []risk.ProposedAction, c risk.Client, opts ...risk.ValidateOption) (*risk.ValidationResult, error) {
	g.calls++
	return g.result, g.err
}

var errAlways = fmt.Errorf("permanent failure")
