package testing_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
	fwtesting "github.com/akriventsev/ledgersaga/framework/testing"
)

func knownVendor() *risk.RiskContext {
	return &risk.RiskContext{
		ClientID:               "client-1",
		VendorTransactionCount: 10,
		VendorAverageAmount:    450,
		ExtractionConfidence:   risk.Float(0.95),
		AmountConfidence:       risk.Float(0.97),
	}
}

func billPlan() saga.ActionPlan {
	return saga.ActionPlan{
		Client: risk.Client{ID: "client-1", TargetSystems: []string{"quickbooks"}, DefaultCurrency: "USD"},
		Steps: []saga.StepDefinition{
			{
				ActionType:   action.CreateBill,
				TargetSystem: "quickbooks",
				Parameters:   map[string]interface{}{"vendorId": "v-1", "amount": 500, "currency": "USD"},
				RiskContext:  knownVendor(),
			},
			{
				ActionType:   action.RecordPayment,
				TargetSystem: "quickbooks",
				Parameters:   map[string]interface{}{"billId": "bill-1", "vendorId": "v-1", "amount": 500, "currency": "USD"},
				RiskContext:  knownVendor(),
			},
		},
	}
}

func TestEnvironment_Completes(t *testing.T) {
	env := fwtesting.NewInMemoryTestEnvironment(t, nil, "quickbooks")

	out := env.Submit(t, billPlan(), "email-1")
	require.Equal(t, saga.SagaStatusCompleted, out.Saga.Status)

	qb := env.Targets["quickbooks"]
	assert.Equal(t, []fwtesting.Call{
		{ActionType: action.CreateBill, ExternalID: "quickbooks-create_bill-1"},
		{ActionType: action.RecordPayment, ExternalID: "quickbooks-record_payment-2"},
	}, qb.Executed())
	assert.Contains(t, env.Recorder.Types(), saga.EventSagaCompleted)
	assert.NotEmpty(t, env.Recorder.ForAggregate(out.Saga.ID))
}

func TestEnvironment_FailureCompensates(t *testing.T) {
	env := fwtesting.NewInMemoryTestEnvironment(t, nil, "quickbooks")
	qb := env.Targets["quickbooks"].Fail(action.RecordPayment, errors.New("ledger rejected payment"))

	out := env.Submit(t, billPlan(), "email-2")
	require.Equal(t, saga.SagaStatusCompensated, out.Saga.Status)
	assert.Equal(t, []fwtesting.Call{
		{ActionType: action.DeleteBill, ExternalID: "quickbooks-create_bill-1"},
	}, qb.Compensated())
	assert.Contains(t, env.Recorder.Types(), saga.EventSagaCompensated)
}

func TestMemoryTarget_FailTimes(t *testing.T) {
	env := fwtesting.NewInMemoryTestEnvironment(t, nil, "quickbooks")
	env.Targets["quickbooks"].FailTimes(action.CreateBill, 2)

	out := env.Submit(t, billPlan(), "email-3")
	assert.Equal(t, saga.SagaStatusCompleted, out.Saga.Status)
}
