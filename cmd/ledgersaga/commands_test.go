package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/config"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
)

type testApp struct {
	*app
	store *saga.InMemoryStore
	redis *miniredis.Miniredis
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	ta := &testApp{app: newApp(), store: saga.NewInMemoryStore(), redis: mr}
	ta.openStore = func(ctx context.Context, cfg *config.Config) (saga.SagaStore, func() error, error) {
		return ta.store, func() error { return nil }, nil
	}
	ta.openQueue = func(ctx context.Context, cfg *config.Config) (*saga.RedisDecisionQueue, func() error, error) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return saga.NewRedisDecisionQueue(rdb, saga.RedisDecisionQueueConfig{}, logger.Nop()), rdb.Close, nil
	}
	return ta
}

func (ta *testApp) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(ta.app)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (ta *testApp) seed(t *testing.T, id, emailID string, status saga.SagaStatus) {
	t.Helper()
	s := &saga.Saga{
		ID:         id,
		EmailID:    emailID,
		Client:     risk.Client{ID: "client-1", TargetSystems: []string{"quickbooks"}},
		Status:     status,
		TotalSteps: 1,
		Steps: []saga.StepDefinition{{
			ActionType:   action.CreateBill,
			TargetSystem: "quickbooks",
			Executed:     true,
			ExternalID:   "bill-1",
		}},
	}
	require.NoError(t, ta.store.CreateSaga(context.Background(), s))
}

func TestListByDocument(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, "s-1", "email-1", saga.SagaStatusCompleted)
	ta.seed(t, "s-2", "email-2", saga.SagaStatusCompleted)

	out, err := ta.run(t, "list", "--document", "email-1")
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.NotContains(t, out, "s-2")
}

func TestListRequiresFilter(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.run(t, "list")
	require.Error(t, err)

	_, err = ta.run(t, "list", "--compensating", "--document", "email-1")
	require.Error(t, err)
}

func TestShow(t *testing.T) {
	ta := newTestApp(t)
	ta.seed(t, "s-1", "email-1", saga.SagaStatusCompleted)

	out, err := ta.run(t, "show", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "create_bill")
	assert.Contains(t, out, "bill-1")

	_, err = ta.run(t, "show", "missing")
	assert.True(t, core.HasCode(err, core.ErrNotFound), "got %v", err)
}

func TestApproveAndRejectPushDecisions(t *testing.T) {
	ta := newTestApp(t)

	out, err := ta.run(t, "approve", "s-1", "0", "--by", "reviewer@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued approval for saga s-1 step 0")

	_, err = ta.run(t, "reject", "s-1", "1")
	require.Error(t, err, "--reason is required")

	out, err = ta.run(t, "reject", "s-1", "1", "--reason", "wrong vendor")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued rejection")

	_, err = ta.run(t, "approve", "s-1", "first")
	require.Error(t, err)

	var got []saga.Decision
	queue, closeQueue, err := ta.openQueue(context.Background(), nil)
	require.NoError(t, err)
	defer closeQueue()
	_, err = queue.Poll(context.Background(), func(ctx context.Context, d saga.Decision) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Approved)
	assert.Equal(t, "reviewer@example.com", got[0].DecidedBy)
	assert.False(t, got[1].Approved)
	assert.Equal(t, "wrong vendor", got[1].Reason)
}

const validPolicy = `
version: test-1
defaultBaseScore: 20
baseScores:
  create_bill: 10
levels:
  medium: 25
  high: 50
  critical: 80
approvalThreshold: 50
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPolicyCheck(t *testing.T) {
	ta := newTestApp(t)
	policy := writeFile(t, "policy.yaml", validPolicy)

	out, err := ta.run(t, "policy", "check", policy)
	require.NoError(t, err)
	assert.Contains(t, out, `Policy "test-1" is valid`)

	bad := writeFile(t, "bad.yaml", "version: \"\"\nlevels:\n  medium: 60\n  high: 50\n")
	_, err = ta.run(t, "policy", "check", bad)
	assert.True(t, core.HasCode(err, core.ErrPolicy), "got %v", err)
}

func TestPolicyCheckDryRunPlan(t *testing.T) {
	ta := newTestApp(t)
	policy := writeFile(t, "policy.yaml", validPolicy)

	good := writeFile(t, "plan.json", `{
  "client": {"id": "client-1", "targetSystems": ["quickbooks"], "defaultCurrency": "USD"},
  "steps": [{"actionType": "create_vendor", "targetSystem": "quickbooks", "parameters": {"name": "Paper Supplies LLC"}}]
}`)
	out, err := ta.run(t, "policy", "check", policy, "--plan", good)
	require.NoError(t, err)
	assert.Contains(t, out, "create_vendor")
	assert.Contains(t, out, "Overall risk: low")

	rejected := writeFile(t, "rejected.json", `{
  "client": {"id": "client-1", "targetSystems": ["quickbooks"]},
  "steps": [{"actionType": "create_vendor", "targetSystem": "xero", "parameters": {"name": "Paper Supplies LLC"}}]
}`)
	out, err = ta.run(t, "policy", "check", policy, "--plan", rejected)
	assert.True(t, core.HasCode(err, core.ErrInvalidPlan), "got %v", err)
	assert.Contains(t, out, risk.RuleTargetCompatibility)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.run(t, "migrate", "status")
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig), "got %v", err)

	_, err = ta.run(t, "migrate", "down", "-1")
	require.Error(t, err)
}

func TestStepsArg(t *testing.T) {
	n, err := stepsArg(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = stepsArg([]string{"3"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = stepsArg([]string{"x"}, 0)
	assert.Error(t, err)
}
