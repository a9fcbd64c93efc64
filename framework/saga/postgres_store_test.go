package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
)

var sagaColumnNames = []string{
	"id", "email_id", "client", "status", "steps", "current_step", "total_steps",
	"started_at", "completed_at", "failed_at", "compensated_at", "error", "created_at", "updated_at",
}

func sagaRow(t *testing.T, status SagaStatus, current, total int) *sqlmock.Rows {
	t.Helper()
	client, err := json.Marshal(testClient())
	require.NoError(t, err)
	steps := make([]StepDefinition, total)
	for i := range steps {
		steps[i] = billStep(100)
	}
	stepsJSON, err := json.Marshal(steps)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var failed interface{}
	if status == SagaStatusCompensating {
		failed = created.Add(time.Minute)
	}
	return sqlmock.NewRows(sagaColumnNames).
		AddRow("s-1", "email-1", client, string(status), stepsJSON, current, total,
			created, nil, failed, nil, nil, created, created)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_CreateSaga(t *testing.T) {
	store, mock := newMockStore(t)
	s := &Saga{ID: "s-1", EmailID: "email-1", Client: testClient(), Status: SagaStatusPending,
		Steps: []StepDefinition{billStep(100)}, TotalSteps: 1}

	mock.ExpectExec(`INSERT INTO sagas`).
		WithArgs("s-1", "email-1", sqlmock.AnyArg(), "pending", sqlmock.AnyArg(), 0, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateSaga(context.Background(), s))

	mock.ExpectExec(`INSERT INTO sagas`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.CreateSaga(context.Background(), s)
	assert.True(t, core.HasCode(err, core.ErrAlreadyExists))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSaga(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .+ FROM sagas WHERE id = \$1`).
		WithArgs("s-1").
		WillReturnRows(sagaRow(t, SagaStatusRunning, 0, 2))
	s, err := store.GetSaga(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusRunning, s.Status)
	assert.Equal(t, 2, s.TotalSteps)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, action.CreateBill, s.Steps[0].ActionType)
	assert.Equal(t, "client-1", s.Client.ID)
	assert.NotNil(t, s.StartedAt)
	assert.Nil(t, s.FailedAt)

	mock.ExpectQuery(`SELECT .+ FROM sagas WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaColumnNames))
	_, err = store.GetSaga(ctx, "missing")
	assert.True(t, core.HasCode(err, core.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	_, err := store.SetStatus(ctx, "s-1", SagaStatusPending, SagaStatusCompleted, "")
	assert.True(t, core.HasCode(err, core.ErrInvalidTransition), "table check happens before the query")

	mock.ExpectQuery(`UPDATE sagas\s+SET status = \$3, .+, failed_at = \$5\s+WHERE id = \$1 AND status = \$2`).
		WithArgs("s-1", "running", "failed", "boom", sqlmock.AnyArg()).
		WillReturnRows(sagaRow(t, SagaStatusFailed, 1, 2))
	s, err := store.SetStatus(ctx, "s-1", SagaStatusRunning, SagaStatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusFailed, s.Status)

	mock.ExpectQuery(`UPDATE sagas\s+SET status = \$3`).
		WillReturnRows(sqlmock.NewRows(sagaColumnNames))
	mock.ExpectQuery(`SELECT .+ FROM sagas WHERE id = \$1`).
		WillReturnRows(sagaRow(t, SagaStatusCompleted, 2, 2))
	_, err = store.SetStatus(ctx, "s-1", SagaStatusRunning, SagaStatusFailed, "late")
	assert.True(t, core.HasCode(err, core.ErrInvalidTransition))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceStep(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE sagas\s+SET current_step = current_step \+ 1`).
		WithArgs("s-1", 1, sqlmock.AnyArg()).
		WillReturnRows(sagaRow(t, SagaStatusCompleted, 2, 2))
	s, err := store.AdvanceStep(ctx, "s-1", 1)
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, s.Status)
	assert.Equal(t, 2, s.CurrentStep)

	mock.ExpectQuery(`UPDATE sagas\s+SET current_step`).
		WillReturnRows(sqlmock.NewRows(sagaColumnNames))
	mock.ExpectQuery(`SELECT .+ FROM sagas WHERE id = \$1`).
		WillReturnRows(sagaRow(t, SagaStatusCompleted, 2, 2))
	_, err = store.AdvanceStep(ctx, "s-1", 1)
	assert.True(t, core.HasCode(err, core.ErrInvalidTransition))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCompensating(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE status = 'compensating' OR \(status = 'failed' AND current_step > 0\)\s+ORDER BY failed_at ASC NULLS LAST`).
		WithArgs(10).
		WillReturnRows(sagaRow(t, SagaStatusCompensating, 1, 2))
	list, err := store.ListCompensating(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, SagaStatusCompensating, list[0].Status)
	assert.NotNil(t, list[0].FailedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceSteps(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	steps := []StepDefinition{billStep(100)}

	mock.ExpectExec(`UPDATE sagas SET steps = \$2`).
		WithArgs("s-1", sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ReplaceSteps(ctx, "s-1", steps))

	mock.ExpectExec(`UPDATE sagas SET steps = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM sagas WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(sagaColumnNames))
	err := store.ReplaceSteps(ctx, "missing", steps)
	assert.True(t, core.HasCode(err, core.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
