package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/invoke"
)

const sagaColumns = `id, email_id, client, status, steps, current_step, total_steps,
	started_at, completed_at, failed_at, compensated_at, error, created_at, updated_at`

// OpenPostgres открывает пул соединений через драйвер pgx и проверяет доступность
// базы с политикой повторов DatabasePreset
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to open postgres")
	}
	base := invoke.DatabasePreset()
	opts := base.With(invoke.WithRetryableErrors(append(base.RetryableErrors, "connection refused", "57p03", "08001")...))
	if err := invoke.Do(ctx, opts, db.PingContext); err != nil {
		_ = db.Close()
		return nil, core.Wrap(err, core.ErrDatabase, "postgres is unreachable")
	}
	return db, nil
}

// PostgresStore реализация хранилища в PostgreSQL. Таблица sagas создается миграциями.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore создает хранилище поверх открытого пула
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB возвращает пул соединений
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

func (p *PostgresStore) CreateSaga(ctx context.Context, saga *Saga) error {
	clientJSON, err := json.Marshal(saga.Client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	stepsJSON, err := json.Marshal(saga.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO sagas (id, email_id, client, status, steps, current_step, total_steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := p.db.ExecContext(ctx, query,
		saga.ID, saga.EmailID, clientJSON, string(saga.Status), stepsJSON,
		saga.CurrentStep, saga.TotalSteps, saga.CreatedAt, saga.UpdatedAt)
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to insert saga")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.Errorf(core.ErrAlreadyExists, "saga %s already exists", saga.ID)
	}
	return nil
}

func (p *PostgresStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE id = $1`
	saga, err := scanSaga(p.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(sagaID)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to load saga")
	}
	return saga, nil
}

// stampColumns колонка времени, заполняемая при входе в статус
var stampColumns = map[SagaStatus]string{
	SagaStatusRunning:     "started_at",
	SagaStatusCompleted:   "completed_at",
	SagaStatusFailed:      "failed_at",
	SagaStatusCompensated: "compensated_at",
}

func (p *PostgresStore) SetStatus(ctx context.Context, sagaID string, from, to SagaStatus, errMsg string) (*Saga, error) {
	if !CanTransition(from, to) {
		return nil, invalidTransition(sagaID, from, to)
	}
	stamp := ""
	if col, ok := stampColumns[to]; ok {
		stamp = ", " + col + " = $5"
	}
	query := `
		UPDATE sagas
		SET status = $3, error = COALESCE(NULLIF($4, ''), error), updated_at = $5` + stamp + `
		WHERE id = $1 AND status = $2
		RETURNING ` + sagaColumns
	saga, err := scanSaga(p.db.QueryRowContext(ctx, query, sagaID, string(from), string(to), errMsg, p.now()))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetSaga(ctx, sagaID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, invalidTransition(sagaID, current.Status, to)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to update saga status")
	}
	return saga, nil
}

func (p *PostgresStore) AdvanceStep(ctx context.Context, sagaID string, expected int) (*Saga, error) {
	query := `
		UPDATE sagas
		SET current_step = current_step + 1,
			status = CASE WHEN current_step + 1 = total_steps THEN 'completed' ELSE status END,
			completed_at = CASE WHEN current_step + 1 = total_steps THEN $3 ELSE completed_at END,
			updated_at = $3
		WHERE id = $1 AND current_step = $2 AND status = 'running' AND current_step < total_steps
		RETURNING ` + sagaColumns
	saga, err := scanSaga(p.db.QueryRowContext(ctx, query, sagaID, expected, p.now()))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetSaga(ctx, sagaID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, core.Errorf(core.ErrInvalidTransition,
			"saga %s: cannot advance step %d (status %s, current %d of %d)",
			sagaID, expected, current.Status, current.CurrentStep, current.TotalSteps)
	}
	if err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to advance saga step")
	}
	return saga, nil
}

func (p *PostgresStore) ReplaceSteps(ctx context.Context, sagaID string, steps []StepDefinition) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	query := `UPDATE sagas SET steps = $2, updated_at = $3 WHERE id = $1 AND total_steps = $4`
	res, err := p.db.ExecContext(ctx, query, sagaID, stepsJSON, p.now(), len(steps))
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to update saga steps")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to update saga steps")
	}
	if n == 0 {
		if _, err := p.GetSaga(ctx, sagaID); err != nil {
			return err
		}
		return core.Errorf(core.ErrInvalidPlan, "saga %s: step count is fixed", sagaID)
	}
	return nil
}

func (p *PostgresStore) ListCompensating(ctx context.Context, limit int) ([]*Saga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM sagas
		WHERE status = 'compensating' OR (status = 'failed' AND current_step > 0)
		ORDER BY failed_at ASC NULLS LAST, id ASC
		LIMIT NULLIF($1, 0)`
	if limit < 0 {
		limit = 0
	}
	return p.list(ctx, query, limit)
}

func (p *PostgresStore) ListByDocument(ctx context.Context, emailID string) ([]*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE email_id = $1 ORDER BY created_at ASC, id ASC`
	return p.list(ctx, query, emailID)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Saga, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to query sagas")
	}
	defer rows.Close()

	var result []*Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, core.Wrap(err, core.ErrDatabase, "failed to scan saga")
		}
		result = append(result, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, core.ErrDatabase, "failed to iterate sagas")
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row rowScanner) (*Saga, error) {
	var (
		saga        Saga
		status      string
		clientJSON  []byte
		stepsJSON   []byte
		started     sql.NullTime
		completed   sql.NullTime
		failed      sql.NullTime
		compensated sql.NullTime
		errMsg      sql.NullString
	)
	err := row.Scan(
		&saga.ID, &saga.EmailID, &clientJSON, &status, &stepsJSON,
		&saga.CurrentStep, &saga.TotalSteps,
		&started, &completed, &failed, &compensated,
		&errMsg, &saga.CreatedAt, &saga.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	saga.Status = SagaStatus(status)
	if err := json.Unmarshal(clientJSON, &saga.Client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &saga.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	saga.StartedAt = nullTime(started)
	saga.CompletedAt = nullTime(completed)
	saga.FailedAt = nullTime(failed)
	saga.CompensatedAt = nullTime(compensated)
	saga.Error = errMsg.String
	return &saga, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
