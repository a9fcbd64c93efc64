package saga

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/ledgersaga/framework/core"
)

func TestLocalClaimer(t *testing.T) {
	c := NewLocalClaimer()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := c.Acquire(ctx, "s-1", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "s-1", "worker-b", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrClaimConflict))

	require.NoError(t, c.Release(ctx, "s-1", "not-the-token"))
	_, err = c.Acquire(ctx, "s-1", "worker-b", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrClaimConflict), "foreign token must not release")

	now = now.Add(2 * time.Minute)
	_, err = c.Acquire(ctx, "s-1", "worker-b", time.Minute)
	assert.NoError(t, err, "expired claim must be taken over")

	_ = c.Release(ctx, "s-1", token)
	_, err = c.Acquire(ctx, "s-1", "worker-c", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrClaimConflict), "stale token must not release new owner")
}

func TestRedisClaimer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisClaimer(client, "")
	ctx := context.Background()

	token, err := c.Acquire(ctx, "s-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ledgersaga:claim:s-1"))

	_, err = c.Acquire(ctx, "s-1", "worker-b", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrClaimConflict))

	require.NoError(t, c.Release(ctx, "s-1", "worker-b:foreign"))
	assert.True(t, mr.Exists("ledgersaga:claim:s-1"), "foreign token must not release")

	require.NoError(t, c.Release(ctx, "s-1", token))
	assert.False(t, mr.Exists("ledgersaga:claim:s-1"))

	_, err = c.Acquire(ctx, "s-2", "worker-a", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = c.Acquire(ctx, "s-2", "worker-b", time.Second)
	assert.NoError(t, err, "expired claim must be taken over")
}

func TestPostgresClaimer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgresClaimer(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("SET claimed_by = $2")).
		WithArgs("s-1", "worker-a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	token, err := c.Acquire(ctx, "s-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	mock.ExpectExec(regexp.QuoteMeta("SET claimed_by = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	_, err = c.Acquire(ctx, "s-1", "worker-b", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrClaimConflict))

	mock.ExpectExec(regexp.QuoteMeta("SET claimed_by = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = c.Acquire(ctx, "missing", "worker-b", time.Minute)
	assert.True(t, core.HasCode(err, core.ErrNotFound))

	mock.ExpectExec(regexp.QuoteMeta("SET claimed_by = NULL")).
		WithArgs("s-1", token).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Release(ctx, "s-1", token))

	assert.NoError(t, mock.ExpectationsWereMet())
}
