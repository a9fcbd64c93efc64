package saga

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// Claimer выдает исключительное право исполнять или компенсировать сагу.
// Захват ограничен ttl, чтобы упавший процесс не держал сагу вечно.
type Claimer interface {
	// Acquire захватывает сагу для owner; CLAIM_CONFLICT если она уже захвачена
	Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (string, error)
	// Release освобождает захват, если token совпадает
	Release(ctx context.Context, sagaID, token string) error
}

func claimConflict(sagaID string) error {
	return core.Errorf(core.ErrClaimConflict, "saga %s is claimed by another worker", sagaID)
}

// LocalClaimer захваты внутри одного процесса
type LocalClaimer struct {
	mu     sync.Mutex
	claims map[string]localClaim
	now    func() time.Time
}

type localClaim struct {
	token     string
	owner     string
	expiresAt time.Time
}

// NewLocalClaimer создает LocalClaimer
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{
		claims: make(map[string]localClaim),
		now:    time.Now,
	}
}

func (c *LocalClaimer) Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if existing, ok := c.claims[sagaID]; ok && now.Before(existing.expiresAt) {
		return "", claimConflict(sagaID)
	}
	token := uuid.New().String()
	c.claims[sagaID] = localClaim{token: token, owner: owner, expiresAt: now.Add(ttl)}
	return token, nil
}

func (c *LocalClaimer) Release(ctx context.Context, sagaID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.claims[sagaID]; ok && existing.token == token {
		delete(c.claims, sagaID)
	}
	return nil
}

// releaseScript удаляет ключ, только если он все еще принадлежит владельцу токена
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer захваты через SET NX PX; подходит для нескольких процессов
type RedisClaimer struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClaimer создает RedisClaimer. Пустой prefix заменяется на "ledgersaga:claim:".
func NewRedisClaimer(client redis.UniversalClient, prefix string) *RedisClaimer {
	if prefix == "" {
		prefix = "ledgersaga:claim:"
	}
	return &RedisClaimer{client: client, prefix: prefix}
}

func (c *RedisClaimer) key(sagaID string) string {
	return c.prefix + sagaID
}

func (c *RedisClaimer) Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (string, error) {
	token := owner + ":" + uuid.New().String()
	ok, err := c.client.SetNX(ctx, c.key(sagaID), token, ttl).Result()
	if err != nil {
		return "", core.Wrap(err, core.ErrDatabase, "failed to acquire claim")
	}
	if !ok {
		return "", claimConflict(sagaID)
	}
	return token, nil
}

func (c *RedisClaimer) Release(ctx context.Context, sagaID, token string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(sagaID)}, token).Err(); err != nil && err != redis.Nil {
		return core.Wrap(err, core.ErrDatabase, "failed to release claim")
	}
	return nil
}

// PostgresClaimer захваты через колонки аренды таблицы sagas
type PostgresClaimer struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresClaimer создает PostgresClaimer
func NewPostgresClaimer(db *sql.DB) *PostgresClaimer {
	return &PostgresClaimer{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (c *PostgresClaimer) Acquire(ctx context.Context, sagaID, owner string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	now := c.now()
	query := `
		UPDATE sagas
		SET claimed_by = $2, claim_token = $3, claim_expires_at = $4
		WHERE id = $1 AND (claim_token IS NULL OR claim_expires_at < $5)`
	res, err := c.db.ExecContext(ctx, query, sagaID, owner, token, now.Add(ttl), now)
	if err != nil {
		return "", core.Wrap(err, core.ErrDatabase, "failed to acquire claim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", core.Wrap(err, core.ErrDatabase, "failed to acquire claim")
	}
	if n == 0 {
		var exists bool
		if err := c.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sagas WHERE id = $1)`, sagaID).Scan(&exists); err != nil {
			return "", core.Wrap(err, core.ErrDatabase, "failed to check saga")
		}
		if !exists {
			return "", notFound(sagaID)
		}
		return "", claimConflict(sagaID)
	}
	return token, nil
}

func (c *PostgresClaimer) Release(ctx context.Context, sagaID, token string) error {
	query := `
		UPDATE sagas
		SET claimed_by = NULL, claim_token = NULL, claim_expires_at = NULL
		WHERE id = $1 AND claim_token = $2`
	if _, err := c.db.ExecContext(ctx, query, sagaID, token); err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to release claim")
	}
	return nil
}
