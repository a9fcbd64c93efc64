package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

// ApprovalRequest запрос решения человека по шагу
type ApprovalRequest struct {
	SagaID       string          `json:"sagaId"`
	EmailID      string          `json:"emailId"`
	StepIndex    int             `json:"stepIndex"`
	ActionType   action.Type     `json:"actionType"`
	TargetSystem string          `json:"targetSystem"`
	Assessment   risk.Assessment `json:"assessment"`
	RequestedAt  time.Time       `json:"requestedAt"`
}

// ApprovalNotifier уведомляет людей о шаге, ожидающем одобрения
type ApprovalNotifier interface {
	NotifyApprovalRequired(ctx context.Context, req ApprovalRequest) error
}

// ApprovalNotifierFunc адаптер функции к ApprovalNotifier
type ApprovalNotifierFunc func(ctx context.Context, req ApprovalRequest) error

func (f ApprovalNotifierFunc) NotifyApprovalRequired(ctx context.Context, req ApprovalRequest) error {
	return f(ctx, req)
}

// Decision решение по шагу, ожидающему одобрения
type Decision struct {
	SagaID    string `json:"sagaId"`
	StepIndex int    `json:"stepIndex"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// DecisionHandler обработчик решений
type DecisionHandler func(ctx context.Context, d Decision) error

const (
	defaultDecisionStream = "ledgersaga:decisions"
	defaultDecisionGroup  = "ledgersaga-engine"
)

// RedisDecisionQueueConfig конфигурация очереди решений
type RedisDecisionQueueConfig struct {
	Stream       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	BatchSize    int64
	// RetryInterval период повторного чтения неподтвержденных решений
	RetryInterval time.Duration
}

// RedisDecisionQueue очередь решений в Redis Stream. CLI публикует решения,
// движок читает их через consumer group и подтверждает обработанные.
type RedisDecisionQueue struct {
	client redis.UniversalClient
	config RedisDecisionQueueConfig
	log    *logger.Logger
}

// NewRedisDecisionQueue создает очередь решений
func NewRedisDecisionQueue(client redis.UniversalClient, config RedisDecisionQueueConfig, log *logger.Logger) *RedisDecisionQueue {
	if config.Stream == "" {
		config.Stream = defaultDecisionStream
	}
	if config.Group == "" {
		config.Group = defaultDecisionGroup
	}
	if config.Consumer == "" {
		config.Consumer = defaultConsumerName()
	}
	if config.BlockTimeout == 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisDecisionQueue{client: client, config: config, log: log.WithComponent("decision-queue")}
}

// defaultConsumerName имя consumer, переживающее перезапуск процесса:
// неподтвержденные решения остаются за тем же именем.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ledgersaga"
	}
	return "ledgersaga-" + host
}

// Push публикует решение (XADD)
func (q *RedisDecisionQueue) Push(ctx context.Context, d Decision) error {
	if d.SagaID == "" {
		return core.NewError(core.ErrInvalidPlan, "decision without saga id")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]interface{}{"decision": string(payload)},
	}).Err()
	if err != nil {
		return core.Wrap(err, core.ErrDatabase, "failed to publish decision")
	}
	return nil
}

// Consume читает решения до отмены ctx
func (q *RedisDecisionQueue) Consume(ctx context.Context, handler DecisionHandler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	var retried time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Неподтвержденные решения этого consumer перечитываются раз в
		// RetryInterval, новые читаются в каждой итерации
		if time.Since(retried) >= q.config.RetryInterval {
			retried = time.Now()
			if _, err := q.readPending(ctx, handler); err != nil && ctx.Err() == nil {
				q.log.WithError(err).Warn("failed to read pending decisions")
			}
		}
		block := q.config.BlockTimeout
		if block > q.config.RetryInterval {
			block = q.config.RetryInterval
		}
		if _, _, err := q.read(ctx, handler, ">", block); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.WithError(err).Warn("failed to read decisions")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll обрабатывает доступные решения без ожидания и возвращает их число
func (q *RedisDecisionQueue) Poll(ctx context.Context, handler DecisionHandler) (int, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return 0, err
	}
	pending, err := q.readPending(ctx, handler)
	if err != nil {
		return pending, err
	}
	fresh, _, err := q.read(ctx, handler, ">", -1)
	return pending + fresh, err
}

// readPending проходит весь список неподтвержденных сообщений consumer
// страницами по BatchSize
func (q *RedisDecisionQueue) readPending(ctx context.Context, handler DecisionHandler) (int, error) {
	total := 0
	from := "0"
	for {
		n, last, err := q.read(ctx, handler, from, -1)
		total += n
		if err != nil || int64(n) < q.config.BatchSize || last == "" {
			return total, err
		}
		from = last
	}
}

func (q *RedisDecisionQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.config.Stream, q.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return core.Wrap(err, core.ErrDatabase, "failed to create consumer group")
	}
	return nil
}

// read обрабатывает одну порцию и возвращает ее размер и последний ID
func (q *RedisDecisionQueue) read(ctx context.Context, handler DecisionHandler, id string, block time.Duration) (int, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, id},
		Count:    q.config.BatchSize,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", core.Wrap(err, core.ErrDatabase, "failed to read decisions")
	}

	handled := 0
	last := ""
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			last = msg.ID
			if q.handle(ctx, handler, msg) {
				if err := q.client.XAck(ctx, stream.Stream, q.config.Group, msg.ID).Err(); err != nil {
					return handled, last, core.Wrap(err, core.ErrDatabase, "failed to ack decision")
				}
			}
			handled++
		}
	}
	return handled, last, nil
}

// handle возвращает true, если сообщение можно подтвердить
func (q *RedisDecisionQueue) handle(ctx context.Context, handler DecisionHandler, msg redis.XMessage) bool {
	raw, _ := msg.Values["decision"].(string)
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		q.log.WithError(err).WithField("message_id", msg.ID).Warn("dropping malformed decision")
		return true
	}
	err := handler(ctx, d)
	if err == nil {
		return true
	}
	entry := q.log.WithError(err).WithField("saga_id", d.SagaID).WithField("step_index", d.StepIndex)
	if core.HasCode(err, core.ErrClaimConflict) || core.HasCode(err, core.ErrDatabase) {
		entry.Warn("decision will be redelivered")
		return false
	}
	entry.Warn("decision rejected")
	return true
}
