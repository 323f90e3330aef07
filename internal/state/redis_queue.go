package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/mlbill/internal/observability"
)

type RedisQueueConfig struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	DeadLetterMax int
}

// RedisQueue is the durable queue backend. Pending task ids live in a list,
// in-flight claims in a hash keyed by receipt, and claim visibility deadlines
// in a sorted set so that unacked deliveries can be made pending again.
type RedisQueue struct {
	cfg    RedisQueueConfig
	client *redis.Client
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "mlbill:tasks"
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 5
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisQueue{cfg: cfg, client: client}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nacks" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, ref TaskRef) error {
	if err := q.client.LPush(ctx, q.pendingKey(), ref.TaskID).Err(); err != nil {
		return err
	}
	observability.Default.IncCounter("queue_enqueued_total", q.labels(nil), 1)
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		taskID, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, err
		}
		receipt := fmt.Sprintf("%s:%d:%d", consumer, now.UnixNano(), i)
		visibleAt := now.Add(visibilityTimeout)
		if err := q.client.HSet(ctx, q.claimsKey(), receipt, taskID).Err(); err != nil {
			return nil, err
		}
		if err := q.client.ZAdd(ctx, q.visibilityKey(), &redis.Z{
			Score:  float64(visibleAt.UnixMilli()),
			Member: receipt,
		}).Err(); err != nil {
			return nil, err
		}
		out = append(out, QueueClaim{
			Ref:       TaskRef{TaskID: taskID},
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	if len(out) > 0 {
		observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"consumer": consumer}), float64(len(out)))
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, claims []QueueClaim) error {
	for _, c := range claims {
		taskID, err := q.claimPayload(ctx, c.Receipt)
		if err != nil {
			return err
		}
		if err := q.dropClaim(ctx, c.Receipt); err != nil {
			return err
		}
		if taskID != "" {
			if err := q.client.HDel(ctx, q.nackKey(), taskID).Err(); err != nil {
				return err
			}
		}
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"consumer": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []QueueClaim, reason string) error {
	for _, c := range claims {
		taskID, err := q.claimPayload(ctx, c.Receipt)
		if err != nil {
			return err
		}
		if taskID == "" {
			continue
		}
		if err := q.dropClaim(ctx, c.Receipt); err != nil {
			return err
		}
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"reason": reason}), 1)
		if reason == "error" {
			n, err := q.client.HIncrBy(ctx, q.nackKey(), taskID, 1).Result()
			if err != nil {
				return err
			}
			if n >= int64(q.cfg.DeadLetterMax) {
				if err := q.client.LPush(ctx, q.deadKey(), taskID).Err(); err != nil {
					return err
				}
				if err := q.client.HDel(ctx, q.nackKey(), taskID).Err(); err != nil {
					return err
				}
				q.updateDeadGauge(ctx)
				continue
			}
		}
		if err := q.client.LPush(ctx, q.pendingKey(), taskID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	receipts, err := q.client.ZRangeByScore(ctx, q.visibilityKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, receipt := range receipts {
		taskID, err := q.claimPayload(ctx, receipt)
		if err != nil {
			return moved, err
		}
		if err := q.dropClaim(ctx, receipt); err != nil {
			return moved, err
		}
		if taskID == "" {
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), taskID).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	if moved > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(moved))
	}
	return moved, nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]TaskRef, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TaskRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, TaskRef{TaskID: id})
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, refs []TaskRef) (int, error) {
	requeued := 0
	for _, ref := range refs {
		removed, err := q.client.LRem(ctx, q.deadKey(), 1, ref.TaskID).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), ref.TaskID).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	q.updateDeadGauge(ctx)
	return requeued, nil
}

func (q *RedisQueue) claimPayload(ctx context.Context, receipt string) (string, error) {
	taskID, err := q.client.HGet(ctx, q.claimsKey(), receipt).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return taskID, err
}

func (q *RedisQueue) dropClaim(ctx context.Context, receipt string) error {
	if err := q.client.HDel(ctx, q.claimsKey(), receipt).Err(); err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.visibilityKey(), receipt).Err()
}

func (q *RedisQueue) updateDeadGauge(ctx context.Context) {
	if n, err := q.client.LLen(ctx, q.deadKey()).Result(); err == nil {
		observability.Default.SetGauge("queue_dead_letter_count", q.labels(nil), float64(n))
	}
}
