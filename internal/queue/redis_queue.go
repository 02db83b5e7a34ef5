// Package queue coordinates ready, in-flight, and scheduled job sets in
// Redis. Durable job state lives in Postgres; Redis only carries job ids.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoxknez/efaktura-core/internal/models"
)

// Queues dispatched by the engine, one ready list each.
var Queues = []string{models.JobTypeSubmitInvoice, models.JobTypeProcessWebhook}

// RedisQueue is the enqueue/dequeue primitive wrapped around the job store.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
}

// Options configures the queue client.
type Options struct {
	Addr              string
	Password          string
	DB                int
	VisibilityTimeout time.Duration
}

// New builds a queue client.
func New(opts Options) *RedisQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		metaPrefix:    "queue:jobmeta:",
		visibilityTTL: visibility,
	}
}

// NewWithClient wraps an existing Redis client; used by tests.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	q := New(Options{VisibilityTimeout: visibility})
	q.client = client
	return q
}

func (q *RedisQueue) readyKey(jobType string) string {
	return fmt.Sprintf("queue:ready:%s", jobType)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set (future runAt) or the
// ready list for its type.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, jobType string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "type", jobType)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(jobType), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, jobType string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "type", jobType)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.jobType(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the type's ready list and places it into
// inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, jobType string) (string, error) {
	keys := []string{q.readyKey(jobType), q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ExpiredLeases returns job ids whose visibility lease has passed. The ids
// stay in-flight until ReleaseLeases; the caller resets the job rows in
// between so a reclaimed id never becomes dequeueable while its row still
// reads active.
func (q *RedisQueue) ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// ReleaseLeases moves the given ids from in-flight back onto their ready
// lists.
func (q *RedisQueue) ReleaseLeases(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.jobType(ctx, id)), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, t := range Queues {
		pipe.LRem(ctx, q.readyKey(t), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of one type's ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context, jobType string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(jobType)).Result()
}

func (q *RedisQueue) jobType(ctx context.Context, jobID string) string {
	t, err := q.client.HGet(ctx, q.metaKey(jobID), "type").Result()
	if err != nil || t == "" {
		return models.JobTypeSubmitInvoice
	}
	return t
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
