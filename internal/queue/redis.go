package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDue moves delayed jobs whose time has come onto the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
	redis.call('LPUSH', KEYS[2], job)
	redis.call('ZREM', KEYS[1], job)
end
return #due
`)

const promoteBatch = 100

// RedisQueue keeps one list of ready jobs per topic plus a sorted set of
// delayed jobs scored by due time in milliseconds.
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisQueue connects to redisURL and checks the connection.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisQueueWithClient(client), nil
}

// NewRedisQueueWithClient creates a queue from an existing Redis client.
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: "queue:",
		now:    time.Now,
	}
}

func (q *RedisQueue) readyKey(topic string) string {
	return q.prefix + topic
}

func (q *RedisQueue) delayedKey(topic string) string {
	return q.prefix + topic + ":delayed"
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job, q.now())
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(job.Topic), raw).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	job = prepare(job, q.now())
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey(job.Topic), redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed jobs, then pops the oldest ready job. A wait
// under one second polls without blocking.
func (q *RedisQueue) Dequeue(ctx context.Context, topic string, wait time.Duration) (*Job, error) {
	keys := []string{q.delayedKey(topic), q.readyKey(topic)}
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteDue.Run(ctx, q.client, keys, now, promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	var raw string
	if wait < time.Second {
		val, err := q.client.RPop(ctx, q.readyKey(topic)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue job: %w", err)
		}
		raw = val
	} else {
		res, err := q.client.BRPop(ctx, wait, q.readyKey(topic)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("dequeue job: %w", err)
		}
		raw = res[1]
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Len reports how many jobs are ready on topic.
func (q *RedisQueue) Len(ctx context.Context, topic string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(topic)).Result()
}

// Ping checks if Redis is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
