package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], 0)
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: waiting active attempts failed errors; ARGV: now lease maxAttempts
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 16)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local attempts = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  if attempts >= tonumber(ARGV[3]) then
    redis.call('ZADD', KEYS[4], ARGV[1], id)
    redis.call('HSET', KEYS[5], id, 'lease expired')
  else
    redis.call('ZADD', KEYS[1], ARGV[1], id)
  end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local attempts = redis.call('HINCRBY', KEYS[3], id, 1)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, attempts}
`)

// KEYS: active attempts; ARGV: id lease attempt
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[3] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active completed attempts; ARGV: id now attempt
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[3] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active waiting failed errors attempts; ARGV: id now reason retry availableAt attempt
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[6] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
  return 1
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 0
`)

// KEYS: set payload attempts errors; ARGV: cutoff keep
var pruneScript = redis.NewScript(`
local removed = 0
local function drop(ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('HDEL', KEYS[2], id)
    redis.call('HDEL', KEYS[3], id)
    redis.call('HDEL', KEYS[4], id)
    removed = removed + 1
  end
end
if ARGV[1] ~= '' then
  drop(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1]))
end
local keep = tonumber(ARGV[2])
local n = redis.call('ZCARD', KEYS[1])
if keep > 0 and n > keep then
  drop(redis.call('ZRANGE', KEYS[1], 0, n - keep - 1))
end
return removed
`)

// RedisQueue 基于有序集合的队列，分数为可用时间或租约到期时间（毫秒）
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	policy Policy
	now    func() time.Time

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string, policy Policy) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		prefix: prefix,
		policy: policy,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *RedisQueue) nowMillis() int64 {
	return q.now().UnixMilli()
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	keys := []string{q.key("payload"), q.key("attempts"), q.key("waiting")}
	if err := enqueueScript.Run(ctx, q.rdb, keys, jobID, payload, q.nowMillis()).Err(); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(q.policy.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	keys := []string{q.key("waiting"), q.key("active"), q.key("attempts"), q.key("failed"), q.key("errors")}
	now := q.nowMillis()
	res, err := claimScript.Run(ctx, q.rdb, keys,
		now, now+q.policy.VisibilityTimeout.Milliseconds(), q.policy.MaxAttempts).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("意外的认领结果: %v", res)
	}

	jobID, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	payload, err := q.rdb.HGet(ctx, q.key("payload"), jobID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("读取任务载荷失败: %w", err)
	}
	return &Delivery{
		JobID:       jobID,
		Payload:     payload,
		Attempt:     int(attempt),
		MaxAttempts: q.policy.MaxAttempts,
	}, nil
}

func (q *RedisQueue) Extend(ctx context.Context, d *Delivery) error {
	lease := q.nowMillis() + q.policy.VisibilityTimeout.Milliseconds()
	keys := []string{q.key("active"), q.key("attempts")}
	n, err := extendScript.Run(ctx, q.rdb, keys, d.JobID, lease, d.Attempt).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	keys := []string{q.key("active"), q.key("completed"), q.key("attempts")}
	n, err := ackScript.Run(ctx, q.rdb, keys, d.JobID, q.nowMillis(), d.Attempt).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, reason string, retry bool) error {
	now := q.nowMillis()
	flag := "0"
	if retry && d.Attempt < q.policy.MaxAttempts {
		flag = "1"
	}
	availableAt := now + q.policy.Backoff(d.Attempt).Milliseconds()

	keys := []string{q.key("active"), q.key("waiting"), q.key("failed"), q.key("errors"), q.key("attempts")}
	n, err := failScript.Run(ctx, q.rdb, keys, d.JobID, now, reason, flag, availableAt, d.Attempt).Int()
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) Metrics(ctx context.Context) (Metrics, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	m.Total = m.Waiting + m.Active + m.Completed + m.Failed
	return m, nil
}

func (q *RedisQueue) Clean(ctx context.Context) (int64, error) {
	completed, err := q.prune(ctx, "completed", q.policy.CompletedMaxAge, q.policy.CompletedMaxCount)
	if err != nil {
		return completed, err
	}
	failed, err := q.prune(ctx, "failed", q.policy.FailedMaxAge, q.policy.FailedMaxCount)
	return completed + failed, err
}

func (q *RedisQueue) prune(ctx context.Context, set string, maxAge time.Duration, maxCount int) (int64, error) {
	cutoff := ""
	if maxAge > 0 {
		cutoff = strconv.FormatInt(q.now().Add(-maxAge).UnixMilli(), 10)
	}
	keys := []string{q.key(set), q.key("payload"), q.key("attempts"), q.key("errors")}
	return pruneScript.Run(ctx, q.rdb, keys, cutoff, maxCount).Int64()
}

func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
