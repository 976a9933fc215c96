// Package queue 提供带租约、重试退避和保留策略的持久化任务队列
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"tubebot/app/config"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrClosed 队列已关闭
	ErrClosed = errors.New("queue closed")
	// ErrNotInFlight 条目不在租用状态，或者租约已过期并投递给了其他消费者
	ErrNotInFlight = errors.New("queue entry not in flight")
)

// Delivery 一次投递
type Delivery struct {
	JobID       string
	Payload     []byte
	Attempt     int // 从 1 开始
	MaxAttempts int
}

// LastAttempt 是否为最后一次尝试
func (d *Delivery) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// Metrics 队列计数
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Queue 至少一次投递的任务队列，条目以任务ID为键
type Queue interface {
	// Enqueue 幂等，同一任务ID重复入队不产生新条目
	Enqueue(ctx context.Context, jobID string, payload []byte) error
	// Dequeue 阻塞直到有可用条目、ctx 结束或队列关闭
	Dequeue(ctx context.Context) (*Delivery, error)
	// Extend 延长租约
	// 以下三个操作都以投递的尝试次数作为租约凭证，过期租约的持有者会得到 ErrNotInFlight
	Extend(ctx context.Context, d *Delivery) error
	// Ack 确认完成
	Ack(ctx context.Context, d *Delivery) error
	// Fail 失败；retry 为 true 且仍有剩余次数时按退避重新入队，否则进入 failed
	Fail(ctx context.Context, d *Delivery, reason string, retry bool) error
	Metrics(ctx context.Context) (Metrics, error)
	// Clean 按保留策略删除终态条目，返回删除数量
	Clean(ctx context.Context) (int64, error)
	Close() error
}

// Policy 重试、租约和保留策略，两种后端共用
type Policy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffFactor     float64
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	CompletedMaxCount int
	CompletedMaxAge   time.Duration
	FailedMaxCount    int
	FailedMaxAge      time.Duration
}

// DefaultPolicy 3 次尝试，2s 起指数退避
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffFactor:     2,
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      time.Second,
		CompletedMaxCount: 100,
		CompletedMaxAge:   24 * time.Hour,
		FailedMaxCount:    1000,
		FailedMaxAge:      7 * 24 * time.Hour,
	}
}

// PolicyFromConfig 从配置构建策略
func PolicyFromConfig(cfg config.QueueConfig) Policy {
	return Policy{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffFactor:     cfg.BackoffFactor,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
		CompletedMaxCount: cfg.CompletedMaxCount,
		CompletedMaxAge:   cfg.CompletedMaxAge,
		FailedMaxCount:    cfg.FailedMaxCount,
		FailedMaxAge:      cfg.FailedMaxAge,
	}
}

// Backoff 第 attempt 次失败后的等待时间：base * factor^(attempt-1)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BackoffBase) * math.Pow(factor, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry 第 attempt 次失败后是否还会重新投递
func (p Policy) ShouldRetry(attempt int, retryable bool) bool {
	return retryable && attempt < p.MaxAttempts
}

func (p Policy) pollInterval() time.Duration {
	if p.PollInterval <= 0 {
		return time.Second
	}
	return p.PollInterval
}

// New 按配置创建队列后端
func New(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient) (Queue, error) {
	policy := PolicyFromConfig(cfg.Queue)
	switch cfg.Queue.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis 队列后端需要 redis 客户端")
		}
		return NewRedisQueue(rdb, cfg.Redis.Prefix+":"+cfg.Queue.Name, policy), nil
	default:
		if db == nil {
			return nil, errors.New("数据库队列后端需要数据库连接")
		}
		return NewDatabaseQueue(db, cfg.Queue.Name, policy), nil
	}
}
