package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"tubebot/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseQueue 基于 queue_entries 表的队列，条目通过带条件的更新认领
type DatabaseQueue struct {
	db     *gorm.DB
	name   string
	policy Policy
	now    func() time.Time

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewDatabaseQueue(db *gorm.DB, name string, policy Policy) *DatabaseQueue {
	return &DatabaseQueue{
		db:     db,
		name:   name,
		policy: policy,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *DatabaseQueue) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	entry := model.QueueEntry{
		Queue:       q.name,
		JobID:       jobID,
		Payload:     payload,
		State:       model.QueueStateWaiting,
		MaxAttempts: q.policy.MaxAttempts,
		AvailableAt: q.now().UTC(),
	}
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}, {Name: "job_id"}},
		DoNothing: true,
	}).Create(&entry).Error
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

func (q *DatabaseQueue) Dequeue(ctx context.Context) (*Delivery, error) {
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

// claim 认领一个到期的等待条目或租约过期的条目，没有可用条目时返回 nil
func (q *DatabaseQueue) claim(ctx context.Context) (*Delivery, error) {
	db := q.db.WithContext(ctx)
	for {
		now := q.now().UTC()

		var entry model.QueueEntry
		err := db.Where("queue = ?", q.name).
			Where("(state = ? AND available_at <= ?) OR (state = ? AND lease_expires_at <= ?)",
				model.QueueStateWaiting, now, model.QueueStateActive, now).
			Order("available_at, id").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		// 租约过期且次数用尽的条目直接进入 failed
		if entry.State == model.QueueStateActive && entry.Attempts >= entry.MaxAttempts {
			err := db.Model(&model.QueueEntry{}).
				Where("id = ? AND state = ? AND attempts = ?", entry.ID, model.QueueStateActive, entry.Attempts).
				Updates(map[string]any{
					"state":            model.QueueStateFailed,
					"last_error":       "lease expired",
					"lease_expires_at": nil,
					"finished_at":      now,
				}).Error
			if err != nil {
				return nil, err
			}
			continue
		}

		lease := now.Add(q.policy.VisibilityTimeout)
		res := db.Model(&model.QueueEntry{}).
			Where("id = ? AND state = ? AND attempts = ?", entry.ID, entry.State, entry.Attempts).
			Updates(map[string]any{
				"state":            model.QueueStateActive,
				"attempts":         entry.Attempts + 1,
				"lease_expires_at": lease,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// 被其他消费者抢先认领
			continue
		}
		return &Delivery{
			JobID:       entry.JobID,
			Payload:     entry.Payload,
			Attempt:     entry.Attempts + 1,
			MaxAttempts: entry.MaxAttempts,
		}, nil
	}
}

func (q *DatabaseQueue) Extend(ctx context.Context, d *Delivery) error {
	lease := q.now().UTC().Add(q.policy.VisibilityTimeout)
	return q.updateActive(ctx, d, map[string]any{"lease_expires_at": lease})
}

func (q *DatabaseQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.updateActive(ctx, d, map[string]any{
		"state":            model.QueueStateCompleted,
		"lease_expires_at": nil,
		"finished_at":      q.now().UTC(),
	})
}

func (q *DatabaseQueue) Fail(ctx context.Context, d *Delivery, reason string, retry bool) error {
	now := q.now().UTC()
	values := map[string]any{"last_error": reason, "lease_expires_at": nil}
	if retry && d.Attempt < d.MaxAttempts {
		values["state"] = model.QueueStateWaiting
		values["available_at"] = now.Add(q.policy.Backoff(d.Attempt))
	} else {
		values["state"] = model.QueueStateFailed
		values["finished_at"] = now
	}
	return q.updateActive(ctx, d, values)
}

func (q *DatabaseQueue) Metrics(ctx context.Context) (Metrics, error) {
	var rows []struct {
		State model.QueueEntryState
		Count int64
	}
	err := q.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Select("state, COUNT(*) AS count").
		Where("queue = ?", q.name).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Metrics{}, err
	}

	var m Metrics
	for _, row := range rows {
		switch row.State {
		case model.QueueStateWaiting:
			m.Waiting = row.Count
		case model.QueueStateActive:
			m.Active = row.Count
		case model.QueueStateCompleted:
			m.Completed = row.Count
		case model.QueueStateFailed:
			m.Failed = row.Count
		}
		m.Total += row.Count
	}
	return m, nil
}

func (q *DatabaseQueue) Clean(ctx context.Context) (int64, error) {
	completed, err := q.prune(ctx, model.QueueStateCompleted, q.policy.CompletedMaxAge, q.policy.CompletedMaxCount)
	if err != nil {
		return completed, err
	}
	failed, err := q.prune(ctx, model.QueueStateFailed, q.policy.FailedMaxAge, q.policy.FailedMaxCount)
	return completed + failed, err
}

// prune 删除早于 maxAge 的条目，并只保留最新的 maxCount 条
func (q *DatabaseQueue) prune(ctx context.Context, state model.QueueEntryState, maxAge time.Duration, maxCount int) (int64, error) {
	db := q.db.WithContext(ctx)
	var removed int64

	if maxAge > 0 {
		cutoff := q.now().UTC().Add(-maxAge)
		res := db.Where("queue = ? AND state = ? AND finished_at < ?", q.name, state, cutoff).
			Delete(&model.QueueEntry{})
		if res.Error != nil {
			return 0, res.Error
		}
		removed += res.RowsAffected
	}

	if maxCount > 0 {
		var ids []uint
		err := db.Model(&model.QueueEntry{}).
			Where("queue = ? AND state = ?", q.name, state).
			Order("finished_at DESC, id DESC").
			Pluck("id", &ids).Error
		if err != nil {
			return removed, err
		}
		if len(ids) > maxCount {
			res := db.Where("id IN ?", ids[maxCount:]).Delete(&model.QueueEntry{})
			if res.Error != nil {
				return removed, res.Error
			}
			removed += res.RowsAffected
		}
	}
	return removed, nil
}

func (q *DatabaseQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

// updateActive 只更新仍由该次投递持有的条目
func (q *DatabaseQueue) updateActive(ctx context.Context, d *Delivery, values map[string]any) error {
	res := q.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("queue = ? AND job_id = ? AND state = ? AND attempts = ?",
			q.name, d.JobID, model.QueueStateActive, d.Attempt).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *DatabaseQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
