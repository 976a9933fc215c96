package repository

import (
	"context"
	"errors"
	"time"

	"tubebot/app/model"

	"gorm.io/gorm"
)

// ErrTransitionRejected 状态转换条件不满足，没有行被更新
var ErrTransitionRejected = errors.New("job status transition rejected")

// JobResult 成功任务的结果信息
type JobResult struct {
	Path string
	Name string
	Size int64
}

// JobFilter 列表查询条件
type JobFilter struct {
	Status model.JobStatus
	UserID uint
	Page   int
	Size   int
}

// JobRepository 任务存取，所有状态变更都是带条件的单行更新
type JobRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// Create 插入新任务，状态固定为 pending
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	job.Status = model.JobStatusPending
	job.CompletedAt = nil
	job.FileSize = nil
	return r.db.WithContext(ctx).Create(job).Error
}

// Get 按ID查询任务
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// List 分页查询任务，按创建时间倒序
func (r *JobRepository) List(ctx context.Context, f JobFilter) ([]model.Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Job{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.UserID > 0 {
		query = query.Where("user_id = ?", f.UserID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Size <= 0 || f.Size > 100 {
		f.Size = 20
	}

	var jobs []model.Job
	err := query.Order("created_at DESC").Offset((f.Page - 1) * f.Size).Limit(f.Size).Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// MarkProcessing pending/processing -> processing，并记录当前尝试次数
func (r *JobRepository) MarkProcessing(ctx context.Context, id string, attempt int) (*model.Job, error) {
	err := r.transition(ctx, id,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		map[string]any{"status": model.JobStatusProcessing, "attempts": attempt, "error": ""},
	)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// MarkDeliveryStarted 在调用投递前记录，每个任务只能成功一次
func (r *JobRepository) MarkDeliveryStarted(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND delivery_started_at IS NULL", id, model.JobStatusProcessing).
		Updates(map[string]any{"delivery_started_at": r.now(), "updated_at": r.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

// MarkDelivered 文件发出后立即记录结果，状态仍为 processing
func (r *JobRepository) MarkDelivered(ctx context.Context, id string, result JobResult) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND delivered_at IS NULL", id, model.JobStatusProcessing).
		Updates(map[string]any{
			"delivered_at": now,
			"file_path":    result.Path,
			"file_name":    result.Name,
			"file_size":    result.Size,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

// MarkRequeued processing -> pending，等待队列重试
func (r *JobRepository) MarkRequeued(ctx context.Context, id, reason string) error {
	return r.transition(ctx, id,
		[]model.JobStatus{model.JobStatusProcessing},
		map[string]any{"status": model.JobStatusPending, "error": reason},
	)
}

// MarkFailed 非终态 -> failed
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.transition(ctx, id,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		map[string]any{"status": model.JobStatusFailed, "error": reason, "completed_at": r.now()},
	)
}

// Complete processing -> completed，同一事务内给用户下载计数加一
func (r *JobRepository) Complete(ctx context.Context, id string, result JobResult) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", id, model.JobStatusProcessing).
			Updates(map[string]any{
				"status":       model.JobStatusCompleted,
				"file_path":    result.Path,
				"file_name":    result.Name,
				"file_size":    result.Size,
				"error":        "",
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTransitionRejected
		}

		var job model.Job
		if err := tx.Select("user_id").Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		return tx.Model(&model.User{}).Where("id = ?", job.UserID).
			UpdateColumn("total_downloads", gorm.Expr("total_downloads + ?", 1)).Error
	})
}

// SetStatusMessage 记录确认消息ID，不改变状态
func (r *JobRepository) SetStatusMessage(ctx context.Context, id string, messageID int64) error {
	return r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		UpdateColumn("status_message_id", messageID).Error
}

// CountByStatus 按状态统计任务数
func (r *JobRepository) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	var rows []struct {
		Status model.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Job{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *JobRepository) transition(ctx context.Context, id string, from []model.JobStatus, values map[string]any) error {
	values["updated_at"] = r.now()
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}
