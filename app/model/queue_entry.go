package model

import (
	"time"
)

// QueueEntryState 队列条目状态
type QueueEntryState string

const (
	QueueStateWaiting   QueueEntryState = "waiting"   // 等待消费，可能带延迟
	QueueStateActive    QueueEntryState = "active"    // 已被消费者租用
	QueueStateCompleted QueueEntryState = "completed" // 已确认
	QueueStateFailed    QueueEntryState = "failed"    // 重试耗尽
)

// QueueEntry 数据库队列后端的条目
type QueueEntry struct {
	ID             uint            `gorm:"primarykey"`
	Queue          string          `gorm:"size:64;not null;uniqueIndex:idx_queue_job,priority:1;index:idx_queue_state,priority:1"`
	JobID          string          `gorm:"size:36;not null;uniqueIndex:idx_queue_job,priority:2"`
	Payload        []byte          `gorm:"not null"`
	State          QueueEntryState `gorm:"size:16;not null;default:waiting;index:idx_queue_state,priority:2"`
	Attempts       int             `gorm:"not null;default:0;comment:已投递次数"`
	MaxAttempts    int             `gorm:"not null;default:3"`
	AvailableAt    time.Time       `gorm:"not null;index"`
	LeaseExpiresAt *time.Time
	LastError      string `gorm:"type:text"`
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定表名
func (QueueEntry) TableName() string {
	return "queue_entries"
}
