package model

import (
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // 等待中
	JobStatusProcessing JobStatus = "processing" // 处理中
	JobStatusCompleted  JobStatus = "completed"  // 已完成
	JobStatusFailed     JobStatus = "failed"     // 失败
)

// IsTerminal 终态不再发生任何转换
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid 是否为已知状态
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job 一次媒体获取请求
type Job struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	UserID       uint      `json:"userId" gorm:"not null;index"`
	ChatID       int64     `json:"chatId" gorm:"not null"`
	MessageID    int64     `json:"messageId,omitempty" gorm:"comment:用户命令消息ID"`
	URL          string    `json:"url" gorm:"type:text;not null"`
	Status       JobStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	StartTime    string    `json:"startTime,omitempty" gorm:"size:16"` // 保留原始文本格式
	EndTime      string    `json:"endTime,omitempty" gorm:"size:16"`
	Quality      string    `json:"quality,omitempty" gorm:"size:16"`
	ConvertToMp3 bool      `json:"convertToMp3" gorm:"not null;default:false"`
	FilePath     string    `json:"-" gorm:"type:text"`
	FileName     string    `json:"fileName,omitempty" gorm:"size:255"`
	FileSize     *int64    `json:"fileSize,omitempty"`
	Error        string    `json:"error,omitempty" gorm:"type:text"`
	Attempts     int       `json:"attempts" gorm:"not null;default:0;comment:已执行次数"`

	// 机器人发出的确认消息，处理进度通过编辑它展示
	StatusMessageID int64 `json:"-"`

	// 开始投递的时间，非空说明文件可能已发出，重跑时不得再次投递
	DeliveryStartedAt *time.Time `json:"-"`

	// 文件已成功发出，结果写入 FilePath/FileName/FileSize，重跑时只需补记完成状态
	DeliveredAt *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	User *User `json:"-" gorm:"foreignKey:UserID"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "jobs"
}

// HasTrim 是否请求了裁剪
func (j *Job) HasTrim() bool {
	return j.StartTime != "" || j.EndTime != ""
}

// NeedsPostProcess 是否需要转码步骤
func (j *Job) NeedsPostProcess() bool {
	return j.HasTrim() || j.ConvertToMp3
}
