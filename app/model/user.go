package model

import (
	"time"
)

// User 聊天平台用户，首次发送命令时创建，之后只更新名称字段
type User struct {
	ID             uint      `json:"id" gorm:"primarykey"`
	TelegramID     int64     `json:"telegram_id" gorm:"uniqueIndex;not null"`
	Username       string    `json:"username" gorm:"size:64"`
	FirstName      string    `json:"first_name" gorm:"size:128"`
	LanguageCode   string    `json:"language_code" gorm:"size:16"`
	TotalDownloads int64     `json:"total_downloads" gorm:"not null;default:0;comment:成功下载次数"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// DisplayName 返回用于消息的称呼
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "there"
}
