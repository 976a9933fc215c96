package repository

import (
	"context"
	"errors"

	"tubebot/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Profile 来自聊天平台的用户资料
type Profile struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LanguageCode string
}

// UserRepository 用户存取
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert 首次出现时创建用户，之后只更新名称字段
func (r *UserRepository) Upsert(ctx context.Context, p Profile) (*model.User, error) {
	user := model.User{
		TelegramID:   p.TelegramID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LanguageCode: p.LanguageCode,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "language_code", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	return r.GetByTelegramID(ctx, p.TelegramID)
}

// Get 按主键查询
func (r *UserRepository) Get(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetByTelegramID 按平台用户ID查询
func (r *UserRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
