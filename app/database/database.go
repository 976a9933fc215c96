package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tubebot/app/config"
	"tubebot/app/logger"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 全局数据库实例
var DB *gorm.DB

// Init 初始化数据库连接并迁移表结构
func Init(cfg *config.Config, log *logger.Logger) error {
	db, err := Open(cfg.Database, cfg.Log.Level == "debug")
	if err != nil {
		log.Errorf("连接数据库失败: %v", err)
		return err
	}

	DB = db
	log.Infof("数据库连接成功: %s", cfg.Database.Driver)

	if err := AutoMigrate(DB); err != nil {
		log.Errorf("数据库迁移失败: %v", err)
		return err
	}
	return nil
}

// Open 按配置打开数据库，sqlite 文件所在目录不存在时自动创建
func Open(cfg config.DatabaseConfig, verbose bool) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if verbose {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
			if err := ensureDir(filepath.Dir(dsn)); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
			if !strings.Contains(dsn, "?") {
				dsn += "?_busy_timeout=5000&_journal_mode=WAL"
			}
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "postgres" {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite 只允许单写，串行化连接避免 database is locked
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewMemory 打开独立的内存 sqlite 数据库并完成迁移，用于测试
func NewMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, false)
	if err != nil {
		return nil, err
	}
	db.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Ping 检查数据库连通性
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// GetDB 获取数据库实例
func GetDB() *gorm.DB {
	return DB
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
