package cmd

import (
	"context"
	"fmt"
	"os"

	"tubebot/app/command"
	"tubebot/app/config"
	"tubebot/app/database"
	"tubebot/app/events"
	"tubebot/app/logger"
	"tubebot/app/media"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/service"
	"tubebot/app/telegram"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// app 进程内共享的组件
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	rdb    redis.UniversalClient
	queue  queue.Queue
	jobs   *repository.JobRepository
	users  *repository.UserRepository
	bot    *telegram.Client
	events events.Publisher

	commands    *service.CommandService
	pool        *service.WorkerPool
	housekeeper *service.Housekeeper
}

// newApp 创建进程组件，测试中可以替换
var newApp = bootstrap

// bootstrap 加载配置并初始化数据库、队列、媒体工具和服务
func bootstrap() (*app, error) {
	cfg := config.Load()
	log := logger.New(cfg.Log)
	watchConfig(log)

	if err := database.Init(cfg, log); err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		jobs:   repository.NewJobRepository(database.DB),
		users:  repository.NewUserRepository(database.DB),
		bot:    telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token),
		events: events.New(cfg.Events),
	}

	if cfg.Queue.Backend == "redis" {
		a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(context.Background()).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}

	q, err := queue.New(cfg, database.DB, a.rdb)
	if err != nil {
		a.close()
		return nil, err
	}
	a.queue = q
	log.Infof("队列后端: %s", cfg.Queue.Backend)

	if err := os.MkdirAll(cfg.Worker.TempDir, 0755); err != nil {
		a.close()
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}

	toolkit, err := media.NewToolkit(cfg.Tools, media.NewExecRunner(log), log)
	if err != nil {
		a.close()
		return nil, err
	}
	log.Infof("获取策略顺序: %v", toolkit.StrategyNames())

	policy := queue.PolicyFromConfig(cfg.Queue)
	pipeline := service.NewPipeline(a.jobs, toolkit, a.bot, a.events, policy, service.PipelineConfig{
		TempDir:     cfg.Worker.TempDir,
		MaxFileSize: cfg.Worker.MaxFileSizeBytes(),
		Thumbnails:  cfg.Worker.Thumbnails,
	}, log)

	parser := command.NewParser(cfg.Sources.AllowedHosts)
	a.commands = service.NewCommandService(parser, a.users, a.jobs, a.queue, a.bot, a.events, cfg.Telegram.BotName, log)
	a.pool = service.NewWorkerPool(log, a.queue, pipeline, service.NewWorkerPoolConfig(cfg))
	a.housekeeper = service.NewHousekeeper(log, a.queue, cfg.Housekeeping, cfg.Worker.TempDir)
	return a, nil
}

// watchConfig 配置文件变化时只热更新日志级别
func watchConfig(log *logger.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.Decode()
		if err != nil {
			log.Warnf("重新读取配置失败: %v", err)
			return
		}
		log.SetLevel(cfg.Log.Level)
		log.Infof("配置文件已变更: %s，日志级别: %s", e.Name, cfg.Log.Level)
	})
	viper.WatchConfig()
}

// startWorkers 启动工作池与定时清理
func (a *app) startWorkers() error {
	if err := a.housekeeper.Start(); err != nil {
		return fmt.Errorf("启动清理服务失败: %w", err)
	}
	a.pool.Start()
	return nil
}

// stopWorkers 先停止出队并等待进行中的任务，再停止定时清理
func (a *app) stopWorkers() {
	a.pool.Stop()
	a.housekeeper.Stop()
}

// close 释放外部连接
func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if err := a.events.Close(); err != nil {
		a.log.Warnf("关闭事件发布者失败: %v", err)
	}
	_ = a.bot.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := database.Close(); err != nil {
		a.log.Errorf("关闭数据库连接失败: %v", err)
	}
	_ = a.log.Close()
}

// checkBot 通过 getMe 校验 token
func (a *app) checkBot(ctx context.Context) {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		a.log.Warnf("getMe 调用失败，请检查 telegram.token: %v", err)
		return
	}
	a.log.Infof("机器人已连接: @%s", me.Username)
}
