package service

import (
	"context"
	"time"

	"tubebot/app/config"
	"tubebot/app/logger"
	"tubebot/app/queue"
	"tubebot/app/utils/pathhelper"

	"github.com/robfig/cron/v3"
)

// Housekeeper 定时清理队列保留条目和临时目录中的遗留文件
type Housekeeper struct {
	logger  *logger.Logger
	queue   queue.Queue
	cfg     config.HousekeepingConfig
	tempDir string
	cron    *cron.Cron
	now     func() time.Time
}

func NewHousekeeper(log *logger.Logger, q queue.Queue, cfg config.HousekeepingConfig, tempDir string) *Housekeeper {
	return &Housekeeper{
		logger:  log,
		queue:   q,
		cfg:     cfg,
		tempDir: tempDir,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start 注册定时任务并启动调度器
func (h *Housekeeper) Start() error {
	if h.cfg.QueueCleanSpec != "" {
		if _, err := h.cron.AddFunc(h.cfg.QueueCleanSpec, h.CleanQueue); err != nil {
			return err
		}
	}
	if h.cfg.TempSweepSpec != "" && h.cfg.TempMaxAge > 0 {
		if _, err := h.cron.AddFunc(h.cfg.TempSweepSpec, h.SweepTemp); err != nil {
			return err
		}
	}
	h.cron.Start()
	h.logger.Info("清理服务已启动")
	return nil
}

// Stop 停止调度并等待正在执行的清理完成
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
	h.logger.Info("清理服务已停止")
}

// CleanQueue 按保留策略删除已完成与失败的队列条目
func (h *Housekeeper) CleanQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := h.queue.Clean(ctx)
	if err != nil {
		h.logger.Errorf("清理队列条目失败: %v", err)
		return
	}
	if n > 0 {
		h.logger.Infof("已清理 %d 个队列条目", n)
	}
}

// SweepTemp 删除超过保留时间的临时文件，进行中任务的文件不会超过任务超时
func (h *Housekeeper) SweepTemp() {
	n, err := pathhelper.SweepOlderThan(h.tempDir, h.cfg.TempMaxAge, h.now())
	if err != nil {
		h.logger.Errorf("清理临时目录失败: %v", err)
		return
	}
	if n > 0 {
		h.logger.Infof("已清理 %d 个遗留临时文件", n)
	}
}
