package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"tubebot/app/config"
	"tubebot/app/errs"
	"tubebot/app/logger"
	"tubebot/app/queue"

	"go.uber.org/zap"
)

// WorkerPoolConfig 工作池配置
type WorkerPoolConfig struct {
	Concurrency       int           // 并发槽位数
	JobTimeout        time.Duration // 单个任务的最长执行时间
	ShutdownGrace     time.Duration // 停止时等待进行中任务的时间
	VisibilityTimeout time.Duration // 队列租约时长，心跳按其三分之一续约
}

// NewWorkerPoolConfig 从全局配置生成工作池配置
func NewWorkerPoolConfig(cfg *config.Config) WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}
}

// WorkerPool 固定槽位的队列消费者，每个槽位同一时间只执行一个任务
type WorkerPool struct {
	logger   *logger.Logger
	queue    queue.Queue
	pipeline *Pipeline
	config   WorkerPoolConfig
	workers  chan struct{} // 用于控制并发数的信号量

	// ctx 控制是否继续出队，runCtx 控制进行中的任务
	ctx       context.Context
	cancel    context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc

	dispatcher sync.WaitGroup
	wg         sync.WaitGroup
	isRunning  bool
	mu         sync.RWMutex
}

func NewWorkerPool(log *logger.Logger, q queue.Queue, pipeline *Pipeline, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1 // 默认 1 个并发
	}
	return &WorkerPool{
		logger:   log,
		queue:    q,
		pipeline: pipeline,
		config:   cfg,
		workers:  make(chan struct{}, cfg.Concurrency),
	}
}

// Start 启动工作池
func (s *WorkerPool) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Warn("工作池已经在运行中")
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.isRunning = true
	s.logger.Infof("启动下载工作池，最大并发数: %d", s.config.Concurrency)

	s.dispatcher.Add(1)
	go s.processQueue()
}

// Stop 停止出队，等待进行中的任务至多 ShutdownGrace，超时后取消它们
func (s *WorkerPool) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("正在停止下载工作池...")
	s.cancel()
	s.dispatcher.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("等待进行中的任务超时，取消剩余任务")
		s.runCancel()
		<-done
	}
	s.runCancel()
	s.isRunning = false
	s.logger.Info("下载工作池已停止")
}

// IsRunning 工作池是否在运行
func (s *WorkerPool) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// processQueue 获取空闲槽位后出队，并在槽位上执行任务
func (s *WorkerPool) processQueue() {
	defer s.dispatcher.Done()

	for {
		select {
		case s.workers <- struct{}{}: // 获取工作者槽位
		case <-s.ctx.Done():
			return
		}

		d, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			<-s.workers
			if s.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			s.logger.Errorf("出队失败: %v", err)
			select {
			case <-time.After(time.Second):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.runJob(d)
	}
}

// runJob 执行单个任务并结算队列条目
func (s *WorkerPool) runJob(d *queue.Delivery) {
	defer func() {
		<-s.workers // 释放工作者槽位
		s.wg.Done()
	}()

	log := s.logger.Job(d.JobID, d.Attempt)

	ctx := s.runCtx
	var cancel context.CancelFunc
	if s.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stopHeartbeat := s.heartbeat(ctx, d, log)
	res := s.pipeline.Run(ctx, d)
	stopHeartbeat()

	s.settle(d, res, log)
}

// heartbeat 定期续约，防止长任务被当作崩溃重新投递
func (s *WorkerPool) heartbeat(ctx context.Context, d *queue.Delivery, log *zap.Logger) func() {
	interval := s.config.VisibilityTimeout / 3
	if interval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.queue.Extend(hbCtx, d); err != nil && hbCtx.Err() == nil {
					log.Warn("续约失败", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settle 根据执行结果确认或失败队列条目
func (s *WorkerPool) settle(d *queue.Delivery, res Result, log *zap.Logger) {
	if res.Interrupted {
		log.Info("任务中断，保留租约等待重新投递")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if res.Err == nil {
		err = s.queue.Ack(ctx, d)
	} else {
		err = s.queue.Fail(ctx, d, errs.UserMessage(res.Err), res.Retry)
	}
	if err != nil {
		log.Error("结算队列条目失败", zap.String("result", res.String()), zap.Error(err))
	}
}
