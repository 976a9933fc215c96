package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"tubebot/app/command"
	"tubebot/app/errs"
	"tubebot/app/events"
	"tubebot/app/logger"
	"tubebot/app/media"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/telegram"
	"tubebot/app/utils/pathhelper"

	"go.uber.org/zap"
)

// MediaToolkit 流水线用到的媒体操作，*media.Toolkit 满足该接口
type MediaToolkit interface {
	Probe(ctx context.Context, url string) (*media.Info, error)
	Acquire(ctx context.Context, req media.AcquireRequest, outputPath string) error
	Transcode(ctx context.Context, in, out string, opts media.TranscodeOptions) error
	Thumbnail(ctx context.Context, videoPath, out string) error
}

// PipelineConfig 流水线参数
type PipelineConfig struct {
	TempDir     string
	MaxFileSize int64 // 字节
	Thumbnails  bool
}

// Result 一次执行的结果，决定队列如何结算
type Result struct {
	Err         error
	Retry       bool // 交给队列退避重试
	Skipped     bool // 任务已是终态，直接确认
	Interrupted bool // 进程关闭导致中断，不结算，等待租约过期后重新投递
}

// Pipeline 单个任务的获取流水线
type Pipeline struct {
	jobs     *repository.JobRepository
	media    MediaToolkit
	notifier Notifier
	events   events.Publisher
	policy   queue.Policy
	cfg      PipelineConfig
	log      *logger.Logger
	now      func() time.Time

	persistBackoff time.Duration // 文件发出后落库失败的重试间隔
}

func NewPipeline(jobs *repository.JobRepository, toolkit MediaToolkit, notifier Notifier,
	publisher events.Publisher, policy queue.Policy, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Pipeline{
		jobs:     jobs,
		media:    toolkit,
		notifier: notifier,
		events:   publisher,
		policy:   policy,
		cfg:      cfg,
		log:      log,
		now:      time.Now,

		persistBackoff: 500 * time.Millisecond,
	}
}

// run 执行上下文中的可变状态
type run struct {
	job      *model.Job
	delivery *queue.Delivery
	log      *zap.Logger
	started  time.Time
	statusID int64 // 可编辑的进度消息
}

// Run 执行一次流水线，所有错误在这里分类，临时文件在返回前清理
func (p *Pipeline) Run(ctx context.Context, d *queue.Delivery) Result {
	log := p.log.Job(d.JobID, d.Attempt)

	job, err := p.jobs.MarkProcessing(ctx, d.JobID, d.Attempt)
	if errors.Is(err, repository.ErrTransitionRejected) {
		log.Warn("任务已处于终态或不存在，跳过")
		return Result{Skipped: true}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{Interrupted: true, Err: err}
		}
		return p.failWithoutRow(ctx, d, errs.Wrap(errs.InternalError, "mark processing", "", err), log)
	}

	r := &run{job: job, delivery: d, log: log, started: p.now(), statusID: job.StatusMessageID}
	p.publish(ctx, r, events.JobProcessing, nil)
	log.Info("开始处理任务", zap.String("url", job.URL))

	defer func() {
		n, cerr := pathhelper.RemoveJobFiles(p.cfg.TempDir, job.ID)
		if cerr != nil {
			log.Warn("清理临时文件失败", zap.Error(cerr))
		} else if n > 0 {
			log.Debug("已清理临时文件", zap.Int("count", n))
		}
	}()

	switch {
	case job.DeliveredAt != nil:
		err = p.resumeDelivered(ctx, r)
	case job.DeliveryStartedAt != nil:
		// 上一次执行开始投递后中断，文件可能已发出，不再获取也不再投递
		err = errDeliveryInterrupted()
	default:
		err = p.execute(ctx, r)
	}
	if err == nil {
		log.Info("任务完成", zap.Duration("elapsed", p.now().Sub(r.started)))
		return Result{}
	}
	return p.handleFailure(ctx, r, err)
}

// execute 按顺序执行获取、处理、校验与投递，panic 转为 InternalError
func (p *Pipeline) execute(ctx context.Context, r *run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("流水线发生 panic", zap.Any("panic", rec), zap.Stack("stack"))
			err = errs.New(errs.InternalError, "pipeline", fmt.Sprintf("panic: %v", rec))
		}
	}()

	job := r.job

	p.progress(ctx, r, "🔍 Fetching video information...")
	info, err := p.media.Probe(ctx, job.URL)
	if err != nil {
		return err
	}

	trim, outDuration, err := resolveTrim(job, info.DurationSeconds())
	if err != nil {
		return err
	}

	p.progress(ctx, r, "⬇️ Downloading...")
	source := pathhelper.JobPath(p.cfg.TempDir, job.ID, "source.mp4")
	if err := p.media.Acquire(ctx, media.AcquireRequest{URL: job.URL, Quality: job.Quality}, source); err != nil {
		return err
	}

	final, ext := source, "mp4"
	if job.NeedsPostProcess() {
		if job.ConvertToMp3 {
			ext = "mp3"
		}
		final = pathhelper.JobPath(p.cfg.TempDir, job.ID, "final."+ext)
		trim.AudioOnly = job.ConvertToMp3

		p.progress(ctx, r, "✂️ Processing...")
		if err := p.media.Transcode(ctx, source, final, trim); err != nil {
			return err
		}
	}

	fi, err := os.Stat(final)
	if err != nil {
		return errs.Wrap(errs.ProcessingFailure, "stat", "The output file is missing.", err)
	}
	if fi.Size() == 0 {
		return errs.New(errs.ProcessingFailure, "stat", "The output file is empty.")
	}
	if p.cfg.MaxFileSize > 0 && fi.Size() > p.cfg.MaxFileSize {
		return errs.Newf(errs.SizeLimitExceeded, "size check", "File too large: %.2fMB (max: %dMB)",
			float64(fi.Size())/1024/1024, p.cfg.MaxFileSize/1024/1024)
	}

	thumb := ""
	if p.cfg.Thumbnails && !job.ConvertToMp3 {
		thumb = pathhelper.JobPath(p.cfg.TempDir, job.ID, "thumb.jpg")
		if err := p.media.Thumbnail(ctx, final, thumb); err != nil {
			r.log.Warn("生成缩略图失败，继续投递", zap.Error(err))
			thumb = ""
		}
	}

	if err := p.beginDelivery(ctx, r); err != nil {
		return err
	}

	p.progress(ctx, r, "📤 Uploading...")
	name := pathhelper.DeliveryName(info.Title, job.ID, ext)
	kind := telegram.FileVideo
	if job.ConvertToMp3 {
		kind = telegram.FileAudio
	}
	_, err = p.notifier.SendFile(ctx, job.ChatID, telegram.OutgoingFile{
		Kind:      kind,
		Path:      final,
		Name:      name,
		Caption:   captionText(info.Title, fi.Size(), outDuration, job),
		Thumbnail: thumb,
		Duration:  outDuration,
		Title:     info.Title,
		ReplyTo:   job.MessageID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs.KindOf(err) != errs.DeliveryFailure {
			err = errs.Wrap(errs.DeliveryFailure, "deliver", "", err)
		}
		return err
	}

	result := repository.JobResult{Path: final, Name: name, Size: fi.Size()}
	err = p.persist(ctx, r, func(ctx context.Context) error {
		return p.jobs.MarkDelivered(ctx, job.ID, result)
	})
	if err != nil {
		// 完成状态仍会在下面写入；两者都失败时重跑会因投递标记而终止
		r.log.Error("记录投递结果失败", zap.Error(err))
	}
	return p.finish(ctx, r, result)
}

// resumeDelivered 文件已在之前的尝试中发出，只补记完成状态
func (p *Pipeline) resumeDelivered(ctx context.Context, r *run) error {
	job := r.job
	r.log.Info("文件已发出，跳过获取与投递，补记任务结果")
	result := repository.JobResult{Path: job.FilePath, Name: job.FileName}
	if job.FileSize != nil {
		result.Size = *job.FileSize
	}
	return p.finish(ctx, r, result)
}

// finish 写入完成状态并通知用户
func (p *Pipeline) finish(ctx context.Context, r *run, result repository.JobResult) error {
	err := p.persist(ctx, r, func(ctx context.Context) error {
		return p.jobs.Complete(ctx, r.job.ID, result)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.InternalError, "complete", "The file was sent but the result could not be recorded.", err)
	}

	p.progress(ctx, r, "✅ Done!")
	p.publish(ctx, r, events.JobCompleted, func(e *events.Event) { e.FileSize = result.Size })
	return nil
}

// beginDelivery 投递前落库标记，每个任务只能标记一次
func (p *Pipeline) beginDelivery(ctx context.Context, r *run) error {
	err := p.jobs.MarkDeliveryStarted(ctx, r.job.ID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		return errDeliveryInterrupted()
	}
	if err != nil {
		return errs.Wrap(errs.InternalError, "deliver", "", err)
	}
	return nil
}

func errDeliveryInterrupted() error {
	return errs.New(errs.DeliveryFailure, "deliver",
		"Delivery was interrupted in a previous attempt and is not repeated. Please submit the request again.")
}

// persist 文件发出之后的落库操作，失败时短暂重试
func (p *Pipeline) persist(ctx context.Context, r *run, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = fn(ctx); err == nil || errors.Is(err, repository.ErrTransitionRejected) {
			return err
		}
		r.log.Warn("写入任务结果失败，重试中", zap.Error(err), zap.Int("try", i+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * p.persistBackoff):
		}
	}
	return err
}

// handleFailure 分类错误并持久化：可重试时回到 pending，否则进入 failed
func (p *Pipeline) handleFailure(ctx context.Context, r *run, err error) Result {
	job, d := r.job, r.delivery

	if errors.Is(ctx.Err(), context.Canceled) {
		r.log.Warn("任务被中断，等待重新投递", zap.Error(err))
		return Result{Err: err, Interrupted: true}
	}
	if errors.Is(err, context.DeadlineExceeded) && !isClassified(err) {
		err = errs.Wrap(errs.InternalError, "pipeline", "The request timed out.", err)
	}

	// 超时后原上下文已失效，落库与通知使用独立的上下文
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	reason := errs.UserMessage(err)
	retry := d.Attempt < d.MaxAttempts && errs.Retryable(err)
	fields := []zap.Field{zap.Error(err), zap.String("kind", string(errs.KindOf(err))), zap.Bool("retry", retry)}

	if retry {
		r.log.Warn("任务执行失败，等待重试", fields...)
		if perr := p.jobs.MarkRequeued(pctx, job.ID, reason); perr != nil {
			r.log.Error("回退任务状态失败", zap.Error(perr))
		}
		delay := p.policy.Backoff(d.Attempt)
		p.status(pctx, r, retryText(job, d.Attempt, d.MaxAttempts, reason, delay.String()))
		p.publish(pctx, r, events.JobRetrying, withError(err))
		return Result{Err: err, Retry: true}
	}

	r.log.Error("任务失败", fields...)
	if perr := p.jobs.MarkFailed(pctx, job.ID, reason); perr != nil {
		r.log.Error("标记任务失败状态出错", zap.Error(perr))
	}
	p.notifyFailure(pctx, job.ChatID, job.MessageID, job.ID, reason, r.log)
	p.publish(pctx, r, events.JobFailed, withError(err))
	return Result{Err: err}
}

// failWithoutRow 任务行无法读取时，只能依据载荷通知用户
func (p *Pipeline) failWithoutRow(ctx context.Context, d *queue.Delivery, err error, log *zap.Logger) Result {
	retry := d.Attempt < d.MaxAttempts
	log.Error("无法更新任务状态", zap.Error(err), zap.Bool("retry", retry))
	if retry {
		return Result{Err: err, Retry: true}
	}

	payload, perr := DecodeJobPayload(d.Payload)
	if perr != nil {
		log.Warn("解析任务载荷失败", zap.Error(perr))
		return Result{Err: err}
	}
	if jerr := p.jobs.MarkFailed(ctx, d.JobID, errs.UserMessage(err)); jerr != nil {
		log.Warn("标记任务失败状态出错", zap.Error(jerr))
	}
	p.notifyFailure(ctx, payload.ChatID, 0, d.JobID, errs.UserMessage(err), log)
	return Result{Err: err}
}

func (p *Pipeline) notifyFailure(ctx context.Context, chatID, replyTo int64, jobID, reason string, log *zap.Logger) {
	if _, err := p.notifier.SendMessage(ctx, chatID, replyTo, failureText(jobID, reason)); err != nil {
		log.Warn("发送失败通知出错", zap.Error(err))
	}
}

func (p *Pipeline) progress(ctx context.Context, r *run, step string) {
	p.status(ctx, r, progressText(r.job, step))
}

// status 编辑确认消息展示进度，没有确认消息时发送一条新消息
func (p *Pipeline) status(ctx context.Context, r *run, text string) {
	if r.statusID != 0 {
		if err := p.notifier.EditMessageText(ctx, r.job.ChatID, r.statusID, text); err != nil {
			r.log.Debug("更新进度消息失败", zap.Error(err))
		}
		return
	}
	msg, err := p.notifier.SendMessage(ctx, r.job.ChatID, r.job.MessageID, text)
	if err != nil {
		r.log.Debug("发送进度消息失败", zap.Error(err))
		return
	}
	r.statusID = msg.MessageID
}

func (p *Pipeline) publish(ctx context.Context, r *run, typ string, mutate func(*events.Event)) {
	e := events.Event{
		Type:      typ,
		JobID:     r.job.ID,
		UserID:    r.job.UserID,
		Attempt:   r.delivery.Attempt,
		Elapsed:   p.now().Sub(r.started).Seconds(),
		Timestamp: p.now(),
	}
	if mutate != nil {
		mutate(&e)
	}
	if err := p.events.Publish(ctx, e); err != nil {
		r.log.Warn("发布任务事件失败", zap.String("type", typ), zap.Error(err))
	}
}

func withError(err error) func(*events.Event) {
	return func(e *events.Event) {
		e.ErrorKind = string(errs.KindOf(err))
		e.Error = errs.UserMessage(err)
	}
}

func isClassified(err error) bool {
	var e *errs.Error
	return errors.As(err, &e)
}

// resolveTrim 校验裁剪范围并换算为转码参数，返回输出时长（秒）
func resolveTrim(job *model.Job, duration int) (media.TranscodeOptions, int, error) {
	var opts media.TranscodeOptions
	if !job.HasTrim() {
		return opts, duration, nil
	}

	start := 0
	if job.StartTime != "" {
		s, err := command.ToSeconds(job.StartTime)
		if err != nil {
			return opts, 0, err
		}
		start = s
	}
	end := duration
	if job.EndTime != "" {
		e, err := command.ToSeconds(job.EndTime)
		if err != nil {
			return opts, 0, err
		}
		end = e
		if end <= start {
			return opts, 0, errs.New(errs.InvalidInput, "trim", "END must be after START.")
		}
	}

	if duration > 0 {
		if start >= duration {
			return opts, 0, errs.Newf(errs.InvalidInput, "trim", "START (%s) is beyond the video length (%s).",
				command.FormatSeconds(start), command.FormatSeconds(duration))
		}
		if end > duration {
			end = duration
		}
	}

	opts.Start = time.Duration(start) * time.Second
	if job.EndTime != "" {
		opts.Duration = time.Duration(end-start) * time.Second
	}
	out := 0
	if end > start {
		out = end - start
	}
	return opts, out, nil
}

func (r Result) String() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Interrupted:
		return "interrupted"
	case r.Err == nil:
		return "completed"
	case r.Retry:
		return fmt.Sprintf("retry: %v", r.Err)
	default:
		return fmt.Sprintf("failed: %v", r.Err)
	}
}
