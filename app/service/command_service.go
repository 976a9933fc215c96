package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"tubebot/app/command"
	"tubebot/app/errs"
	"tubebot/app/events"
	"tubebot/app/logger"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/telegram"

	"github.com/google/uuid"
)

// CommandService 处理聊天命令：解析、建任务、入队
type CommandService struct {
	parser   *command.Parser
	users    *repository.UserRepository
	jobs     *repository.JobRepository
	queue    queue.Queue
	notifier Notifier
	events   events.Publisher
	botName  string
	logger   *logger.Logger
}

func NewCommandService(parser *command.Parser, users *repository.UserRepository, jobs *repository.JobRepository,
	q queue.Queue, notifier Notifier, publisher events.Publisher, botName string, log *logger.Logger) *CommandService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &CommandService{
		parser:   parser,
		users:    users,
		jobs:     jobs,
		queue:    q,
		notifier: notifier,
		events:   publisher,
		botName:  strings.TrimPrefix(botName, "@"),
		logger:   log,
	}
}

// HandleUpdate 处理一条更新，非文本或非命令消息直接忽略
// 返回错误表示需要 Bot API 重新推送
func (s *CommandService) HandleUpdate(ctx context.Context, u *telegram.Update) error {
	if u == nil || u.Message == nil || !u.Message.IsCommand() {
		return nil
	}
	msg := u.Message

	name, arg := splitCommand(msg.Text)
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if s.botName != "" && !strings.EqualFold(name[at+1:], s.botName) {
			// 发给群里其他机器人的命令
			return nil
		}
		name = name[:at]
	}

	switch strings.ToLower(name) {
	case "/start":
		if arg == "" {
			return s.reply(ctx, msg, helpText)
		}
		decoded, err := url.QueryUnescape(arg)
		if err != nil {
			return s.reply(ctx, msg, "❌ Invalid start parameter.")
		}
		return s.handleDownload(ctx, msg, decoded)
	case "/help":
		return s.reply(ctx, msg, helpText)
	case "/dl":
		return s.handleDownload(ctx, msg, arg)
	case "/status":
		return s.handleStatus(ctx, msg, arg)
	default:
		return s.reply(ctx, msg, "Unknown command. Use /start to see available commands.")
	}
}

// handleDownload 解析参数、记录用户和任务并入队
func (s *CommandService) handleDownload(ctx context.Context, msg *telegram.Message, arg string) error {
	req, err := s.parser.Parse(arg)
	if err != nil {
		return s.reply(ctx, msg, "❌ "+errs.UserMessage(err))
	}
	if msg.From == nil {
		s.logger.Warnf("命令缺少发送者信息: chat=%d", msg.Chat.ID)
		return nil
	}

	user, err := s.users.Upsert(ctx, repository.Profile{
		TelegramID:   msg.From.ID,
		Username:     msg.From.Username,
		FirstName:    msg.From.FirstName,
		LanguageCode: msg.From.LanguageCode,
	})
	if err != nil {
		return fmt.Errorf("保存用户失败: %w", err)
	}

	job := &model.Job{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		ChatID:       msg.Chat.ID,
		MessageID:    msg.MessageID,
		URL:          req.URL,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		Quality:      req.Quality,
		ConvertToMp3: req.MP3,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("创建任务失败: %w", err)
	}

	payload, err := NewJobPayload(job).Encode()
	if err == nil {
		err = s.queue.Enqueue(ctx, job.ID, payload)
	}
	if err != nil {
		s.logger.Errorf("任务入队失败: job=%s, err=%v", job.ID, err)
		if ferr := s.jobs.MarkFailed(ctx, job.ID, "Could not queue the request."); ferr != nil {
			s.logger.Warnf("标记任务失败状态出错: job=%s, err=%v", job.ID, ferr)
		}
		_ = s.reply(ctx, msg, failureText(job.ID, "Could not queue the request. Please try again later."))
		return nil
	}

	s.logger.Infof("任务已入队: job=%s, user=%d, url=%s", job.ID, msg.From.ID, job.URL)
	if err := s.events.Publish(ctx, events.Event{
		Type:      events.JobQueued,
		JobID:     job.ID,
		UserID:    user.ID,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warnf("发布任务事件失败: %v", err)
	}

	sent, err := s.notifier.SendMessage(ctx, msg.Chat.ID, msg.MessageID, queuedText(job))
	if err != nil {
		s.logger.Warnf("发送确认消息失败: job=%s, err=%v", job.ID, err)
		return nil
	}
	if err := s.jobs.SetStatusMessage(ctx, job.ID, sent.MessageID); err != nil {
		s.logger.Warnf("记录确认消息失败: job=%s, err=%v", job.ID, err)
	}
	return nil
}

// handleStatus 只返回当前会话自己的任务
func (s *CommandService) handleStatus(ctx context.Context, msg *telegram.Message, arg string) error {
	id := strings.TrimSpace(arg)
	if id == "" {
		return s.reply(ctx, msg, "Usage: <code>/status &lt;job-id&gt;</code>")
	}
	if _, err := uuid.Parse(id); err != nil {
		return s.reply(ctx, msg, "❌ Invalid job ID.")
	}

	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && job.ChatID != msg.Chat.ID) {
		return s.reply(ctx, msg, "❌ Job not found.")
	}
	if err != nil {
		return fmt.Errorf("查询任务失败: %w", err)
	}
	return s.reply(ctx, msg, statusText(job))
}

func (s *CommandService) reply(ctx context.Context, msg *telegram.Message, text string) error {
	if _, err := s.notifier.SendMessage(ctx, msg.Chat.ID, msg.MessageID, text); err != nil {
		s.logger.Warnf("回复消息失败: chat=%d, err=%v", msg.Chat.ID, err)
	}
	return nil
}

// splitCommand 拆分命令名与参数
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}
