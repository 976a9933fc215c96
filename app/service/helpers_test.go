package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tubebot/app/database"
	"tubebot/app/errs"
	"tubebot/app/logger"
	"tubebot/app/media"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/telegram"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sentMessage struct {
	chatID  int64
	replyTo int64
	text    string
}

// fakeNotifier 记录所有发出的消息和文件
type fakeNotifier struct {
	mu       sync.Mutex
	nextID   int64
	messages []sentMessage
	edits    []sentMessage
	files    []telegram.OutgoingFile
	fileErr  error
}

func (n *fakeNotifier) SendMessage(_ context.Context, chatID, replyTo int64, text string) (*telegram.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.messages = append(n.messages, sentMessage{chatID: chatID, replyTo: replyTo, text: text})
	return &telegram.Message{MessageID: 1000 + n.nextID, Chat: telegram.Chat{ID: chatID}}, nil
}

func (n *fakeNotifier) EditMessageText(_ context.Context, chatID, messageID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.edits = append(n.edits, sentMessage{chatID: chatID, replyTo: messageID, text: text})
	return nil
}

func (n *fakeNotifier) SendFile(_ context.Context, _ int64, f telegram.OutgoingFile) (*telegram.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fileErr != nil {
		return nil, n.fileErr
	}
	// 记录时文件必须仍然存在
	if _, err := os.Stat(f.Path); err != nil {
		return nil, err
	}
	n.files = append(n.files, f)
	n.nextID++
	return &telegram.Message{MessageID: 1000 + n.nextID}, nil
}

func (n *fakeNotifier) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1].text
}

func (n *fakeNotifier) lastEdit() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.edits) == 0 {
		return ""
	}
	return n.edits[len(n.edits)-1].text
}

func (n *fakeNotifier) fileCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.files)
}

// fakeMedia 写入假的媒体文件，可以在任意步骤注入失败
type fakeMedia struct {
	mu         sync.Mutex
	calls      map[string]int
	info       media.Info
	sourceSize int
	failAt     map[string]error
	hold       chan struct{} // 非空时 Acquire 会等待它关闭
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		calls:      map[string]int{},
		info:       media.Info{ID: "abc", Title: "Never Gonna Give You Up", Duration: 212},
		sourceSize: 2048,
		failAt:     map[string]error{},
	}
}

func (m *fakeMedia) record(step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[step]++
	return m.failAt[step]
}

func (m *fakeMedia) count(step string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[step]
}

func (m *fakeMedia) Probe(_ context.Context, _ string) (*media.Info, error) {
	if err := m.record("probe"); err != nil {
		return nil, err
	}
	info := m.info
	return &info, nil
}

func (m *fakeMedia) Acquire(ctx context.Context, _ media.AcquireRequest, outputPath string) error {
	// 失败前也留下部分文件，验证清理
	if err := os.WriteFile(outputPath+".part", []byte("partial"), 0644); err != nil {
		return err
	}
	if m.hold != nil {
		select {
		case <-m.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := m.record("acquire"); err != nil {
		return err
	}
	_ = os.Remove(outputPath + ".part")
	return os.WriteFile(outputPath, make([]byte, m.sourceSize), 0644)
}

func (m *fakeMedia) Transcode(_ context.Context, in, out string, _ media.TranscodeOptions) error {
	if err := m.record("transcode"); err != nil {
		return err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data[:len(data)/2], 0644)
}

func (m *fakeMedia) Thumbnail(_ context.Context, _, out string) error {
	if err := m.record("thumbnail"); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("jpeg"), 0644)
}

type fixture struct {
	db       *gorm.DB
	users    *repository.UserRepository
	jobs     *repository.JobRepository
	media    *fakeMedia
	notifier *fakeNotifier
	tempDir  string
	policy   queue.Policy
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	policy := queue.DefaultPolicy()
	policy.BackoffBase = time.Millisecond
	policy.PollInterval = 5 * time.Millisecond
	policy.VisibilityTimeout = time.Minute

	f := &fixture{
		db:       db,
		users:    repository.NewUserRepository(db),
		jobs:     repository.NewJobRepository(db),
		media:    newFakeMedia(),
		notifier: &fakeNotifier{},
		tempDir:  t.TempDir(),
		policy:   policy,
	}
	f.pipeline = NewPipeline(f.jobs, f.media, f.notifier, nil, policy, PipelineConfig{
		TempDir:     f.tempDir,
		MaxFileSize: 1024 * 1024,
		Thumbnails:  true,
	}, logger.NewNop())
	f.pipeline.persistBackoff = time.Millisecond
	return f
}

func (f *fixture) createJob(t *testing.T, mutate func(*model.Job)) *model.Job {
	t.Helper()
	ctx := context.Background()
	user, err := f.users.Upsert(ctx, repository.Profile{TelegramID: 42, Username: "alice", FirstName: "Alice"})
	require.NoError(t, err)

	job := &model.Job{ID: uuid.NewString(), UserID: user.ID, ChatID: 42, MessageID: 7, URL: "https://youtu.be/dQw4w9WgXcQ"}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.jobs.Create(ctx, job))
	return job
}

func (f *fixture) delivery(t *testing.T, job *model.Job, attempt int) *queue.Delivery {
	t.Helper()
	payload, err := NewJobPayload(job).Encode()
	require.NoError(t, err)
	return &queue.Delivery{JobID: job.ID, Payload: payload, Attempt: attempt, MaxAttempts: f.policy.MaxAttempts}
}

func (f *fixture) tempFiles(t *testing.T, jobID string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.tempDir, jobID+"*"))
	require.NoError(t, err)
	return matches
}

func (f *fixture) reload(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func acquisitionError() error {
	return errs.New(errs.AcquisitionFailure, "acquire", "Video unavailable.")
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
