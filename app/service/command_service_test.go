package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"tubebot/app/command"
	"tubebot/app/logger"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommandService(t *testing.T, f *fixture) (*CommandService, queue.Queue) {
	t.Helper()
	q := queue.NewDatabaseQueue(f.db, "downloads", f.policy)
	t.Cleanup(func() { _ = q.Close() })
	parser := command.NewParser([]string{"youtube.com", "youtu.be", "example.com"})
	svc := NewCommandService(parser, f.users, f.jobs, q, f.notifier, nil, "tube_bot", logger.NewNop())
	return svc, q
}

func textUpdate(text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 10,
			From:      &telegram.User{ID: 42, FirstName: "Alice", Username: "alice", LanguageCode: "en"},
			Chat:      telegram.Chat{ID: 42, Type: "private"},
			Text:      text,
		},
	}
}

func TestDownloadCommandCreatesAndEnqueuesJob(t *testing.T) {
	f := newFixture(t)
	svc, q := newTestCommandService(t, f)
	ctx := context.Background()

	err := svc.HandleUpdate(ctx, textUpdate("/dl https://example.com/v START=0:30 END=1:00 Q=720"))
	require.NoError(t, err)

	jobs, total, err := f.jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	job := jobs[0]
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "https://example.com/v", job.URL)
	assert.Equal(t, "0:30", job.StartTime)
	assert.Equal(t, "1:00", job.EndTime)
	assert.Equal(t, "720", job.Quality)
	assert.False(t, job.ConvertToMp3)
	assert.Equal(t, int64(10), job.MessageID)
	assert.NotZero(t, job.StatusMessageID)

	user, err := f.users.GetByTelegramID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, user.ID, job.UserID)
	assert.Equal(t, "en", user.LanguageCode)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Waiting)

	assert.Contains(t, f.notifier.lastMessage(), job.ID)
}

func TestStartWithEncodedCommand(t *testing.T) {
	f := newFixture(t)
	svc, q := newTestCommandService(t, f)
	ctx := context.Background()

	arg := url.QueryEscape("https://youtu.be/dQw4w9WgXcQ MP3=true")
	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/start "+arg)))

	jobs, _, err := f.jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ConvertToMp3)

	d, err := func() (*queue.Delivery, error) {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return q.Dequeue(dctx)
	}()
	require.NoError(t, err)
	payload, err := DecodeJobPayload(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, jobs[0].ID, payload.JobID)
	assert.True(t, payload.MP3)
}

func TestInvalidCommandIsReportedImmediately(t *testing.T) {
	f := newFixture(t)
	svc, q := newTestCommandService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/dl https://example.com/v START=1:75")))
	assert.Contains(t, f.notifier.lastMessage(), "❌")

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/dl https://vimeo.com/123")))
	assert.Contains(t, f.notifier.lastMessage(), "Unsupported URL")

	_, total, err := f.jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Total)
}

func TestHelpAndUnknownCommands(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestCommandService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/start")))
	assert.Contains(t, f.notifier.lastMessage(), "/dl")

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/foo")))
	assert.Contains(t, f.notifier.lastMessage(), "Unknown command")

	// 发给其他机器人的命令不回复
	before := len(f.notifier.messages)
	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/start@other_bot")))
	assert.Len(t, f.notifier.messages, before)

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/start@tube_bot")))
	assert.Len(t, f.notifier.messages, before+1)
}

func TestNonCommandMessagesAreIgnored(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestCommandService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("hello there")))
	require.NoError(t, svc.HandleUpdate(ctx, &telegram.Update{UpdateID: 2}))
	require.NoError(t, svc.HandleUpdate(ctx, &telegram.Update{UpdateID: 3, Message: &telegram.Message{Chat: telegram.Chat{ID: 1}}}))
	assert.Empty(t, f.notifier.messages)
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestCommandService(t, f)
	ctx := context.Background()

	job := f.createJob(t, nil)
	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/status "+job.ID)))
	assert.True(t, containsAll(f.notifier.lastMessage(), job.ID, "pending"))

	// 其他会话看不到这个任务
	other := textUpdate("/status " + job.ID)
	other.Message.Chat.ID = 99
	require.NoError(t, svc.HandleUpdate(ctx, other))
	assert.Contains(t, f.notifier.lastMessage(), "Job not found")

	require.NoError(t, svc.HandleUpdate(ctx, textUpdate("/status nope")))
	assert.Contains(t, f.notifier.lastMessage(), "Invalid job ID")
}
