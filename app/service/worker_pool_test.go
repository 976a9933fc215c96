package service

import (
	"context"
	"testing"
	"time"

	"tubebot/app/logger"
	"tubebot/app/model"
	"tubebot/app/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, f *fixture, concurrency int) (*WorkerPool, queue.Queue) {
	t.Helper()
	q := queue.NewDatabaseQueue(f.db, "downloads", f.policy)
	pool := NewWorkerPool(logger.NewNop(), q, f.pipeline, WorkerPoolConfig{
		Concurrency:       concurrency,
		JobTimeout:        time.Minute,
		ShutdownGrace:     time.Second,
		VisibilityTimeout: f.policy.VisibilityTimeout,
	})
	t.Cleanup(func() {
		pool.Stop()
		_ = q.Close()
	})
	return pool, q
}

func enqueueJob(t *testing.T, q queue.Queue, job *model.Job) {
	t.Helper()
	payload, err := NewJobPayload(job).Encode()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job.ID, payload))
}

func (f *fixture) waitStatus(t *testing.T, id string, want model.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPoolAttemptCap(t *testing.T) {
	f := newFixture(t)
	f.media.failAt["acquire"] = acquisitionError()
	pool, q := newTestPool(t, f, 2)

	job := f.createJob(t, nil)
	enqueueJob(t, q, job)
	pool.Start()

	f.waitStatus(t, job.ID, model.JobStatusFailed)

	// 确认没有第 4 次投递
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, f.media.count("acquire"))

	got := f.reload(t, job.ID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "Video unavailable.", got.Error)

	require.Eventually(t, func() bool {
		m, err := q.Metrics(context.Background())
		return err == nil && m.Failed == 1 && m.Active == 0 && m.Waiting == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPoolConcurrentJobs(t *testing.T) {
	f := newFixture(t)
	pool, q := newTestPool(t, f, 2)

	const n = 4
	jobs := make([]*model.Job, n)
	for i := range jobs {
		jobs[i] = f.createJob(t, nil)
		enqueueJob(t, q, jobs[i])
	}
	pool.Start()

	for _, job := range jobs {
		f.waitStatus(t, job.ID, model.JobStatusCompleted)
	}

	paths := map[string]bool{}
	f.notifier.mu.Lock()
	for _, file := range f.notifier.files {
		paths[file.Path] = true
	}
	f.notifier.mu.Unlock()
	assert.Len(t, paths, n, "临时文件名发生冲突")

	user, err := f.users.Get(context.Background(), jobs[0].UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), user.TotalDownloads)

	for _, job := range jobs {
		assert.Empty(t, f.tempFiles(t, job.ID))
	}

	require.Eventually(t, func() bool {
		m, err := q.Metrics(context.Background())
		return err == nil && m.Completed == n
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPoolStopCancelsAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.media.hold = make(chan struct{})
	q := queue.NewDatabaseQueue(f.db, "downloads", f.policy)
	pool := NewWorkerPool(logger.NewNop(), q, f.pipeline, WorkerPoolConfig{
		Concurrency:       1,
		JobTimeout:        time.Minute,
		ShutdownGrace:     50 * time.Millisecond,
		VisibilityTimeout: f.policy.VisibilityTimeout,
	})

	job := f.createJob(t, nil)
	enqueueJob(t, q, job)
	pool.Start()
	f.waitStatus(t, job.ID, model.JobStatusProcessing)

	start := time.Now()
	pool.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, pool.IsRunning())

	// 中断的任务不结算，条目仍在租约中
	m, err := q.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Active)
	assert.Empty(t, f.tempFiles(t, job.ID))
}
