package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tubebot/app/database"
	"tubebot/app/logger"
	"tubebot/app/middleware"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"
	"tubebot/app/telegram"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingUpdates struct {
	mu      sync.Mutex
	updates []int64
	err     error
}

func (r *recordingUpdates) HandleUpdate(_ context.Context, u *telegram.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, u.UpdateID)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func doRequest(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newWebhookRouter(updates UpdateHandler, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(logger.NewNop(), updates)
	r.POST("/webhook", middleware.TelegramSecret(secret), h.Telegram)
	return r
}

func TestWebhookSecret(t *testing.T) {
	updates := &recordingUpdates{}
	r := newWebhookRouter(updates, "hook-secret")
	body := `{"update_id":1,"message":{"message_id":5,"chat":{"id":42,"type":"private"},"text":"/start"}}`

	w := doRequest(r, http.MethodPost, "/webhook", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodPost, "/webhook", body, map[string]string{middleware.TelegramSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, updates.updates)

	w = doRequest(r, http.MethodPost, "/webhook", body, map[string]string{middleware.TelegramSecretHeader: "hook-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, updates.updates)
}

func TestWebhookDeduplicatesUpdates(t *testing.T) {
	updates := &recordingUpdates{}
	r := newWebhookRouter(updates, "")
	body := `{"update_id":7,"message":{"message_id":5,"chat":{"id":42,"type":"private"},"text":"/start"}}`

	for i := 0; i < 3; i++ {
		w := doRequest(r, http.MethodPost, "/webhook", body, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, []int64{7}, updates.updates)
}

func TestWebhookFailureAllowsRedelivery(t *testing.T) {
	updates := &recordingUpdates{err: errors.New("database is locked")}
	r := newWebhookRouter(updates, "")
	body := `{"update_id":9}`

	w := doRequest(r, http.MethodPost, "/webhook", body, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	updates.err = nil
	w = doRequest(r, http.MethodPost, "/webhook", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{9}, updates.updates)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	r := newWebhookRouter(&recordingUpdates{}, "")
	w := doRequest(r, http.MethodPost, "/webhook", `{"update_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	q := queue.NewDatabaseQueue(db, "downloads", queue.DefaultPolicy())
	require.NoError(t, q.Enqueue(context.Background(), uuid.NewString(), []byte(`{}`)))

	r := gin.New()
	r.GET("/api/health", NewHealthHandler(logger.NewNop(), db, q).Health)

	w := doRequest(r, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
		Metrics struct {
			Queue queue.Metrics `json:"queue"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, int64(1), resp.Metrics.Queue.Waiting)

	// 数据库不可达是唯一的不健康条件
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w = doRequest(r, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestJobEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	ctx := context.Background()

	user, err := repository.NewUserRepository(db).Upsert(ctx, repository.Profile{TelegramID: 42, FirstName: "Alice"})
	require.NoError(t, err)
	jobs := repository.NewJobRepository(db)
	job := &model.Job{ID: uuid.NewString(), UserID: user.ID, ChatID: 42, URL: "https://youtu.be/abc", StartTime: "0:30"}
	require.NoError(t, jobs.Create(ctx, job))

	q := queue.NewDatabaseQueue(db, "downloads", queue.DefaultPolicy())
	h := NewJobHandler(logger.NewNop(), jobs, q)

	r := gin.New()
	api := r.Group("/api", middleware.BearerAuth("ops"))
	api.GET("/jobs", h.GetJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.GET("/queue/metrics", h.QueueMetrics)
	auth := map[string]string{"Authorization": "Bearer ops"}

	w := doRequest(r, http.MethodGet, "/api/jobs/"+job.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/api/jobs/"+job.ID, "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var single struct {
		Code int            `json:"code"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &single))
	assert.Equal(t, 0, single.Code)
	assert.Equal(t, job.ID, single.Data["id"])
	assert.Equal(t, "pending", single.Data["status"])
	assert.Equal(t, "0:30", single.Data["startTime"])
	assert.Equal(t, false, single.Data["convertToMp3"])
	assert.NotContains(t, single.Data, "completedAt")
	assert.NotContains(t, single.Data, "filePath")

	w = doRequest(r, http.MethodGet, "/api/jobs/"+uuid.NewString(), "", auth)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodGet, "/api/jobs?status=pending&page=1&page_size=10", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data struct {
			List     []model.Job `json:"list"`
			Total    int64       `json:"total"`
			PageSize int         `json:"pageSize"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Data.Total)
	assert.Equal(t, 10, list.Data.PageSize)
	require.Len(t, list.Data.List, 1)
	assert.Equal(t, job.ID, list.Data.List[0].ID)

	w = doRequest(r, http.MethodGet, "/api/jobs?status=bogus", "", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodGet, "/api/queue/metrics", "", auth)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending":1`)
}
