package handler

import (
	"context"
	"net/http"
	"time"

	"tubebot/app/database"
	"tubebot/app/logger"
	"tubebot/app/queue"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthResponse 健康检查结果
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Metrics   map[string]any    `json:"metrics"`
}

// HealthHandler 只有数据库不可达时才报告不健康
type HealthHandler struct {
	logger *logger.Logger
	db     *gorm.DB
	queue  queue.Queue
}

func NewHealthHandler(log *logger.Logger, db *gorm.DB, q queue.Queue) *HealthHandler {
	return &HealthHandler{logger: log, db: db, queue: q}
}

// Health GET /api/health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{},
		Metrics:   map[string]any{},
	}
	code := http.StatusOK

	if err := database.Ping(ctx, h.db); err != nil {
		h.logger.Errorf("数据库健康检查失败: %v", err)
		resp.Status = "unhealthy"
		resp.Checks["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if m, err := h.queue.Metrics(ctx); err != nil {
		h.logger.Warnf("获取队列指标失败: %v", err)
		resp.Checks["queue"] = "unavailable"
	} else {
		resp.Checks["queue"] = "ok"
		resp.Metrics["queue"] = m
	}

	c.JSON(code, resp)
}
