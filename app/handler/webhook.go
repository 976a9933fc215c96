package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"tubebot/app/logger"
	"tubebot/app/telegram"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// UpdateHandler 处理一条 Bot API 更新
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u *telegram.Update) error
}

// WebhookHandler 接收 Bot API 推送的更新
type WebhookHandler struct {
	logger  *logger.Logger
	updates UpdateHandler
	seen    *cache.Cache // 已处理的 update_id，Bot API 超时重推时去重
}

// NewWebhookHandler 创建新的 WebhookHandler
func NewWebhookHandler(log *logger.Logger, updates UpdateHandler) *WebhookHandler {
	return &WebhookHandler{
		logger:  log,
		updates: updates,
		seen:    cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Telegram 处理 webhook 更新，密钥由中间件校验
func (h *WebhookHandler) Telegram(c *gin.Context) {
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		h.logger.Warnf("解析 Telegram 更新失败: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": "invalid update"})
		return
	}

	key := strconv.FormatInt(update.UpdateID, 10)
	if err := h.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		h.logger.Debugf("忽略重复的更新: %d", update.UpdateID)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if err := h.updates.HandleUpdate(c.Request.Context(), &update); err != nil {
		// 允许 Bot API 重新推送
		h.seen.Delete(key)
		h.logger.Errorf("处理 Telegram 更新失败: update_id=%d, err=%v", update.UpdateID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "message": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
