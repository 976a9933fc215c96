package handler

import (
	"errors"
	"net/http"
	"strconv"

	"tubebot/app/logger"
	"tubebot/app/model"
	"tubebot/app/queue"
	"tubebot/app/repository"

	"github.com/gin-gonic/gin"
)

// JobHandler 任务查询接口
type JobHandler struct {
	logger *logger.Logger
	jobs   *repository.JobRepository
	queue  queue.Queue
}

func NewJobHandler(log *logger.Logger, jobs *repository.JobRepository, q queue.Queue) *JobHandler {
	return &JobHandler{logger: log, jobs: jobs, queue: q}
}

// GetJob 获取单个任务
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}
	if err != nil {
		h.logger.Errorf("查询任务失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}
	success(c, job, "获取任务成功")
}

// GetJobs 分页获取任务列表
func (h *JobHandler) GetJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := repository.JobFilter{Page: page, Size: pageSize}

	// 状态过滤
	if status := model.JobStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			fail(c, http.StatusBadRequest, 400, "无效的状态")
			return
		}
		filter.Status = status
	}

	// 用户过滤
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			fail(c, http.StatusBadRequest, 400, "无效的用户ID")
			return
		}
		filter.UserID = uint(id)
	}

	jobs, total, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Errorf("获取任务列表失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "获取任务列表失败")
		return
	}

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	success(c, PageData{List: jobs, Total: total, Current: page, PageSize: pageSize}, "获取任务列表成功")
}

// QueueMetrics 队列各状态的条目数量
func (h *JobHandler) QueueMetrics(c *gin.Context) {
	m, err := h.queue.Metrics(c.Request.Context())
	if err != nil {
		h.logger.Errorf("获取队列指标失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "获取队列指标失败")
		return
	}
	counts, err := h.jobs.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Errorf("统计任务状态失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "统计任务状态失败")
		return
	}
	success(c, gin.H{"queue": m, "jobs": counts}, "获取队列指标成功")
}
