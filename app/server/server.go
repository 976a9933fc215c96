package server

import (
	"context"
	"net/http"
	"time"

	"tubebot/app/config"
	"tubebot/app/handler"
	"tubebot/app/logger"
	"tubebot/app/middleware"
	"tubebot/app/queue"
	"tubebot/app/repository"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps 路由依赖的组件
type Deps struct {
	DB      *gorm.DB
	Queue   queue.Queue
	Jobs    *repository.JobRepository
	Updates handler.UpdateHandler // 为空时不注册 webhook
}

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	deps   Deps
	gin    *gin.Engine
	http   *http.Server
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config: cfg,
		Logger: log,
		deps:   deps,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，用于测试
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 停止接收新请求并等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	healthHandler := handler.NewHealthHandler(s.Logger, s.deps.DB, s.deps.Queue)
	jobHandler := handler.NewJobHandler(s.Logger, s.deps.Jobs, s.deps.Queue)

	// Telegram webhook（密钥头校验）
	if s.deps.Updates != nil {
		webhookHandler := handler.NewWebhookHandler(s.Logger, s.deps.Updates)
		s.gin.POST(s.Config.Server.WebhookPath,
			middleware.TelegramSecret(s.Config.Server.WebhookSecret), webhookHandler.Telegram)
	}

	// API路由组
	api := s.gin.Group("/api")
	api.GET("/health", healthHandler.Health)

	// 运维接口
	protected := api.Group("/")
	protected.Use(middleware.BearerAuth(s.Config.Server.APIToken))
	{
		jobs := protected.Group("/jobs")
		{
			jobs.GET("", jobHandler.GetJobs)
			jobs.GET("/:id", jobHandler.GetJob)
		}
		protected.GET("/queue/metrics", jobHandler.QueueMetrics)
	}
}

// requestLogger 用 zap 记录请求
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
