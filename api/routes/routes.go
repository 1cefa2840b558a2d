package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/page-colorizer/api/handlers"
	"github.com/feichai0017/page-colorizer/api/middleware"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger, origins ...string) {
	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(origins...))

	r.GET("/health", h.Maintenance.Health)

	// 事件推送
	r.GET("/ws/updates", h.Events.Subscribe)
	r.GET("/ws/updates/:id", h.Events.Subscribe)

	// API 版本组
	v1 := r.Group("/api/v1")
	v1.GET("/health", h.Maintenance.Health)

	// 文档路由组
	docs := v1.Group("/documents")
	{
		docs.POST("", h.Document.Upload)
		docs.GET("", h.Document.List)
		docs.GET("/:id", h.Document.GetStatus)
		docs.DELETE("/:id", h.Document.Delete)
		docs.GET("/:id/pages/:page/original", h.Document.OriginalPage)
		docs.GET("/:id/pages/:page/colorized", h.Document.ColorizedPage)
	}

	// 处理控制
	proc := v1.Group("/documents/:id")
	{
		proc.POST("/start", h.Document.Start)
		proc.POST("/pause", h.Document.Pause)
		proc.POST("/continue", h.Document.Continue)
		proc.POST("/stop", h.Document.Stop)
		proc.POST("/retry-batch", h.Document.RetryBatch)
		proc.POST("/trust-and-run", h.Document.TrustAndRun)
		proc.PATCH("/prompt", h.Document.UpdatePrompt)
	}

	v1.POST("/announcements", h.Events.Announce)

	maint := v1.Group("/maintenance")
	{
		maint.POST("/sweep", h.Maintenance.EnqueueSweep)
		maint.GET("/sweep/:taskId", h.Maintenance.SweepStatus)
	}
}
