package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 过程调用
		proc := api.Group("/procedure")
		{
			proc.GET("", h.ListProcedures)
			proc.POST("/:name", h.CallProcedure)
		}

		// 账户查询
		account := api.Group("/account")
		{
			account.GET("/:pan", h.GetAccount)
			account.GET("/:pan/activity", h.ListActivity)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
