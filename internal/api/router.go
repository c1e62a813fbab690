// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// SetupRouter 装配全部HTTP路由与中间件
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	if cfg != nil && !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	handler, err := NewHandler()
	if err != nil {
		return nil, err
	}

	r := gin.Default()

	r.Use(RequestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware())

	// ============ REST API ============
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 聊天编排
		api.POST("/chat", ChatRateLimit(), handler.Chat)

		// 会话管理
		conversations := api.Group("/conversations")
		{
			conversations.GET("", handler.ListConversations)
			conversations.POST("", handler.CreateConversation)
			conversations.GET("/:id/messages", handler.GetConversationMessages)
			conversations.DELETE("/:id", handler.DeleteConversation)
			conversations.GET("/:id/export", handler.ExportConversation)

			// 参考资料
			conversations.POST("/:id/context", ContextFetchRateLimit(), handler.AddContextDocument)
			conversations.GET("/:id/context", handler.ListContextDocuments)
			conversations.DELETE("/:id/context/:docId", handler.RemoveContextDocument)

			// 语气样本
			conversations.POST("/:id/tone-sample", handler.AddToneSample)
			conversations.GET("/:id/tone-sample", handler.ListToneSamples)
			conversations.DELETE("/:id/tone-sample/:sampleId", handler.RemoveToneSample)
		}

		// 设置
		api.GET("/settings", handler.GetSettings)
		api.POST("/settings", handler.SaveSettings)
		api.POST("/settings/test-connection", handler.TestConnection)

		// LLM服务
		api.GET("/llm/status", handler.GetLLMStatus)
		api.GET("/llm/models", handler.GetLLMModels)
		api.PUT("/llm/config", handler.UpdateLLMConfig)

		// 运行状态
		api.GET("/config/health", handler.GetConfigHealth)
		api.GET("/health", handler.HealthCheck)
		api.GET("/stats", handler.GetStats)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.WebSocket.WebSocketStatus)
	}

	// ============ WebSocket ============
	r.GET("/ws/conversation/:id", handler.WebSocket.ConversationWebSocket)

	return r, nil
}

// corsMiddleware 允许跨域访问，本地工具不做来源限制
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// metricsMiddleware 记录每个请求的指标
func metricsMiddleware() gin.HandlerFunc {
	apiMetrics := utils.NewAPIMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		apiMetrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
