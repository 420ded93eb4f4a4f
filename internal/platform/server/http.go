package server

import (
	"time"

	"message-gateway/internal/message"
	"message-gateway/internal/platform/config"
	"message-gateway/internal/platform/health"
	"message-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 啟用 XSS 保護
		c.Header("X-XSS-Protection", "1; mode=block")

		// 內容安全策略
		c.Header("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self'; connect-src 'self'; frame-ancestors 'none';")

		// 強制 HTTPS（生產環境）
		// c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// 推薦政策
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// 權限政策
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// corsMiddleware 安全的 CORS 中間件
// 允許的來源從配置讀取，未配置時退回本地開發來源
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true, // 開發環境前端
		"http://localhost:8080": true, // 本地測試
		"http://127.0.0.1:8080": true, // 本地測試 (127.0.0.1)
	}
	if cfg := config.Get(); cfg != nil && len(cfg.Server.AllowedOrigins) > 0 {
		allowedOrigins = make(map[string]bool, len(cfg.Server.AllowedOrigins))
		for _, origin := range cfg.Server.AllowedOrigins {
			allowedOrigins[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID, X-User-Role")
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Router 設定路由
func Router(handler *message.MessageHandler) *gin.Engine {
	r := gin.Default()

	// 添加安全的 CORS 中間件
	r.Use(corsMiddleware())

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 添加請求元數據中間件（提取 IP、User-Agent）
	r.Use(middleware.RequestMetadataMiddleware())

	// 從配置讀取限制參數
	cfg := config.Get()

	// 添加請求大小限制（防止大文件攻擊）
	maxMemory := int64(10 << 20) // 默認 10MB
	if cfg != nil && cfg.Limits.Request.MaxMultipartMemory > 0 {
		maxMemory = cfg.Limits.Request.MaxMultipartMemory
	}
	r.MaxMultipartMemory = maxMemory

	// 創建 Rate Limiter
	defaultLimit := 100
	if cfg != nil && cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
		defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
	}
	rateLimiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute)

	// 為不同端點設置不同的速率限制
	if cfg != nil && cfg.Limits.RateLimiting.Enabled {
		if cfg.Limits.RateLimiting.MessagesPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/messages", cfg.Limits.RateLimiting.MessagesPerMin, time.Minute)
		}
		if cfg.Limits.RateLimiting.BroadcastsPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/messages/announcements", cfg.Limits.RateLimiting.BroadcastsPerMin, time.Minute)
		}
	}

	// 應用 Rate Limiting 中間件
	r.Use(rateLimiter.Middleware())

	// 創建處理器
	healthHandler := health.NewHealthHandler()

	// health check
	r.GET("/health", healthHandler.HealthCheck)

	// 所有業務 API 都需要上游閘道注入的身份標頭
	api := r.Group("/api/v1")
	api.Use(middleware.IdentityMiddleware(), middleware.RequireIdentity())

	adminOnly := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleSuperAdmin)

	messages := api.Group("/messages")
	{
		messages.POST("", handler.SendMessage)
		messages.GET("", handler.ListMessages)
		messages.GET("/unread-count", handler.UnreadCount)
		messages.POST("/read-all", handler.ReadAll)
		messages.POST("/batch", handler.BatchOperation)

		// 廣播與批量帳單僅限管理員
		messages.POST("/announcements", adminOnly, handler.CreateAnnouncement)
		messages.POST("/bills", adminOnly, handler.CreateBills)

		// 模板
		messages.POST("/templates", adminOnly, handler.CreateTemplate)
		messages.GET("/templates", handler.ListTemplates)
		messages.POST("/from-template", handler.SendFromTemplate)

		// 單一訊息操作
		messages.GET("/:id", handler.GetMessage)
		messages.POST("/:id/read", handler.MarkRead)
		messages.POST("/:id/unread", handler.MarkUnread)
		messages.POST("/:id/hide", handler.HideMessage)
		messages.POST("/:id/restore", handler.RestoreMessage)
		messages.POST("/:id/cancel", handler.CancelMessage)
		messages.DELETE("/:id", handler.DeleteMessage)
	}

	// 手動觸發排程掃描，僅限維運人員
	api.POST("/dispatch/run", middleware.RequireRole(middleware.RoleSuperAdmin), handler.RunDispatch)

	return r
}
