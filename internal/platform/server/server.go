package server

import (
	"context"
	"net/http"
	"time"

	"message-gateway/internal/message"
	"message-gateway/internal/platform/config"
	"message-gateway/internal/platform/logger"
)

// Server HTTP 伺服器.
type Server struct {
	httpServer *http.Server
}

// New 建立 HTTP 伺服器，路由與中間件由 Router 組裝.
func New(handler *message.MessageHandler) (*Server, error) {
	cfg := config.Get()

	router := Router(handler)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.Timeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.Timeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Security.TLS.Enabled {
		tlsConfig, err := LoadTLSConfig(cfg.Security.TLS)
		if err != nil {
			return nil, err
		}
		httpServer.TLSConfig = tlsConfig
	}

	return &Server{httpServer: httpServer}, nil
}

// Start 啟動伺服器並開始監聽.
func (s *Server) Start() error {
	cfg := config.Get()
	logger.LogInfof("伺服器正在監聽埠口: %s", cfg.Server.Port)

	if s.httpServer.TLSConfig != nil {
		// 憑證已載入 TLSConfig，檔案參數留空
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown 優雅關閉伺服器.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
