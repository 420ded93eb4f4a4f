package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"message-gateway/internal/message"
	"message-gateway/internal/platform/config"
	"message-gateway/internal/platform/driver"
	"message-gateway/internal/platform/logger"
	"message-gateway/internal/platform/server"
	"message-gateway/internal/security/audit"
	"message-gateway/internal/storage/database"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()
	logger.LogInfof("設定載入成功，環境: %s", config.GetEnv())

	// 連接資料庫.
	if err := driver.ConnectMongo(); err != nil {
		return err
	}
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	// 設置 MongoDB 連接到 database 包
	database.SetMongoDB(driver.GetMongoDatabase())

	// 初始化 Repository.
	repos := database.NewRepositories(cfg)
	if repos == nil {
		return fmt.Errorf("repository initialization failed")
	}

	// 初始化審計服務
	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)

	// 組裝訊息服務，時鐘使用真實時鐘
	svc := message.NewService(repos.Message, repos.State, repos.Template, repos.User, auditService, nil)

	// 啟動排程掃描背景工作
	var dispatcher *message.Dispatcher
	if cfg.Dispatch.Enabled {
		dispatcher = message.NewDispatcher(svc,
			time.Duration(cfg.Dispatch.IntervalSeconds)*time.Second,
			cfg.Dispatch.BatchSize)
		dispatcher.Start(ctx)
		logger.Info(ctx, "[Dispatch] 排程掃描已啟動", logger.WithDetails(map[string]interface{}{
			"interval_seconds": cfg.Dispatch.IntervalSeconds,
			"batch_size":       cfg.Dispatch.BatchSize,
		}))
	}

	// 啟動 HTTP 服務器
	httpServer, err := server.New(message.NewMessageHandler(svc))
	if err != nil {
		logger.Error(ctx, "HTTP 服務器創建失敗", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return fmt.Errorf("server initialization failed")
	}
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf(ctx, "HTTP 服務器啟動失敗: %v", err)
		}
	}()

	logger.Info(ctx, "[System] 服務器啟動完成")

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "正在關閉服務器...", logger.WithAction("shutdown"))

	if dispatcher != nil {
		dispatcher.Stop()
	}
	if err := httpServer.Shutdown(30 * time.Second); err != nil {
		logger.Errorf(ctx, "伺服器關閉失敗: %v", err)
		return err
	}

	logger.Info(ctx, "伺服器已優雅關閉")
	return nil
}
