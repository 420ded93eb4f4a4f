package database

import (
	"context"

	"message-gateway/internal/platform/config"
	"message-gateway/internal/storage/database/inbox"
	"message-gateway/internal/storage/database/userdir"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Message  *inbox.MessageStore
	State    *inbox.StateStore
	Template *inbox.TemplateStore
	User     *userdir.UserStore
}

// NewRepositories 創建倉儲集合.
func NewRepositories(cfg *config.Config) *Repositories {
	// 從 driver 包獲取 MongoDB 連接
	db := mongoDB
	if db == nil {
		// 如果沒有全局 db，嘗試從 driver 獲取
		// 這裡可以根據需要添加連接邏輯
		return nil
	}

	// 創建索引以優化查詢性能
	// 狀態覆蓋列的唯一索引是並發正確性的前提，不能略過
	ctx := context.Background()
	if err := inbox.CreateIndexes(ctx, db); err != nil {
		return nil
	}

	return &Repositories{
		Message:  inbox.NewMessageStore(db),
		State:    inbox.NewStateStore(db),
		Template: inbox.NewTemplateStore(db),
		User:     userdir.NewUserStore(db),
	}
}

// 全局變數，用於存儲 MongoDB 連接
var mongoDB *mongo.Database

// SetMongoDB 設置 MongoDB 連接.
func SetMongoDB(db *mongo.Database) {
	mongoDB = db
}
