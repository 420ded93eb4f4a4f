package userdir

import (
	"context"
	"time"

	"message-gateway/internal/constants"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 用戶狀態常數
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusDeleted   = "deleted"
)

// User 用戶目錄數據模型
// 這個服務不管理用戶，只讀取由用戶服務同步過來的目錄資料
type User struct {
	ID        string    `bson:"_id" json:"id"`
	Username  string    `bson:"username" json:"username"`
	Role      string    `bson:"role" json:"role"`
	Status    string    `bson:"status" json:"status"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// UserStore 用戶目錄存儲實作
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的用戶目錄存儲
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{
		collection: db.Collection("users"),
	}
}

// Exists 檢查用戶是否存在且未被刪除
func (s *UserStore) Exists(ctx context.Context, userID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"_id":    userID,
		"status": bson.M{"$ne": UserStatusDeleted},
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetByID 根據 ID 獲取用戶
func (s *UserStore) GetByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := s.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListActiveIDsByRole 列出指定角色的活躍用戶 ID
func (s *UserStore) ListActiveIDsByRole(ctx context.Context, role string) ([]string, error) {
	return s.listIDs(ctx, bson.M{
		"role":   role,
		"status": UserStatusActive,
	})
}

// ListActiveIDs 列出全部活躍用戶 ID
func (s *UserStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, bson.M{
		"status": UserStatusActive,
	})
}

// listIDs 執行查詢並只取 ID 欄位
func (s *UserStore) listIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find()
	opts.SetProjection(bson.M{"_id": 1})
	opts.SetLimit(int64(constants.MaxAudienceFanout))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}

	return ids, cursor.Err()
}
