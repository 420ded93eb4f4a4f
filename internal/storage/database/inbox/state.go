package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserMessageState 用戶訊息狀態覆蓋列
// 每個 (user_id, message_id) 至多一列，由唯一索引保證
// 沒有覆蓋列等同於全 false 的預設狀態
type UserMessageState struct {
	ID        string     `bson:"_id" json:"id"`
	UserID    string     `bson:"user_id" json:"user_id"`
	MessageID string     `bson:"message_id" json:"message_id"`
	IsRead    bool       `bson:"is_read" json:"is_read"`
	ReadAt    *time.Time `bson:"read_at,omitempty" json:"read_at,omitempty"`
	IsDeleted bool       `bson:"is_deleted" json:"is_deleted"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	IsHidden  bool       `bson:"is_hidden" json:"is_hidden"`
	HiddenAt  *time.Time `bson:"hidden_at,omitempty" json:"hidden_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// DefaultState 回傳未曾互動用戶的預設狀態（不落庫）
func DefaultState(userID, messageID string) *UserMessageState {
	return &UserMessageState{
		UserID:    userID,
		MessageID: messageID,
	}
}

// StateStore 用戶訊息狀態存儲實作
type StateStore struct {
	collection *mongo.Collection
}

// NewStateStore 創建新的用戶訊息狀態存儲
func NewStateStore(db *mongo.Database) *StateStore {
	return &StateStore{
		collection: db.Collection("user_message_states"),
	}
}

// Get 取得狀態覆蓋列，不存在時回傳 nil
func (s *StateStore) Get(ctx context.Context, userID, messageID string) (*UserMessageState, error) {
	var state UserMessageState
	err := s.collection.FindOne(ctx, bson.M{
		"user_id":    userID,
		"message_id": messageID,
	}).Decode(&state)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// GetOrCreate 取得或創建狀態覆蓋列
// 先插入，撞到唯一索引表示並發請求已創建，改為讀取既有列
func (s *StateStore) GetOrCreate(ctx context.Context, userID, messageID string) (*UserMessageState, error) {
	existing, err := s.Get(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	state := &UserMessageState{
		ID:        uuid.New().String(),
		UserID:    userID,
		MessageID: messageID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.collection.InsertOne(ctx, state)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// 並發請求先一步創建了同一列
			return s.Get(ctx, userID, messageID)
		}
		return nil, err
	}

	return state, nil
}

// applyFlags 以 upsert 套用狀態旗標
// 兩個並發 upsert 仍可能同時嘗試插入，撞到唯一索引時重試一次即可命中既有列
func (s *StateStore) applyFlags(ctx context.Context, userID, messageID string, set bson.M) error {
	now := time.Now().UTC()
	set["updated_at"] = now

	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":        uuid.New().String(),
			"user_id":    userID,
			"message_id": messageID,
			"created_at": now,
		},
	}

	filter := bson.M{"user_id": userID, "message_id": messageID}
	opts := options.UpdateOne().SetUpsert(true)

	_, err := s.collection.UpdateOne(ctx, filter, update, opts)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		_, err = s.collection.UpdateOne(ctx, filter, update, opts)
	}
	return err
}

// MarkRead 標記已讀，重複操作不改變結果
func (s *StateStore) MarkRead(ctx context.Context, userID, messageID string, at time.Time) error {
	return s.applyFlags(ctx, userID, messageID, bson.M{
		"is_read": true,
		"read_at": at,
	})
}

// MarkUnread 標記未讀，清除已讀時間
func (s *StateStore) MarkUnread(ctx context.Context, userID, messageID string) error {
	return s.applyFlags(ctx, userID, messageID, bson.M{
		"is_read": false,
		"read_at": nil,
	})
}

// MarkDeleted 軟刪除，只影響操作者自己的視圖
func (s *StateStore) MarkDeleted(ctx context.Context, userID, messageID string, at time.Time) error {
	return s.applyFlags(ctx, userID, messageID, bson.M{
		"is_deleted": true,
		"deleted_at": at,
	})
}

// MarkHidden 隱藏訊息
func (s *StateStore) MarkHidden(ctx context.Context, userID, messageID string, at time.Time) error {
	return s.applyFlags(ctx, userID, messageID, bson.M{
		"is_hidden": true,
		"hidden_at": at,
	})
}

// Restore 還原訊息，清除刪除與隱藏旗標，已讀狀態不受影響
func (s *StateStore) Restore(ctx context.Context, userID, messageID string) error {
	return s.applyFlags(ctx, userID, messageID, bson.M{
		"is_deleted": false,
		"deleted_at": nil,
		"is_hidden":  false,
		"hidden_at":  nil,
	})
}

// MarkManyRead 批量標記已讀，用於全部已讀操作
// 回傳實際從未讀轉為已讀的數量
func (s *StateStore) MarkManyRead(ctx context.Context, userID string, messageIDs []string, at time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	var marked int64
	for _, messageID := range messageIDs {
		state, err := s.Get(ctx, userID, messageID)
		if err != nil {
			return marked, err
		}
		if state != nil && state.IsRead {
			continue
		}
		if err := s.MarkRead(ctx, userID, messageID, at); err != nil {
			return marked, err
		}
		marked++
	}

	return marked, nil
}

// MaterializeMany 為受眾批量預建狀態覆蓋列
// 使用 $setOnInsert 的無序批量 upsert，重複執行是冪等的，
// 已存在的列（含用戶已互動產生的旗標）不會被覆寫
func (s *StateStore) MaterializeMany(ctx context.Context, userIDs []string, messageID string, at time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(userIDs))
	for _, userID := range userIDs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"user_id": userID, "message_id": messageID}).
			SetUpdate(bson.M{
				"$setOnInsert": bson.M{
					"_id":        uuid.New().String(),
					"user_id":    userID,
					"message_id": messageID,
					"is_read":    false,
					"is_deleted": false,
					"is_hidden":  false,
					"created_at": at,
					"updated_at": at,
				},
			}).
			SetUpsert(true))
	}

	result, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		// 無序批量寫入下的唯一索引衝突代表列已存在，目標已達成
		if !mongo.IsDuplicateKeyError(err) {
			return 0, err
		}
	}
	if result == nil {
		return 0, nil
	}
	return result.UpsertedCount, nil
}

// CountForMessage 計算某訊息已有的狀態覆蓋列數量
func (s *StateStore) CountForMessage(ctx context.Context, messageID string) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"message_id": messageID})
}
