package inbox

import (
	"context"
	"time"

	"message-gateway/internal/platform/config"

	"github.com/google/uuid"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserMessageView 訊息與請求者狀態覆蓋的合併視圖
type UserMessageView struct {
	Message `bson:",inline"`
	State   *UserMessageState `bson:"state,omitempty" json:"state,omitempty"`
}

// EffectiveState 取得有效狀態，沒有覆蓋列時回傳全 false 預設值
func (v *UserMessageView) EffectiveState() *UserMessageState {
	if v.State != nil {
		return v.State
	}
	return DefaultState("", v.Message.ID)
}

// VisibleQuery 可見訊息列表查詢條件
type VisibleQuery struct {
	Types          []string
	Priority       string
	OnlyUnread     bool
	IncludeHidden  bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// MessageStore 訊息存儲實作
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore 創建新的訊息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection("messages"),
	}
}

// Create 創建訊息
func (s *MessageStore) Create(ctx context.Context, message *Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = message.CreatedAt
	}
	message.PriorityWeight = PriorityWeight(message.Priority)

	_, err := s.collection.InsertOne(ctx, message)
	return err
}

// GetByID 根據 ID 獲取訊息
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	var message Message
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&message)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// UpdateStatus 以 compare-and-set 方式轉移訊息狀態
// 只有當前狀態在 from 之中才會寫入，回傳是否實際轉移
func (s *MessageStore) UpdateStatus(ctx context.Context, id string, from []string, to string, extra bson.M) (bool, error) {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		set[k] = v
	}

	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": from},
	}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// ListDueScheduled 列出排程時間已到的待發送訊息
func (s *MessageStore) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	filter := bson.M{
		"status":       MessageStatusScheduled,
		"scheduled_at": bson.M{"$lte": now},
	}

	opts := options.Find()
	opts.SetLimit(int64(limit))
	opts.SetSort(bson.D{{Key: "scheduled_at", Value: 1}})

	return s.findMessages(ctx, filter, opts)
}

// ListDueExpirable 列出已過期但狀態仍為 sent 的訊息
func (s *MessageStore) ListDueExpirable(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	filter := bson.M{
		"status":     MessageStatusSent,
		"expires_at": bson.M{"$ne": nil, "$lte": now},
	}

	opts := options.Find()
	opts.SetLimit(int64(limit))
	opts.SetSort(bson.D{{Key: "expires_at", Value: 1}})

	return s.findMessages(ctx, filter, opts)
}

// findMessages 執行查詢並解碼結果
func (s *MessageStore) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*Message, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	for cursor.Next(ctx) {
		var message Message
		if err := cursor.Decode(&message); err != nil {
			return nil, err
		}
		messages = append(messages, &message)
	}

	return messages, cursor.Err()
}

// visibilityMatch 可見性過濾條件
// 永遠從投遞目標重新計算，角色晉升後歷史角色廣播立即可見
func visibilityMatch(userID, role string) bson.M {
	return bson.M{
		"status": MessageStatusSent,
		"$or": []bson.M{
			{"targeting.kind": TargetingDirect, "targeting.recipient_id": userID},
			{"targeting.kind": TargetingRole, "targeting.role": role},
			{"targeting.kind": TargetingGlobal},
		},
	}
}

// statePipeline 以 $lookup 帶出請求者自己的狀態覆蓋列
func statePipeline(userID string) []bson.M {
	return []bson.M{
		{"$lookup": bson.M{
			"from": "user_message_states",
			"let":  bson.M{"mid": "$_id"},
			"pipeline": []bson.M{
				{"$match": bson.M{
					"$expr": bson.M{"$and": []bson.M{
						{"$eq": []interface{}{"$message_id", "$$mid"}},
						{"$eq": []interface{}{"$user_id", userID}},
					}},
				}},
			},
			"as": "states",
		}},
		{"$addFields": bson.M{
			"state": bson.M{"$arrayElemAt": []interface{}{"$states", 0}},
		}},
		{"$project": bson.M{"states": 0}},
	}
}

// ListVisible 列出用戶可見的訊息，合併其狀態覆蓋列
// 回傳符合條件的分頁結果與總數
func (s *MessageStore) ListVisible(ctx context.Context, userID, role string, q VisibleQuery) ([]*UserMessageView, int64, error) {
	limit := NormalizePageSize(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	match := visibilityMatch(userID, role)
	if len(q.Types) > 0 {
		match["type"] = bson.M{"$in": q.Types}
	}
	if q.Priority != "" {
		match["priority"] = q.Priority
	}

	pipeline := []bson.M{{"$match": match}}
	pipeline = append(pipeline, statePipeline(userID)...)
	pipeline = append(pipeline, bson.M{"$match": overlayMatch(q)})

	countPipeline := append(append([]bson.M{}, pipeline...), bson.M{"$count": "total"})

	pipeline = append(pipeline,
		bson.M{"$sort": bson.D{
			{Key: "created_at", Value: -1},
			{Key: "priority_weight", Value: -1},
		}},
		bson.M{"$skip": int64(offset)},
		bson.M{"$limit": int64(limit)},
	)

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	views := []*UserMessageView{}
	for cursor.Next(ctx) {
		var view UserMessageView
		if err := cursor.Decode(&view); err != nil {
			return nil, 0, err
		}
		views = append(views, &view)
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, err
	}

	total, err := s.countPipeline(ctx, countPipeline)
	if err != nil {
		return nil, 0, err
	}

	return views, total, nil
}

// overlayMatch 狀態覆蓋過濾條件
// 沒有覆蓋列視同全 false，預設排除已刪除與已隱藏
func overlayMatch(q VisibleQuery) bson.M {
	conditions := []bson.M{}

	if !q.IncludeDeleted {
		conditions = append(conditions, bson.M{"state.is_deleted": bson.M{"$ne": true}})
	}
	if !q.IncludeHidden {
		conditions = append(conditions, bson.M{"state.is_hidden": bson.M{"$ne": true}})
	}
	if q.OnlyUnread {
		conditions = append(conditions, bson.M{"state.is_read": bson.M{"$ne": true}})
	}

	if len(conditions) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": conditions}
}

// CountUnread 計算用戶可見且未讀的訊息數
// 覆蓋列不存在或 is_read 為 false 都算未讀，已刪除與已隱藏不計入
func (s *MessageStore) CountUnread(ctx context.Context, userID, role string) (int64, error) {
	pipeline := []bson.M{{"$match": visibilityMatch(userID, role)}}
	pipeline = append(pipeline, statePipeline(userID)...)
	pipeline = append(pipeline,
		bson.M{"$match": overlayMatch(VisibleQuery{OnlyUnread: true})},
		bson.M{"$count": "total"},
	)

	return s.countPipeline(ctx, pipeline)
}

// ListUnreadIDs 列出用戶可見且未讀的訊息 ID，用於全部已讀操作
func (s *MessageStore) ListUnreadIDs(ctx context.Context, userID, role string, limit int) ([]string, error) {
	pipeline := []bson.M{{"$match": visibilityMatch(userID, role)}}
	pipeline = append(pipeline, statePipeline(userID)...)
	pipeline = append(pipeline,
		bson.M{"$match": overlayMatch(VisibleQuery{OnlyUnread: true})},
		bson.M{"$limit": int64(limit)},
		bson.M{"$project": bson.M{"_id": 1}},
	)

	cursor, err := s.collection.Aggregate(ctx, pipeline)
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

// countPipeline 執行計數管道
func (s *MessageStore) countPipeline(ctx context.Context, pipeline []bson.M) (int64, error) {
	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var row struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&row); err != nil {
			return 0, err
		}
	}
	return row.Total, cursor.Err()
}

// NormalizePageSize 套用配置中的分頁限制
// 列表查詢與其偏移量計算必須使用同一個正規化結果，否則翻頁會錯位
func NormalizePageSize(limit int) int {
	cfg := config.Get()
	defaultLimit := 20
	maxLimit := 100
	if cfg != nil {
		if cfg.Limits.Pagination.DefaultPageSize > 0 {
			defaultLimit = cfg.Limits.Pagination.DefaultPageSize
		}
		if cfg.Limits.Pagination.MaxPageSize > 0 {
			maxLimit = cfg.Limits.Pagination.MaxPageSize
		}
	}

	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
