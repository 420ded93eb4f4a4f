package inbox

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建數據庫索引以優化查詢性能
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	// 訊息集合索引
	messagesCollection := db.Collection("messages")

	// 1. 投遞目標 + 創建時間複合索引（direct 查詢路徑）
	targetingRecipientIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "targeting.kind", Value: 1},
			{Key: "targeting.recipient_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("targeting_recipient_idx"),
	}

	// 2. 角色廣播索引
	targetingRoleIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "targeting.kind", Value: 1},
			{Key: "targeting.role", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("targeting_role_idx"),
	}

	// 3. 排程掃描索引
	scheduledIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "scheduled_at", Value: 1},
		},
		Options: options.Index().SetName("status_scheduled_idx"),
	}

	// 4. 過期掃描索引
	expiresIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "expires_at", Value: 1},
		},
		Options: options.Index().SetName("status_expires_idx"),
	}

	// 5. 排序索引（創建時間 + 優先級權重）
	sortIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "created_at", Value: -1},
			{Key: "priority_weight", Value: -1},
		},
		Options: options.Index().SetName("created_priority_idx"),
	}

	// 6. 訊息類型索引
	messageTypeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
		},
		Options: options.Index().SetName("type_idx"),
	}

	messageIndexes := []mongo.IndexModel{
		targetingRecipientIndex,
		targetingRoleIndex,
		scheduledIndex,
		expiresIndex,
		sortIndex,
		messageTypeIndex,
	}

	if _, err := messagesCollection.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return err
	}

	// 用戶訊息狀態集合索引
	statesCollection := db.Collection("user_message_states")

	// 1. 唯一複合索引，保證每個 (user_id, message_id) 至多一列
	// get-or-create 的並發正確性依賴這個索引
	userMessageUniqueIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "message_id", Value: 1},
		},
		Options: options.Index().
			SetName("uk_user_message_states_user_message").
			SetUnique(true),
	}

	// 2. 用戶已讀狀態索引
	userReadIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "is_read", Value: 1},
		},
		Options: options.Index().SetName("user_read_idx"),
	}

	// 3. 訊息 ID 索引（$lookup 與稽核查詢）
	messageIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "message_id", Value: 1},
		},
		Options: options.Index().SetName("message_idx"),
	}

	stateIndexes := []mongo.IndexModel{
		userMessageUniqueIndex,
		userReadIndex,
		messageIDIndex,
	}

	if _, err := statesCollection.Indexes().CreateMany(ctx, stateIndexes); err != nil {
		return err
	}

	// 訊息模板集合索引
	templatesCollection := db.Collection("message_templates")

	templateNameIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "name", Value: 1},
		},
		Options: options.Index().
			SetName("uk_message_templates_name").
			SetUnique(true),
	}

	if _, err := templatesCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{templateNameIndex}); err != nil {
		return err
	}

	return nil
}

// GetIndexStats 獲取索引統計信息
func GetIndexStats(ctx context.Context, db *mongo.Database) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	for _, name := range []string{"messages", "user_message_states", "message_templates"} {
		indexList, err := db.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, err
		}

		var indexes []bson.M
		if err = indexList.All(ctx, &indexes); err != nil {
			return nil, err
		}
		stats[name+"_indexes"] = indexes
	}

	return stats, nil
}
