package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageTemplate 訊息模板數據模型
// 標題與內容可包含 {{variable}} 佔位符，發送時代入變數
type MessageTemplate struct {
	ID        string    `bson:"_id" json:"id"`
	Name      string    `bson:"name" json:"name"`
	Title     string    `bson:"title" json:"title"`
	Content   string    `bson:"content" json:"content"`
	Type      string    `bson:"type" json:"type"`
	Priority  string    `bson:"priority" json:"priority"`
	Variables []string  `bson:"variables,omitempty" json:"variables,omitempty"`
	Enabled   bool      `bson:"enabled" json:"enabled"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// TemplateStore 訊息模板存儲實作
type TemplateStore struct {
	collection *mongo.Collection
}

// NewTemplateStore 創建新的訊息模板存儲
func NewTemplateStore(db *mongo.Database) *TemplateStore {
	return &TemplateStore{
		collection: db.Collection("message_templates"),
	}
}

// Create 創建模板，名稱重複時回傳唯一索引錯誤
func (s *TemplateStore) Create(ctx context.Context, template *MessageTemplate) error {
	now := time.Now().UTC()
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	template.CreatedAt = now
	template.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, template)
	return err
}

// GetByName 根據名稱獲取模板
func (s *TemplateStore) GetByName(ctx context.Context, name string) (*MessageTemplate, error) {
	var template MessageTemplate
	err := s.collection.FindOne(ctx, bson.M{"name": name}).Decode(&template)
	if err != nil {
		return nil, err
	}
	return &template, nil
}

// List 列出模板，enabledOnly 為 true 時只回傳啟用中的模板
func (s *TemplateStore) List(ctx context.Context, enabledOnly bool) ([]*MessageTemplate, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}

	opts := options.Find()
	opts.SetSort(bson.D{{Key: "name", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	templates := []*MessageTemplate{}
	for cursor.Next(ctx) {
		var template MessageTemplate
		if err := cursor.Decode(&template); err != nil {
			return nil, err
		}
		templates = append(templates, &template)
	}

	return templates, cursor.Err()
}
