package message

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"message-gateway/internal/constants"
	"message-gateway/internal/storage/database/inbox"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// placeholderPattern 模板佔位符格式 {{variable}}，允許兩側空白
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate 代入變數渲染模板字串
// 沒有對應變數的佔位符保留原樣，方便在輸出中發現遺漏
func RenderTemplate(text string, variables map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(strings.Trim(match, "{}"))
		if value, ok := variables[key]; ok {
			return value
		}
		return match
	})
}

// CreateTemplateInput 創建模板輸入
type CreateTemplateInput struct {
	Name      string
	Title     string
	Content   string
	Type      string
	Priority  string
	Variables []string
	Enabled   bool
}

// CreateTemplate 創建訊息模板，名稱必須唯一
func (s *Service) CreateTemplate(ctx context.Context, input CreateTemplateInput) (*inbox.MessageTemplate, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: 模板名稱不能為空", ErrValidation)
	}
	if len(input.Name) > constants.MaxTemplateNameLength {
		return nil, fmt.Errorf("%w: 模板名稱超過最大長度 %d", ErrValidation, constants.MaxTemplateNameLength)
	}
	if len(input.Variables) > constants.MaxTemplateVariables {
		return nil, fmt.Errorf("%w: 模板變數數量超過上限 %d", ErrValidation, constants.MaxTemplateVariables)
	}

	if input.Type == "" {
		input.Type = inbox.MessageTypeSystem
	}
	if !inbox.IsValidMessageType(input.Type) {
		return nil, fmt.Errorf("%w: 無效的訊息類型 %s", ErrValidation, input.Type)
	}
	if input.Priority == "" {
		input.Priority = inbox.PriorityNormal
	}
	if !inbox.IsValidPriority(input.Priority) {
		return nil, fmt.Errorf("%w: 無效的優先級 %s", ErrValidation, input.Priority)
	}

	template := &inbox.MessageTemplate{
		Name:      input.Name,
		Title:     input.Title,
		Content:   input.Content,
		Type:      input.Type,
		Priority:  input.Priority,
		Variables: input.Variables,
		Enabled:   input.Enabled,
	}

	if err := s.templates.Create(ctx, template); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: 模板名稱已存在", ErrValidation)
		}
		return nil, err
	}

	return template, nil
}

// ListTemplates 列出啟用中的訊息模板
func (s *Service) ListTemplates(ctx context.Context) ([]*inbox.MessageTemplate, error) {
	return s.templates.List(ctx, true)
}

// SendFromTemplateInput 模板發送輸入
type SendFromTemplateInput struct {
	TemplateName string
	Targeting    inbox.Targeting
	Variables    map[string]string
	ScheduledAt  *time.Time
	ExpiresAt    *time.Time
}

// SendFromTemplate 渲染模板並創建訊息
func (s *Service) SendFromTemplate(ctx context.Context, actor Actor, input SendFromTemplateInput) (*inbox.Message, error) {
	template, err := s.templates.GetByName(ctx, input.TemplateName)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: template %s", ErrNotFound, input.TemplateName)
		}
		return nil, err
	}

	if !template.Enabled {
		return nil, fmt.Errorf("%w: 模板 %s 已停用", ErrValidation, input.TemplateName)
	}

	return s.CreateMessage(ctx, actor, CreateMessageInput{
		Title:       RenderTemplate(template.Title, input.Variables),
		Content:     RenderTemplate(template.Content, input.Variables),
		Type:        template.Type,
		Priority:    template.Priority,
		Targeting:   input.Targeting,
		ScheduledAt: input.ScheduledAt,
		ExpiresAt:   input.ExpiresAt,
		Metadata: map[string]interface{}{
			"template_name": template.Name,
		},
	})
}
