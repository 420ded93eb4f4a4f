package message

import "time"

// SendMessageRequest 發送個人訊息請求.
type SendMessageRequest struct {
	RecipientID string                 `json:"recipient_id" binding:"required"`
	Title       string                 `json:"title" binding:"required"`
	Content     string                 `json:"content" binding:"required"`
	Type        string                 `json:"type,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateAnnouncementRequest 創建公告請求（role 或 global 廣播）.
type CreateAnnouncementRequest struct {
	Title       string                 `json:"title" binding:"required"`
	Content     string                 `json:"content" binding:"required"`
	Scope       string                 `json:"scope" binding:"required"` // role 或 global
	Role        string                 `json:"role,omitempty"`
	Type        string                 `json:"type,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateBillsRequest 批量帳單請求.
type CreateBillsRequest struct {
	Bills []BillRequest `json:"bills" binding:"required"`
}

// BillRequest 單筆帳單.
type BillRequest struct {
	RecipientID string                 `json:"recipient_id" binding:"required"`
	Title       string                 `json:"title" binding:"required"`
	Content     string                 `json:"content" binding:"required"`
	Amount      float64                `json:"amount"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SendFromTemplateRequest 模板發送請求.
type SendFromTemplateRequest struct {
	TemplateName string            `json:"template_name" binding:"required"`
	RecipientID  string            `json:"recipient_id,omitempty"`
	Scope        string            `json:"scope,omitempty"` // direct、role 或 global
	Role         string            `json:"role,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// CreateTemplateRequest 創建模板請求.
type CreateTemplateRequest struct {
	Name      string   `json:"name" binding:"required"`
	Title     string   `json:"title" binding:"required"`
	Content   string   `json:"content" binding:"required"`
	Type      string   `json:"type,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	Variables []string `json:"variables,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

// ListMessagesRequest 訊息列表請求.
type ListMessagesRequest struct {
	Type          string `form:"type"`
	Priority      string `form:"priority"`
	Unread        bool   `form:"unread"`
	IncludeHidden bool   `form:"include_hidden"`
	Page          int    `form:"page"`
	PageSize      int    `form:"page_size"`
}

// BatchOperationRequest 批量操作請求.
type BatchOperationRequest struct {
	Operation  string   `json:"operation" binding:"required"`
	MessageIDs []string `json:"message_ids" binding:"required"`
}
