package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// AuditService 審計服務
type AuditService struct {
	enabled bool
	logger  *log.Logger
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		logger:  log.Default(),
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id"`
	MessageID string                 `json:"message_id,omitempty"`
	Targeting string                 `json:"targeting,omitempty"`
	Action    string                 `json:"action"`
	Result    string                 `json:"result"` // success, failure
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// LogMessageCreated 記錄訊息創建
func (a *AuditService) LogMessageCreated(ctx context.Context, senderID, messageID, messageType, targeting string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "message_created",
		UserID:    senderID,
		MessageID: messageID,
		Targeting: targeting,
		Action:    "create_message",
		Result:    "success",
		Details: map[string]interface{}{
			"message_type": messageType,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogStateMutation 記錄狀態覆蓋變更（已讀、未讀、隱藏、刪除、還原）
func (a *AuditService) LogStateMutation(ctx context.Context, userID, messageID, operation string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "state_mutation",
		UserID:    userID,
		MessageID: messageID,
		Action:    operation,
		Result:    "success",
	}

	a.log(event)
}

// LogBatchOperation 記錄批量操作
func (a *AuditService) LogBatchOperation(ctx context.Context, userID, operation string, successCount, failureCount int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "batch_operation",
		UserID:    userID,
		Action:    operation,
		Result:    "success",
		Details: map[string]interface{}{
			"success_count": successCount,
			"failure_count": failureCount,
		},
	}

	a.log(event)
}

// LogMessageCancelled 記錄訊息撤銷
func (a *AuditService) LogMessageCancelled(ctx context.Context, operatorID, messageID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "message_cancelled",
		UserID:    operatorID,
		MessageID: messageID,
		Action:    "cancel_message",
		Result:    "success",
	}

	a.log(event)
}

// LogDispatchRun 記錄排程掃描結果
func (a *AuditService) LogDispatchRun(ctx context.Context, promoted, expired, failed int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "dispatch_run",
		Action:    "dispatch_sweep",
		Result:    "success",
		Details: map[string]interface{}{
			"promoted": promoted,
			"expired":  expired,
			"failed":   failed,
		},
	}

	a.log(event)
}

// LogAccessDenied 記錄訪問被拒絕
func (a *AuditService) LogAccessDenied(ctx context.Context, userID, messageID, reason string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "access_denied",
		UserID:    userID,
		MessageID: messageID,
		Action:    "access_resource",
		Result:    "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}

	a.log(event)
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "rate_limit",
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   "rate_limit_exceeded",
		},
	}

	a.log(event)
}

// LogDataModification 記錄數據修改
func (a *AuditService) LogDataModification(ctx context.Context, userID, resourceType, resourceID, operation string, changes map[string]interface{}) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "data_modification",
		UserID:    userID,
		Action:    operation,
		Result:    "success",
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"changes":       changes,
		},
	}

	a.log(event)
}

// log 記錄審計事件
func (a *AuditService) log(event AuditEvent) {
	// 轉換為 JSON
	jsonData, err := json.Marshal(event)
	if err != nil {
		a.logger.Printf("[AUDIT-ERROR] Failed to marshal event: %v", err)
		return
	}

	// 記錄到日誌
	a.logger.Printf("[AUDIT] %s", string(jsonData))

	// TODO: 同時寫入專門的審計日誌文件或數據庫
	// 1. 寫入 MongoDB 審計集合
	// 2. 或寫入專門的審計日誌文件
	// 3. 或發送到 SIEM 系統
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a.enabled
}

// enrichWithMetadata 從 context 提取元數據並豐富審計事件
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	// 定義 context key（需要與 middleware 一致）
	type contextKey string
	const requestMetadataKey contextKey = "request_metadata"

	// 嘗試從 context 提取元數據
	if metadata := ctx.Value(requestMetadataKey); metadata != nil {
		if meta, ok := metadata.(*struct {
			IPAddress string
			UserAgent string
			UserID    string
		}); ok {
			event.IPAddress = meta.IPAddress
			event.UserAgent = meta.UserAgent
		}
	}
}
