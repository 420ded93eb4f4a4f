package message

import (
	"context"
	"fmt"
	"time"

	"message-gateway/internal/constants"
	"message-gateway/internal/platform/logger"
	"message-gateway/internal/security/audit"
	"message-gateway/internal/storage/database/inbox"

	"github.com/jonboulle/clockwork"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Actor 執行操作的請求者身份
type Actor struct {
	UserID string
	Role   string
}

// MessageStore 訊息存儲接口
type MessageStore interface {
	Create(ctx context.Context, message *inbox.Message) error
	GetByID(ctx context.Context, id string) (*inbox.Message, error)
	UpdateStatus(ctx context.Context, id string, from []string, to string, extra bson.M) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*inbox.Message, error)
	ListDueExpirable(ctx context.Context, now time.Time, limit int) ([]*inbox.Message, error)
	ListVisible(ctx context.Context, userID, role string, q inbox.VisibleQuery) ([]*inbox.UserMessageView, int64, error)
	CountUnread(ctx context.Context, userID, role string) (int64, error)
	ListUnreadIDs(ctx context.Context, userID, role string, limit int) ([]string, error)
}

// StateStore 用戶訊息狀態存儲接口
type StateStore interface {
	Get(ctx context.Context, userID, messageID string) (*inbox.UserMessageState, error)
	GetOrCreate(ctx context.Context, userID, messageID string) (*inbox.UserMessageState, error)
	MarkRead(ctx context.Context, userID, messageID string, at time.Time) error
	MarkUnread(ctx context.Context, userID, messageID string) error
	MarkDeleted(ctx context.Context, userID, messageID string, at time.Time) error
	MarkHidden(ctx context.Context, userID, messageID string, at time.Time) error
	Restore(ctx context.Context, userID, messageID string) error
	MarkManyRead(ctx context.Context, userID string, messageIDs []string, at time.Time) (int64, error)
	MaterializeMany(ctx context.Context, userIDs []string, messageID string, at time.Time) (int64, error)
}

// TemplateStore 訊息模板存儲接口
type TemplateStore interface {
	Create(ctx context.Context, template *inbox.MessageTemplate) error
	GetByName(ctx context.Context, name string) (*inbox.MessageTemplate, error)
	List(ctx context.Context, enabledOnly bool) ([]*inbox.MessageTemplate, error)
}

// UserDirectory 用戶目錄接口，由用戶服務同步的唯讀資料
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	ListActiveIDsByRole(ctx context.Context, role string) ([]string, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// Service 訊息分發引擎
// 訊息本體只寫一份，每個用戶的已讀、隱藏、刪除狀態存在覆蓋列，
// 可見性永遠從投遞目標重新計算
type Service struct {
	messages  MessageStore
	states    StateStore
	templates TemplateStore
	users     UserDirectory
	audit     *audit.AuditService
	clock     clockwork.Clock
}

// NewService 創建訊息分發引擎
func NewService(messages MessageStore, states StateStore, templates TemplateStore, users UserDirectory, auditService *audit.AuditService, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		messages:  messages,
		states:    states,
		templates: templates,
		users:     users,
		audit:     auditService,
		clock:     clock,
	}
}

// CreateMessageInput 創建訊息輸入
type CreateMessageInput struct {
	Title       string
	Content     string
	Type        string
	Priority    string
	Targeting   inbox.Targeting
	ScheduledAt *time.Time
	ExpiresAt   *time.Time
	Metadata    map[string]interface{}
}

// CreateMessage 創建並投遞訊息
// 排程時間在未來的訊息先停在 scheduled，由排程掃描轉為 sent；
// 其餘訊息立即 sent，role 與 global 目標同步預建受眾的狀態覆蓋列
func (s *Service) CreateMessage(ctx context.Context, actor Actor, input CreateMessageInput) (*inbox.Message, error) {
	if err := input.Targeting.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTargeting, err)
	}

	if input.Type == "" {
		input.Type = inbox.MessageTypePersonal
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

	now := s.clock.Now().UTC()

	if input.ExpiresAt != nil {
		baseline := now
		if input.ScheduledAt != nil && input.ScheduledAt.After(now) {
			baseline = input.ScheduledAt.UTC()
		}
		if !input.ExpiresAt.After(baseline) {
			return nil, fmt.Errorf("%w: 過期時間必須晚於發送時間", ErrValidation)
		}
	}

	// direct 目標必須指向存在的用戶
	if input.Targeting.Kind == inbox.TargetingDirect {
		exists, err := s.users.Exists(ctx, input.Targeting.RecipientID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: recipient %s", ErrNotFound, input.Targeting.RecipientID)
		}
	}

	msg := inbox.NewMessage()
	msg.Title = input.Title
	msg.Content = input.Content
	msg.Type = input.Type
	msg.Priority = input.Priority
	msg.PriorityWeight = inbox.PriorityWeight(input.Priority)
	msg.Targeting = input.Targeting
	msg.SenderID = actor.UserID
	msg.Metadata = input.Metadata
	msg.ExpiresAt = input.ExpiresAt
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if input.ScheduledAt != nil && input.ScheduledAt.After(now) {
		scheduledAt := input.ScheduledAt.UTC()
		msg.Status = inbox.MessageStatusScheduled
		msg.ScheduledAt = &scheduledAt
	} else {
		msg.Status = inbox.MessageStatusSent
		msg.SentAt = &now
	}

	if err := s.messages.Create(ctx, &msg); err != nil {
		return nil, err
	}

	if msg.Status == inbox.MessageStatusSent {
		if err := s.materializeAudience(ctx, &msg, now); err != nil {
			// 預建失敗不影響正確性，可見性查詢不依賴覆蓋列存在
			logger.Warning(ctx, "受眾狀態預建失敗",
				logger.WithMessageID(msg.ID),
				logger.WithTargeting(msg.Targeting.String()),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
	}

	if s.audit != nil {
		s.audit.LogMessageCreated(ctx, actor.UserID, msg.ID, msg.Type, msg.Targeting.String())
	}

	logger.Info(ctx, "訊息已創建",
		logger.WithUserID(actor.UserID),
		logger.WithMessageID(msg.ID),
		logger.WithTargeting(msg.Targeting.String()),
		logger.WithAction("create_message"))

	return &msg, nil
}

// materializeAudience 為 role 與 global 目標預建狀態覆蓋列
// direct 目標採延遲建立，首次互動時才落庫
func (s *Service) materializeAudience(ctx context.Context, msg *inbox.Message, now time.Time) error {
	audience, err := s.resolveAudience(ctx, msg.Targeting)
	if err != nil {
		return err
	}
	if len(audience) == 0 {
		return nil
	}

	_, err = s.states.MaterializeMany(ctx, audience, msg.ID, now)
	return err
}

// resolveAudience 解析投遞目標對應的用戶集合
func (s *Service) resolveAudience(ctx context.Context, t inbox.Targeting) ([]string, error) {
	switch t.Kind {
	case inbox.TargetingRole:
		return s.users.ListActiveIDsByRole(ctx, t.Role)
	case inbox.TargetingGlobal:
		return s.users.ListActiveIDs(ctx)
	}
	return nil, nil
}

// BillInput 帳單訊息輸入
type BillInput struct {
	RecipientID string
	Title       string
	Content     string
	Amount      float64
	Metadata    map[string]interface{}
}

// BillResult 單筆帳單投遞結果
type BillResult struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// CreateBills 批量投遞帳單訊息，單筆失敗不影響其他筆
func (s *Service) CreateBills(ctx context.Context, actor Actor, bills []BillInput) ([]BillResult, error) {
	if len(bills) == 0 {
		return nil, fmt.Errorf("%w: 帳單列表不能為空", ErrValidation)
	}
	if len(bills) > constants.MaxBillBatchSize {
		return nil, fmt.Errorf("%w: 帳單數量超過上限 %d", ErrValidation, constants.MaxBillBatchSize)
	}

	results := make([]BillResult, 0, len(bills))
	for _, bill := range bills {
		// 複製一份再補上金額，不動呼叫端的 map
		metadata := make(map[string]interface{}, len(bill.Metadata)+1)
		for k, v := range bill.Metadata {
			metadata[k] = v
		}
		metadata["amount"] = bill.Amount

		msg, err := s.CreateMessage(ctx, actor, CreateMessageInput{
			Title:     bill.Title,
			Content:   bill.Content,
			Type:      inbox.MessageTypeBill,
			Priority:  inbox.PriorityHigh,
			Targeting: inbox.DirectTargeting(bill.RecipientID),
			Metadata:  metadata,
		})
		if err != nil {
			results = append(results, BillResult{
				RecipientID: bill.RecipientID,
				Success:     false,
				Error:       err.Error(),
			})
			continue
		}

		results = append(results, BillResult{
			RecipientID: bill.RecipientID,
			MessageID:   msg.ID,
			Success:     true,
		})
	}

	return results, nil
}

// GetMessage 獲取訊息詳情與請求者的狀態覆蓋，並自動標記已讀
// 過期訊息仍可查詢供稽核；已撤銷訊息對所有人一律拒絕
func (s *Service) GetMessage(ctx context.Context, actor Actor, messageID string) (*inbox.UserMessageView, error) {
	msg, err := s.loadViewable(ctx, actor, messageID)
	if err != nil {
		return nil, err
	}

	// 詳情查看即視為已讀，只對仍在發送中的訊息生效
	if msg.Status == inbox.MessageStatusSent {
		if err := s.states.MarkRead(ctx, actor.UserID, msg.ID, s.clock.Now().UTC()); err != nil {
			return nil, err
		}
	}

	state, err := s.states.Get(ctx, actor.UserID, msg.ID)
	if err != nil {
		return nil, err
	}

	return &inbox.UserMessageView{Message: *msg, State: state}, nil
}

// loadViewable 載入訊息並檢查請求者的可見性
func (s *Service) loadViewable(ctx context.Context, actor Actor, messageID string) (*inbox.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !msg.CanBeViewedBy(actor.UserID, actor.Role) || msg.Status == inbox.MessageStatusScheduled {
		if s.audit != nil {
			s.audit.LogAccessDenied(ctx, actor.UserID, messageID, "not in audience")
		}
		return nil, ErrForbidden
	}

	return msg, nil
}

// ListQuery 可見訊息列表查詢
type ListQuery struct {
	Types         []string
	Priority      string
	OnlyUnread    bool
	IncludeHidden bool
	Page          int
	PageSize      int
}

// ListMessages 列出請求者可見的訊息
func (s *Service) ListMessages(ctx context.Context, actor Actor, q ListQuery) ([]*inbox.UserMessageView, int64, error) {
	for _, t := range q.Types {
		if !inbox.IsValidMessageType(t) {
			return nil, 0, fmt.Errorf("%w: 無效的訊息類型 %s", ErrValidation, t)
		}
	}
	if q.Priority != "" && !inbox.IsValidPriority(q.Priority) {
		return nil, 0, fmt.Errorf("%w: 無效的優先級 %s", ErrValidation, q.Priority)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}

	// 偏移量必須用正規化後的頁面大小計算，否則省略 page_size 或超出上限時翻頁會錯位
	pageSize := inbox.NormalizePageSize(q.PageSize)

	return s.messages.ListVisible(ctx, actor.UserID, actor.Role, inbox.VisibleQuery{
		Types:         q.Types,
		Priority:      q.Priority,
		OnlyUnread:    q.OnlyUnread,
		IncludeHidden: q.IncludeHidden,
		Limit:         pageSize,
		Offset:        (page - 1) * pageSize,
	})
}

// UnreadCount 計算請求者可見且未讀的訊息數
func (s *Service) UnreadCount(ctx context.Context, actor Actor) (int64, error) {
	return s.messages.CountUnread(ctx, actor.UserID, actor.Role)
}

// 狀態覆蓋操作名稱
const (
	OperationRead    = "mark_read"
	OperationUnread  = "mark_unread"
	OperationHide    = "hide"
	OperationDelete  = "delete"
	OperationRestore = "restore"
)

// MarkRead 標記已讀，重複操作是冪等的
func (s *Service) MarkRead(ctx context.Context, actor Actor, messageID string) error {
	return s.mutateState(ctx, actor, messageID, OperationRead)
}

// MarkUnread 標記未讀
func (s *Service) MarkUnread(ctx context.Context, actor Actor, messageID string) error {
	return s.mutateState(ctx, actor, messageID, OperationUnread)
}

// Hide 隱藏訊息，只影響操作者自己的視圖
func (s *Service) Hide(ctx context.Context, actor Actor, messageID string) error {
	return s.mutateState(ctx, actor, messageID, OperationHide)
}

// Delete 軟刪除訊息，訊息本體不動，只寫操作者的覆蓋列
func (s *Service) Delete(ctx context.Context, actor Actor, messageID string) error {
	return s.mutateState(ctx, actor, messageID, OperationDelete)
}

// Restore 還原已刪除或已隱藏的訊息，已讀狀態保持不變
func (s *Service) Restore(ctx context.Context, actor Actor, messageID string) error {
	return s.mutateState(ctx, actor, messageID, OperationRestore)
}

// mutateState 套用狀態覆蓋操作，先檢查可見性
// 過期訊息的覆蓋列保留供稽核查詢，但不再接受任何狀態變更
func (s *Service) mutateState(ctx context.Context, actor Actor, messageID string, operation string) error {
	msg, err := s.loadViewable(ctx, actor, messageID)
	if err != nil {
		return err
	}
	if msg.Status != inbox.MessageStatusSent {
		return ErrForbidden
	}

	now := s.clock.Now().UTC()
	switch operation {
	case OperationRead:
		err = s.states.MarkRead(ctx, actor.UserID, messageID, now)
	case OperationUnread:
		err = s.states.MarkUnread(ctx, actor.UserID, messageID)
	case OperationHide:
		err = s.states.MarkHidden(ctx, actor.UserID, messageID, now)
	case OperationDelete:
		err = s.states.MarkDeleted(ctx, actor.UserID, messageID, now)
	case OperationRestore:
		err = s.states.Restore(ctx, actor.UserID, messageID)
	default:
		return fmt.Errorf("%w: 未知的操作 %s", ErrValidation, operation)
	}
	if err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.LogStateMutation(ctx, actor.UserID, messageID, operation)
	}

	return nil
}

// MarkAllRead 將請求者可見的未讀訊息全部標記已讀，回傳實際標記數量
func (s *Service) MarkAllRead(ctx context.Context, actor Actor) (int64, error) {
	ids, err := s.messages.ListUnreadIDs(ctx, actor.UserID, actor.Role, constants.MaxAudienceFanout)
	if err != nil {
		return 0, err
	}

	marked, err := s.states.MarkManyRead(ctx, actor.UserID, ids, s.clock.Now().UTC())
	if err != nil {
		return marked, err
	}

	if s.audit != nil {
		s.audit.LogBatchOperation(ctx, actor.UserID, "mark_all_read", int(marked), 0)
	}

	return marked, nil
}

// BatchItemResult 批量操作的單筆結果
type BatchItemResult struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BatchResult 批量操作結果
type BatchResult struct {
	Results      []BatchItemResult `json:"results"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
}

// Batch 對多個訊息執行同一種狀態覆蓋操作
// 單筆失敗記入結果，不中斷整批
func (s *Service) Batch(ctx context.Context, actor Actor, operation string, messageIDs []string) (*BatchResult, error) {
	switch operation {
	case OperationRead, OperationUnread, OperationHide, OperationDelete, OperationRestore:
	default:
		return nil, fmt.Errorf("%w: 未知的操作 %s", ErrValidation, operation)
	}

	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: 訊息 ID 列表不能為空", ErrValidation)
	}
	if len(messageIDs) > constants.MaxBatchOperationSize {
		return nil, fmt.Errorf("%w: 批量操作數量超過上限 %d", ErrValidation, constants.MaxBatchOperationSize)
	}

	result := &BatchResult{Results: make([]BatchItemResult, 0, len(messageIDs))}
	for _, messageID := range messageIDs {
		if err := s.mutateState(ctx, actor, messageID, operation); err != nil {
			result.Results = append(result.Results, BatchItemResult{
				MessageID: messageID,
				Success:   false,
				Error:     err.Error(),
			})
			result.FailureCount++
			continue
		}
		result.Results = append(result.Results, BatchItemResult{
			MessageID: messageID,
			Success:   true,
		})
		result.SuccessCount++
	}

	if s.audit != nil {
		s.audit.LogBatchOperation(ctx, actor.UserID, operation, result.SuccessCount, result.FailureCount)
	}

	return result, nil
}

// Cancel 撤銷訊息，等同對所有人刪除
// 只有發送者或管理員可撤銷，已過期或已撤銷的訊息不能再撤銷
func (s *Service) Cancel(ctx context.Context, actor Actor, messageID string) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return ErrNotFound
		}
		return err
	}

	if msg.SenderID != actor.UserID && !isAdminRole(actor.Role) {
		if s.audit != nil {
			s.audit.LogAccessDenied(ctx, actor.UserID, messageID, "not sender or admin")
		}
		return ErrForbidden
	}

	changed, err := s.messages.UpdateStatus(ctx, messageID,
		[]string{inbox.MessageStatusScheduled, inbox.MessageStatusSent},
		inbox.MessageStatusCancelled, nil)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: 訊息狀態 %s 不能撤銷", ErrValidation, msg.Status)
	}

	if s.audit != nil {
		s.audit.LogMessageCancelled(ctx, actor.UserID, messageID)
	}

	logger.Info(ctx, "訊息已撤銷",
		logger.WithUserID(actor.UserID),
		logger.WithMessageID(messageID),
		logger.WithAction("cancel_message"))

	return nil
}

// isAdminRole 檢查角色是否有管理權限
func isAdminRole(role string) bool {
	return role == "admin" || role == "super_admin"
}
