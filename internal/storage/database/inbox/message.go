package inbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 投遞目標模式常數
const (
	TargetingDirect = "direct"
	TargetingRole   = "role"
	TargetingGlobal = "global"
)

// 訊息類型常數
const (
	MessageTypeSystem       = "system"
	MessageTypePersonal     = "personal"
	MessageTypeActivity     = "activity"
	MessageTypeTeam         = "team"
	MessageTypeAnnouncement = "announcement"
	MessageTypeBill         = "bill"
)

// 訊息狀態常數
const (
	MessageStatusDraft     = "draft"
	MessageStatusScheduled = "scheduled"
	MessageStatusSent      = "sent"
	MessageStatusExpired   = "expired"
	MessageStatusCancelled = "cancelled"
)

// 訊息優先級常數
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// priorityWeights 優先級對應的排序權重
var priorityWeights = map[string]int{
	PriorityLow:    1,
	PriorityNormal: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// PriorityWeight 取得優先級排序權重，未知優先級視為 normal
func PriorityWeight(priority string) int {
	if w, ok := priorityWeights[priority]; ok {
		return w
	}
	return priorityWeights[PriorityNormal]
}

// IsValidPriority 檢查優先級是否有效
func IsValidPriority(priority string) bool {
	_, ok := priorityWeights[priority]
	return ok
}

// IsValidMessageType 檢查訊息類型是否有效
func IsValidMessageType(messageType string) bool {
	switch messageType {
	case MessageTypeSystem, MessageTypePersonal, MessageTypeActivity,
		MessageTypeTeam, MessageTypeAnnouncement, MessageTypeBill:
		return true
	}
	return false
}

// Targeting 投遞目標描述
// 三種模式互斥：direct 指定單一用戶，role 指定角色群體，global 指定全體
type Targeting struct {
	Kind        string `bson:"kind" json:"kind"`
	RecipientID string `bson:"recipient_id,omitempty" json:"recipient_id,omitempty"`
	Role        string `bson:"role,omitempty" json:"role,omitempty"`
}

// DirectTargeting 創建指定單一用戶的投遞目標
func DirectTargeting(recipientID string) Targeting {
	return Targeting{Kind: TargetingDirect, RecipientID: recipientID}
}

// RoleTargeting 創建指定角色群體的投遞目標
func RoleTargeting(role string) Targeting {
	return Targeting{Kind: TargetingRole, Role: role}
}

// GlobalTargeting 創建全體投遞目標
func GlobalTargeting() Targeting {
	return Targeting{Kind: TargetingGlobal}
}

// Validate 驗證投遞目標，模式與欄位必須一致
func (t Targeting) Validate() error {
	switch t.Kind {
	case TargetingDirect:
		if t.RecipientID == "" {
			return fmt.Errorf("direct 目標缺少 recipient_id")
		}
		if t.Role != "" {
			return fmt.Errorf("direct 目標不能帶有 role")
		}
	case TargetingRole:
		if t.Role == "" {
			return fmt.Errorf("role 目標缺少 role")
		}
		if t.RecipientID != "" {
			return fmt.Errorf("role 目標不能帶有 recipient_id")
		}
	case TargetingGlobal:
		if t.RecipientID != "" || t.Role != "" {
			return fmt.Errorf("global 目標不能帶有 recipient_id 或 role")
		}
	default:
		return fmt.Errorf("未知的投遞目標模式: %s", t.Kind)
	}
	return nil
}

// Matches 檢查用戶是否在投遞範圍內
// 角色歸屬以當前角色為準，晉升角色後可見歷史角色廣播
func (t Targeting) Matches(userID, role string) bool {
	switch t.Kind {
	case TargetingDirect:
		return t.RecipientID == userID
	case TargetingRole:
		return t.Role == role
	case TargetingGlobal:
		return true
	}
	return false
}

// String 投遞目標的可讀描述，用於日誌與審計
func (t Targeting) String() string {
	switch t.Kind {
	case TargetingDirect:
		return fmt.Sprintf("direct:%s", t.RecipientID)
	case TargetingRole:
		return fmt.Sprintf("role:%s", t.Role)
	case TargetingGlobal:
		return "global"
	}
	return "unknown"
}

// Message 訊息數據模型
type Message struct {
	ID             string                 `bson:"_id" json:"id"`
	Title          string                 `bson:"title" json:"title"`
	Content        string                 `bson:"content" json:"content"`
	Type           string                 `bson:"type" json:"type"`
	Priority       string                 `bson:"priority" json:"priority"`
	PriorityWeight int                    `bson:"priority_weight" json:"-"`
	Targeting      Targeting              `bson:"targeting" json:"targeting"`
	SenderID       string                 `bson:"sender_id,omitempty" json:"sender_id,omitempty"`
	Status         string                 `bson:"status" json:"status"`
	ScheduledAt    *time.Time             `bson:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
	SentAt         *time.Time             `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
	ExpiresAt      *time.Time             `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Metadata       map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `bson:"updated_at" json:"updated_at"`
}

// NewMessage 創建新的 Message 實例
func NewMessage() Message {
	now := time.Now().UTC()
	return Message{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now}
}

// CanBeViewedBy 檢查用戶是否可見此訊息
// 可見性永遠從投遞目標重新計算，不依賴狀態覆蓋列是否存在
func (m *Message) CanBeViewedBy(userID, role string) bool {
	if m.Status == MessageStatusCancelled || m.Status == MessageStatusDraft {
		return false
	}
	return m.Targeting.Matches(userID, role)
}

// IsListable 檢查訊息是否應出現在列表查詢中
// 過期訊息仍可經由 ID 查詢供稽核，但不進入列表
func (m *Message) IsListable() bool {
	return m.Status == MessageStatusSent
}
