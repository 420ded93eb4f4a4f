package message

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"message-gateway/internal/storage/database/inbox"

	"github.com/jonboulle/clockwork"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// fakeBackend 記憶體後端，同時實作訊息、狀態、模板與用戶目錄接口
type fakeBackend struct {
	mu        sync.Mutex
	messages  map[string]*inbox.Message
	states    map[string]*inbox.UserMessageState
	templates map[string]*inbox.MessageTemplate
	users     map[string]string // userID -> role

	lastVisibleQuery inbox.VisibleQuery // 最近一次 ListVisible 收到的查詢
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:  make(map[string]*inbox.Message),
		states:    make(map[string]*inbox.UserMessageState),
		templates: make(map[string]*inbox.MessageTemplate),
		users:     make(map[string]string),
	}
}

func stateKey(userID, messageID string) string {
	return userID + "|" + messageID
}

func (f *fakeBackend) Create(ctx context.Context, message *inbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *message
	f.messages[message.ID] = &copied
	return nil
}

func (f *fakeBackend) GetByID(ctx context.Context, id string) (*inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *msg
	return &copied, nil
}

func (f *fakeBackend) UpdateStatus(ctx context.Context, id string, from []string, to string, extra bson.M) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if msg.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	msg.Status = to
	if at, ok := extra["sent_at"].(time.Time); ok {
		msg.SentAt = &at
	}
	return true, nil
}

func (f *fakeBackend) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*inbox.Message
	for _, msg := range f.messages {
		if msg.Status == inbox.MessageStatusScheduled && msg.ScheduledAt != nil && !msg.ScheduledAt.After(now) {
			copied := *msg
			due = append(due, &copied)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeBackend) ListDueExpirable(ctx context.Context, now time.Time, limit int) ([]*inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*inbox.Message
	for _, msg := range f.messages {
		if msg.Status == inbox.MessageStatusSent && msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			copied := *msg
			due = append(due, &copied)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

// visibleTo 依投遞目標與狀態覆蓋列計算列表可見性
func (f *fakeBackend) visibleTo(msg *inbox.Message, userID, role string, q inbox.VisibleQuery) bool {
	if !msg.IsListable() || !msg.Targeting.Matches(userID, role) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if msg.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Priority != "" && msg.Priority != q.Priority {
		return false
	}

	state := f.states[stateKey(userID, msg.ID)]
	if state != nil {
		if state.IsDeleted {
			return false
		}
		if state.IsHidden && !q.IncludeHidden {
			return false
		}
		if q.OnlyUnread && state.IsRead {
			return false
		}
	}
	return true
}

func (f *fakeBackend) ListVisible(ctx context.Context, userID, role string, q inbox.VisibleQuery) ([]*inbox.UserMessageView, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVisibleQuery = q

	var views []*inbox.UserMessageView
	for _, msg := range f.messages {
		if !f.visibleTo(msg, userID, role, q) {
			continue
		}
		copied := *msg
		var state *inbox.UserMessageState
		if s, ok := f.states[stateKey(userID, msg.ID)]; ok {
			stateCopy := *s
			state = &stateCopy
		}
		views = append(views, &inbox.UserMessageView{Message: copied, State: state})
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		}
		return views[i].PriorityWeight > views[j].PriorityWeight
	})

	total := int64(len(views))
	if q.Offset > 0 {
		if q.Offset >= len(views) {
			return nil, total, nil
		}
		views = views[q.Offset:]
	}
	if q.Limit > 0 && len(views) > q.Limit {
		views = views[:q.Limit]
	}
	return views, total, nil
}

func (f *fakeBackend) CountUnread(ctx context.Context, userID, role string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, msg := range f.messages {
		if f.visibleTo(msg, userID, role, inbox.VisibleQuery{OnlyUnread: true}) {
			count++
		}
	}
	return count, nil
}

func (f *fakeBackend) ListUnreadIDs(ctx context.Context, userID, role string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, msg := range f.messages {
		if f.visibleTo(msg, userID, role, inbox.VisibleQuery{OnlyUnread: true}) {
			ids = append(ids, msg.ID)
		}
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (f *fakeBackend) Get(ctx context.Context, userID, messageID string) (*inbox.UserMessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[stateKey(userID, messageID)]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeBackend) GetOrCreate(ctx context.Context, userID, messageID string) (*inbox.UserMessageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.ensureState(userID, messageID, time.Now().UTC())
	return &copied, nil
}

// ensureState 取得或創建覆蓋列，呼叫端必須持有鎖
func (f *fakeBackend) ensureState(userID, messageID string, at time.Time) *inbox.UserMessageState {
	key := stateKey(userID, messageID)
	if state, ok := f.states[key]; ok {
		return state
	}
	state := &inbox.UserMessageState{
		UserID:    userID,
		MessageID: messageID,
		CreatedAt: at,
		UpdatedAt: at,
	}
	f.states[key] = state
	return state
}

func (f *fakeBackend) MarkRead(ctx context.Context, userID, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.ensureState(userID, messageID, at)
	state.IsRead = true
	state.ReadAt = &at
	state.UpdatedAt = at
	return nil
}

func (f *fakeBackend) MarkUnread(ctx context.Context, userID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.ensureState(userID, messageID, time.Now().UTC())
	state.IsRead = false
	state.ReadAt = nil
	return nil
}

func (f *fakeBackend) MarkDeleted(ctx context.Context, userID, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.ensureState(userID, messageID, at)
	state.IsDeleted = true
	state.DeletedAt = &at
	return nil
}

func (f *fakeBackend) MarkHidden(ctx context.Context, userID, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.ensureState(userID, messageID, at)
	state.IsHidden = true
	state.HiddenAt = &at
	return nil
}

func (f *fakeBackend) Restore(ctx context.Context, userID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.ensureState(userID, messageID, time.Now().UTC())
	state.IsDeleted = false
	state.DeletedAt = nil
	state.IsHidden = false
	state.HiddenAt = nil
	return nil
}

func (f *fakeBackend) MarkManyRead(ctx context.Context, userID string, messageIDs []string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var marked int64
	for _, messageID := range messageIDs {
		state := f.ensureState(userID, messageID, at)
		if state.IsRead {
			continue
		}
		state.IsRead = true
		state.ReadAt = &at
		marked++
	}
	return marked, nil
}

func (f *fakeBackend) MaterializeMany(ctx context.Context, userIDs []string, messageID string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var created int64
	for _, userID := range userIDs {
		if _, ok := f.states[stateKey(userID, messageID)]; ok {
			continue
		}
		f.ensureState(userID, messageID, at)
		created++
	}
	return created, nil
}

func (f *fakeBackend) CreateTemplate(template *inbox.MessageTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[template.Name]; ok {
		return mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000}}}
	}
	copied := *template
	f.templates[template.Name] = &copied
	return nil
}

func (f *fakeBackend) GetByName(ctx context.Context, name string) (*inbox.MessageTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	template, ok := f.templates[name]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *template
	return &copied, nil
}

func (f *fakeBackend) List(ctx context.Context, enabledOnly bool) ([]*inbox.MessageTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var templates []*inbox.MessageTemplate
	for _, template := range f.templates {
		if enabledOnly && !template.Enabled {
			continue
		}
		copied := *template
		templates = append(templates, &copied)
	}
	return templates, nil
}

func (f *fakeBackend) Exists(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fakeBackend) ListActiveIDsByRole(ctx context.Context, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, r := range f.users {
		if r == role {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeBackend) ListActiveIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	return ids, nil
}

// templateStoreAdapter 讓 fakeBackend 同時滿足 TemplateStore 的 Create 簽名
type templateStoreAdapter struct {
	backend *fakeBackend
}

func (a *templateStoreAdapter) Create(ctx context.Context, template *inbox.MessageTemplate) error {
	return a.backend.CreateTemplate(template)
}

func (a *templateStoreAdapter) GetByName(ctx context.Context, name string) (*inbox.MessageTemplate, error) {
	return a.backend.GetByName(ctx, name)
}

func (a *templateStoreAdapter) List(ctx context.Context, enabledOnly bool) ([]*inbox.MessageTemplate, error) {
	return a.backend.List(ctx, enabledOnly)
}

func newTestService(t *testing.T) (*Service, *fakeBackend, *clockwork.FakeClock) {
	t.Helper()
	backend := newFakeBackend()
	backend.users["user-1"] = "member"
	backend.users["user-2"] = "member"
	backend.users["admin-1"] = "admin"

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(backend, backend, &templateStoreAdapter{backend: backend}, backend, nil, clock)
	return svc, backend, clock
}

func TestCreateMessage_DirectSendsImmediately(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "歡迎",
		Content:   "歡迎加入",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if msg.Status != inbox.MessageStatusSent {
		t.Errorf("expected status sent, got %s", msg.Status)
	}
	if msg.SentAt == nil || !msg.SentAt.Equal(clock.Now().UTC()) {
		t.Errorf("expected sent_at %v, got %v", clock.Now().UTC(), msg.SentAt)
	}
	if msg.Type != inbox.MessageTypePersonal {
		t.Errorf("expected default type personal, got %s", msg.Type)
	}
	if msg.Priority != inbox.PriorityNormal {
		t.Errorf("expected default priority normal, got %s", msg.Priority)
	}

	// direct 目標採延遲建立，不應預建覆蓋列
	state, _ := backend.Get(ctx, "user-1", msg.ID)
	if state != nil {
		t.Errorf("direct message should not materialize state rows")
	}
}

func TestCreateMessage_UnknownRecipient(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateMessage(context.Background(), Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "測試",
		Content:   "測試",
		Targeting: inbox.DirectTargeting("no-such-user"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateMessage_InvalidTargeting(t *testing.T) {
	svc, _, _ := newTestService(t)

	cases := []struct {
		name      string
		targeting inbox.Targeting
	}{
		{"empty kind", inbox.Targeting{}},
		{"direct without recipient", inbox.Targeting{Kind: inbox.TargetingDirect}},
		{"role without role", inbox.Targeting{Kind: inbox.TargetingRole}},
		{"direct with role", inbox.Targeting{Kind: inbox.TargetingDirect, RecipientID: "user-1", Role: "member"}},
		{"global with recipient", inbox.Targeting{Kind: inbox.TargetingGlobal, RecipientID: "user-1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateMessage(context.Background(), Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
				Title:     "測試",
				Content:   "測試",
				Targeting: tc.targeting,
			})
			if !errors.Is(err, ErrInvalidTargeting) {
				t.Errorf("expected ErrInvalidTargeting, got %v", err)
			}
		})
	}
}

func TestCreateMessage_ScheduledStaysPending(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()

	scheduledAt := clock.Now().Add(time.Hour)
	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:       "預告",
		Content:     "稍後發布",
		Targeting:   inbox.GlobalTargeting(),
		ScheduledAt: &scheduledAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if msg.Status != inbox.MessageStatusScheduled {
		t.Errorf("expected status scheduled, got %s", msg.Status)
	}
	if msg.SentAt != nil {
		t.Errorf("scheduled message should not have sent_at")
	}

	// 排程訊息不應出現在列表，也不預建覆蓋列
	views, total, err := svc.ListMessages(ctx, Actor{UserID: "user-1", Role: "member"}, ListQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if total != 0 || len(views) != 0 {
		t.Errorf("scheduled message should not be listable, got %d views", len(views))
	}
	if state, _ := backend.Get(ctx, "user-1", msg.ID); state != nil {
		t.Errorf("scheduled message should not materialize state rows")
	}
}

func TestCreateMessage_ExpiryMustFollowSend(t *testing.T) {
	svc, _, clock := newTestService(t)

	expiresAt := clock.Now().Add(-time.Minute)
	_, err := svc.CreateMessage(context.Background(), Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "測試",
		Content:   "測試",
		Targeting: inbox.GlobalTargeting(),
		ExpiresAt: &expiresAt,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for past expiry, got %v", err)
	}

	// 過期時間早於排程時間同樣不允許
	scheduledAt := clock.Now().Add(2 * time.Hour)
	badExpiry := clock.Now().Add(time.Hour)
	_, err = svc.CreateMessage(context.Background(), Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:       "測試",
		Content:     "測試",
		Targeting:   inbox.GlobalTargeting(),
		ScheduledAt: &scheduledAt,
		ExpiresAt:   &badExpiry,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for expiry before scheduled time, got %v", err)
	}
}

func TestCreateMessage_GlobalMaterializesAudience(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "全站公告",
		Content:   "系統維護",
		Type:      inbox.MessageTypeAnnouncement,
		Targeting: inbox.GlobalTargeting(),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	for _, userID := range []string{"user-1", "user-2", "admin-1"} {
		state, _ := backend.Get(ctx, userID, msg.ID)
		if state == nil {
			t.Errorf("expected materialized state for %s", userID)
			continue
		}
		if state.IsRead || state.IsDeleted || state.IsHidden {
			t.Errorf("materialized state for %s should have all flags false", userID)
		}
	}
}

func TestGetMessage_DefaultStateAndAutoRead(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "通知",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	view, err := svc.GetMessage(ctx, actor, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}

	// 詳情查看即視為已讀
	effective := view.EffectiveState()
	if !effective.IsRead {
		t.Errorf("viewing a sent message should mark it read")
	}

	state, _ := backend.Get(ctx, actor.UserID, msg.ID)
	if state == nil || !state.IsRead {
		t.Fatalf("expected persisted read state after GetMessage")
	}
	if state.ReadAt == nil || !state.ReadAt.Equal(clock.Now().UTC()) {
		t.Errorf("expected read_at %v, got %v", clock.Now().UTC(), state.ReadAt)
	}
}

func TestGetMessage_AccessControl(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	direct, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "私人",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})

	scheduledAt := clock.Now().Add(time.Hour)
	scheduled, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:       "預告",
		Content:     "內容",
		Targeting:   inbox.DirectTargeting("user-1"),
		ScheduledAt: &scheduledAt,
	})

	cancelled, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "撤銷",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	if err := svc.Cancel(ctx, Actor{UserID: "admin-1", Role: "admin"}, cancelled.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	cases := []struct {
		name      string
		actor     Actor
		messageID string
		wantErr   error
	}{
		{"not in audience", Actor{UserID: "user-2", Role: "member"}, direct.ID, ErrForbidden},
		{"scheduled not yet visible", Actor{UserID: "user-1", Role: "member"}, scheduled.ID, ErrForbidden},
		{"cancelled rejected for recipient", Actor{UserID: "user-1", Role: "member"}, cancelled.ID, ErrForbidden},
		{"unknown id", Actor{UserID: "user-1", Role: "member"}, "b2f8f5a0-0000-0000-0000-000000000000", ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GetMessage(ctx, tc.actor, tc.messageID)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGetMessage_ExpiredStillFetchable(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	msg, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "限時",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})

	// 手動轉為過期
	if _, err := backend.UpdateStatus(ctx, msg.ID, []string{inbox.MessageStatusSent}, inbox.MessageStatusExpired, nil); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	view, err := svc.GetMessage(ctx, actor, msg.ID)
	if err != nil {
		t.Fatalf("expired message should still be fetchable by id: %v", err)
	}
	if view.Status != inbox.MessageStatusExpired {
		t.Errorf("expected status expired, got %s", view.Status)
	}

	// 過期訊息的查看不再寫入已讀
	if view.EffectiveState().IsRead {
		t.Errorf("viewing an expired message should not mark it read")
	}

	// 過期訊息不進入列表
	_, total, err := svc.ListMessages(ctx, actor, ListQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expired message should not be listable, got total %d", total)
	}
}

func TestStateMutations_RejectedOnExpiredMessage(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	msg, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "限時",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})

	// 過期前先讀過，覆蓋列留下歷史
	if err := svc.MarkRead(ctx, actor, msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	if _, err := backend.UpdateStatus(ctx, msg.ID, []string{inbox.MessageStatusSent}, inbox.MessageStatusExpired, nil); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// 過期後任何狀態覆蓋操作一律拒絕
	for _, op := range []struct {
		name string
		call func() error
	}{
		{"mark read", func() error { return svc.MarkRead(ctx, actor, msg.ID) }},
		{"mark unread", func() error { return svc.MarkUnread(ctx, actor, msg.ID) }},
		{"hide", func() error { return svc.Hide(ctx, actor, msg.ID) }},
		{"delete", func() error { return svc.Delete(ctx, actor, msg.ID) }},
		{"restore", func() error { return svc.Restore(ctx, actor, msg.ID) }},
	} {
		if err := op.call(); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s on expired message: expected ErrForbidden, got %v", op.name, err)
		}
	}

	// 既有覆蓋列保持原樣，仍可經由 ID 查詢供稽核
	view, err := svc.GetMessage(ctx, actor, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !view.EffectiveState().IsRead {
		t.Errorf("expired message should keep its read history")
	}
}

func TestStateMutations_IdempotentAndRestorable(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	msg, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "通知",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})

	// 重複標記已讀是冪等的
	for i := 0; i < 3; i++ {
		if err := svc.MarkRead(ctx, actor, msg.ID); err != nil {
			t.Fatalf("MarkRead #%d failed: %v", i+1, err)
		}
	}
	state, _ := backend.Get(ctx, actor.UserID, msg.ID)
	if state == nil || !state.IsRead {
		t.Fatalf("expected read state after MarkRead")
	}

	// 標記未讀清除已讀時間
	if err := svc.MarkUnread(ctx, actor, msg.ID); err != nil {
		t.Fatalf("MarkUnread failed: %v", err)
	}
	state, _ = backend.Get(ctx, actor.UserID, msg.ID)
	if state.IsRead || state.ReadAt != nil {
		t.Errorf("MarkUnread should clear is_read and read_at")
	}

	// 刪除與隱藏後還原，已讀狀態保持不變
	if err := svc.MarkRead(ctx, actor, msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := svc.Delete(ctx, actor, msg.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := svc.Hide(ctx, actor, msg.ID); err != nil {
		t.Fatalf("Hide failed: %v", err)
	}
	if err := svc.Restore(ctx, actor, msg.ID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	state, _ = backend.Get(ctx, actor.UserID, msg.ID)
	if state.IsDeleted || state.IsHidden {
		t.Errorf("Restore should clear deleted and hidden flags")
	}
	if !state.IsRead {
		t.Errorf("Restore should not change read state")
	}
}

func TestListMessages_OverlayFiltersAndOrder(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}
	sender := Actor{UserID: "admin-1", Role: "admin"}

	older, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "一般一", Content: "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	clock.Advance(time.Minute)
	newer, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "一般二", Content: "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	urgent, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "緊急", Content: "內容", Priority: inbox.PriorityUrgent,
		Targeting: inbox.DirectTargeting("user-1"),
	})
	clock.Advance(time.Minute)
	hidden, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "被隱藏", Content: "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})
	deleted, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "被刪除", Content: "內容",
		Targeting: inbox.DirectTargeting("user-1"),
	})

	if err := svc.Hide(ctx, actor, hidden.ID); err != nil {
		t.Fatalf("Hide failed: %v", err)
	}
	if err := svc.Delete(ctx, actor, deleted.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := svc.MarkRead(ctx, actor, older.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	// 預設列表：排除隱藏與刪除，新的在前，同一時刻優先級高的在前
	views, total, err := svc.ListMessages(ctx, actor, ListQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 visible messages, got %d", total)
	}
	wantOrder := []string{urgent.ID, newer.ID, older.ID}
	for i, want := range wantOrder {
		if views[i].Message.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, views[i].Message.ID)
		}
	}

	// 未讀過濾
	views, _, err = svc.ListMessages(ctx, actor, ListQuery{OnlyUnread: true, PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages unread failed: %v", err)
	}
	for _, v := range views {
		if v.Message.ID == older.ID {
			t.Errorf("read message should be excluded from unread list")
		}
	}

	// 包含隱藏
	_, total, err = svc.ListMessages(ctx, actor, ListQuery{IncludeHidden: true, PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages include hidden failed: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4 messages with hidden included, got %d", total)
	}

	// 已刪除的訊息在任何列表都不出現
	views, _, _ = svc.ListMessages(ctx, actor, ListQuery{IncludeHidden: true, PageSize: 10})
	for _, v := range views {
		if v.Message.ID == deleted.ID {
			t.Errorf("deleted message should never appear in lists")
		}
	}
}

func TestListMessages_PaginationNormalization(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	// 省略頁面大小時，第二頁的偏移量以預設頁面大小計算，不能永遠停在第一頁
	if _, _, err := svc.ListMessages(ctx, actor, ListQuery{Page: 2}); err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if q := backend.lastVisibleQuery; q.Limit != 20 || q.Offset != 20 {
		t.Errorf("page 2 with default page size: expected limit 20 offset 20, got limit %d offset %d", q.Limit, q.Offset)
	}

	// 頁面大小被收斂到上限後，偏移量也必須以收斂後的值計算，不能跳過中間的訊息
	if _, _, err := svc.ListMessages(ctx, actor, ListQuery{Page: 2, PageSize: 1000}); err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if q := backend.lastVisibleQuery; q.Limit != 100 || q.Offset != 100 {
		t.Errorf("page 2 with oversized page size: expected limit 100 offset 100, got limit %d offset %d", q.Limit, q.Offset)
	}
}

func TestRoleBroadcast_FollowsCurrentRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "管理員公告",
		Content:   "內容",
		Targeting: inbox.RoleTargeting("admin"),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// 一般會員不可見
	if _, err := svc.GetMessage(ctx, Actor{UserID: "user-1", Role: "member"}, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("member should not see admin broadcast, got %v", err)
	}

	// 晉升後以當前角色計算可見性，歷史角色廣播立即可見
	if _, err := svc.GetMessage(ctx, Actor{UserID: "user-1", Role: "admin"}, msg.ID); err != nil {
		t.Errorf("promoted user should see role broadcast, got %v", err)
	}

	_, total, err := svc.ListMessages(ctx, Actor{UserID: "user-1", Role: "admin"}, ListQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if total != 1 {
		t.Errorf("expected 1 visible message after promotion, got %d", total)
	}
}

func TestUnreadCountAndMarkAllRead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}
	sender := Actor{UserID: "admin-1", Role: "admin"}

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := svc.CreateMessage(ctx, sender, CreateMessageInput{
			Title: "通知", Content: "內容",
			Targeting: inbox.DirectTargeting("user-1"),
		})
		if err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	count, err := svc.UnreadCount(ctx, actor)
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 unread, got %d", count)
	}

	if err := svc.MarkRead(ctx, actor, ids[0]); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := svc.Hide(ctx, actor, ids[1]); err != nil {
		t.Fatalf("Hide failed: %v", err)
	}

	count, _ = svc.UnreadCount(ctx, actor)
	if count != 1 {
		t.Errorf("expected 1 unread after read and hide, got %d", count)
	}

	marked, err := svc.MarkAllRead(ctx, actor)
	if err != nil {
		t.Fatalf("MarkAllRead failed: %v", err)
	}
	if marked != 1 {
		t.Errorf("expected 1 newly marked, got %d", marked)
	}

	count, _ = svc.UnreadCount(ctx, actor)
	if count != 0 {
		t.Errorf("expected 0 unread after MarkAllRead, got %d", count)
	}
}

func TestBatch_PartialFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}
	sender := Actor{UserID: "admin-1", Role: "admin"}

	first, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "一", Content: "內容", Targeting: inbox.DirectTargeting("user-1"),
	})
	second, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "二", Content: "內容", Targeting: inbox.DirectTargeting("user-1"),
	})
	foreign, _ := svc.CreateMessage(ctx, sender, CreateMessageInput{
		Title: "別人的", Content: "內容", Targeting: inbox.DirectTargeting("user-2"),
	})

	result, err := svc.Batch(ctx, actor, OperationRead, []string{first.ID, second.ID, foreign.ID, "not-a-real-id"})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	if result.SuccessCount != 2 {
		t.Errorf("expected 2 successes, got %d", result.SuccessCount)
	}
	if result.FailureCount != 2 {
		t.Errorf("expected 2 failures, got %d", result.FailureCount)
	}
	if len(result.Results) != 4 {
		t.Errorf("expected 4 item results, got %d", len(result.Results))
	}

	// 未知操作與超量整批拒絕
	if _, err := svc.Batch(ctx, actor, "explode", []string{first.ID}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown operation, got %v", err)
	}
	tooMany := make([]string, 101)
	for i := range tooMany {
		tooMany[i] = first.ID
	}
	if _, err := svc.Batch(ctx, actor, OperationRead, tooMany); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for oversized batch, got %v", err)
	}
}

func TestCancel_Authorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	msg, _ := svc.CreateMessage(ctx, Actor{UserID: "user-2", Role: "member"}, CreateMessageInput{
		Title: "待撤銷", Content: "內容", Targeting: inbox.DirectTargeting("user-1"),
	})

	// 非發送者且非管理員不可撤銷
	if err := svc.Cancel(ctx, Actor{UserID: "user-1", Role: "member"}, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	// 發送者可撤銷
	if err := svc.Cancel(ctx, Actor{UserID: "user-2", Role: "member"}, msg.ID); err != nil {
		t.Fatalf("sender should cancel own message: %v", err)
	}

	// 已撤銷的訊息不能再撤銷
	if err := svc.Cancel(ctx, Actor{UserID: "admin-1", Role: "admin"}, msg.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for double cancel, got %v", err)
	}

	// 管理員可撤銷他人訊息
	other, _ := svc.CreateMessage(ctx, Actor{UserID: "user-2", Role: "member"}, CreateMessageInput{
		Title: "另一則", Content: "內容", Targeting: inbox.DirectTargeting("user-1"),
	})
	if err := svc.Cancel(ctx, Actor{UserID: "admin-1", Role: "admin"}, other.ID); err != nil {
		t.Errorf("admin should cancel any message: %v", err)
	}
}

func TestCreateBills_PerItemIsolation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	callerMetadata := map[string]interface{}{"period": "2025-06"}
	results, err := svc.CreateBills(ctx, Actor{UserID: "admin-1", Role: "admin"}, []BillInput{
		{RecipientID: "user-1", Title: "六月帳單", Content: "金額明細", Amount: 120.5, Metadata: callerMetadata},
		{RecipientID: "ghost", Title: "幽靈帳單", Content: "金額明細", Amount: 99},
		{RecipientID: "user-2", Title: "六月帳單", Content: "金額明細", Amount: 80},
	})
	if err != nil {
		t.Fatalf("CreateBills failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Success || !results[2].Success {
		t.Errorf("valid bills should succeed")
	}
	if results[1].Success {
		t.Errorf("bill for unknown recipient should fail")
	}

	// 帳單訊息使用 bill 類型與 high 優先級，金額寫入 metadata
	view, err := svc.GetMessage(ctx, Actor{UserID: "user-1", Role: "member"}, results[0].MessageID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if view.Type != inbox.MessageTypeBill {
		t.Errorf("expected type bill, got %s", view.Type)
	}
	if view.Priority != inbox.PriorityHigh {
		t.Errorf("expected priority high, got %s", view.Priority)
	}
	if amount, ok := view.Metadata["amount"].(float64); !ok || amount != 120.5 {
		t.Errorf("expected amount 120.5 in metadata, got %v", view.Metadata["amount"])
	}
	if view.Metadata["period"] != "2025-06" {
		t.Errorf("expected caller metadata to be carried over, got %v", view.Metadata["period"])
	}

	// 呼叫端的 metadata map 不能被寫入金額
	if _, ok := callerMetadata["amount"]; ok {
		t.Errorf("CreateBills must not mutate the caller's metadata map")
	}
	if len(callerMetadata) != 1 {
		t.Errorf("expected caller metadata unchanged, got %v", callerMetadata)
	}
}

func TestConcurrentFirstTouch_SingleStateRow(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	msg, _ := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title: "搶讀", Content: "內容", Targeting: inbox.DirectTargeting("user-1"),
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.MarkRead(ctx, actor, msg.ID); err != nil {
				t.Errorf("concurrent MarkRead failed: %v", err)
			}
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	rows := 0
	for key := range backend.states {
		if key == stateKey(actor.UserID, msg.ID) {
			rows++
		}
	}
	backend.mu.Unlock()

	if rows != 1 {
		t.Errorf("expected exactly 1 state row, got %d", rows)
	}
	state, _ := backend.Get(ctx, actor.UserID, msg.ID)
	if state == nil || !state.IsRead {
		t.Errorf("expected read state after concurrent marks")
	}
}
