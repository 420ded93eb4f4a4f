package message

import (
	"context"
	"testing"
	"time"

	"message-gateway/internal/storage/database/inbox"
)

func TestRunDispatch_PromotesDueScheduled(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()
	admin := Actor{UserID: "admin-1", Role: "admin"}

	scheduledAt := clock.Now().Add(time.Hour)
	due, err := svc.CreateMessage(ctx, admin, CreateMessageInput{
		Title:       "排程公告",
		Content:     "內容",
		Targeting:   inbox.RoleTargeting("member"),
		ScheduledAt: &scheduledAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	laterAt := clock.Now().Add(48 * time.Hour)
	notDue, err := svc.CreateMessage(ctx, admin, CreateMessageInput{
		Title:       "更晚的公告",
		Content:     "內容",
		Targeting:   inbox.GlobalTargeting(),
		ScheduledAt: &laterAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// 排程時間未到，掃描不應有任何動作
	result, err := svc.RunDispatch(ctx, 100)
	if err != nil {
		t.Fatalf("RunDispatch failed: %v", err)
	}
	if result.Promoted != 0 || result.Expired != 0 {
		t.Errorf("nothing is due yet, got promoted=%d expired=%d", result.Promoted, result.Expired)
	}

	clock.Advance(2 * time.Hour)

	result, err = svc.RunDispatch(ctx, 100)
	if err != nil {
		t.Fatalf("RunDispatch failed: %v", err)
	}
	if result.Promoted != 1 {
		t.Errorf("expected 1 promoted, got %d", result.Promoted)
	}

	promoted, _ := backend.GetByID(ctx, due.ID)
	if promoted.Status != inbox.MessageStatusSent {
		t.Errorf("expected status sent, got %s", promoted.Status)
	}
	if promoted.SentAt == nil || !promoted.SentAt.Equal(clock.Now().UTC()) {
		t.Errorf("expected sent_at %v, got %v", clock.Now().UTC(), promoted.SentAt)
	}

	// role 目標在發送時預建受眾覆蓋列
	for _, userID := range []string{"user-1", "user-2"} {
		if state, _ := backend.Get(ctx, userID, due.ID); state == nil {
			t.Errorf("expected materialized state for %s after promotion", userID)
		}
	}

	untouched, _ := backend.GetByID(ctx, notDue.ID)
	if untouched.Status != inbox.MessageStatusScheduled {
		t.Errorf("future message should stay scheduled, got %s", untouched.Status)
	}
}

func TestRunDispatch_ExpiresSentMessages(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()
	actor := Actor{UserID: "user-1", Role: "member"}

	expiresAt := clock.Now().Add(time.Hour)
	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:     "限時訊息",
		Content:   "內容",
		Targeting: inbox.DirectTargeting("user-1"),
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// 過期前先讀過，留下狀態覆蓋列
	if err := svc.MarkRead(ctx, actor, msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	result, err := svc.RunDispatch(ctx, 100)
	if err != nil {
		t.Fatalf("RunDispatch failed: %v", err)
	}
	if result.Expired != 1 {
		t.Errorf("expected 1 expired, got %d", result.Expired)
	}

	expired, _ := backend.GetByID(ctx, msg.ID)
	if expired.Status != inbox.MessageStatusExpired {
		t.Errorf("expected status expired, got %s", expired.Status)
	}

	// 過期只改訊息狀態，狀態覆蓋列保留供稽核
	state, _ := backend.Get(ctx, actor.UserID, msg.ID)
	if state == nil || !state.IsRead {
		t.Errorf("expiry should preserve the state overlay")
	}

	// 重複掃描是冪等的
	result, err = svc.RunDispatch(ctx, 100)
	if err != nil {
		t.Fatalf("RunDispatch failed: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("second sweep should expire nothing, got %d", result.Expired)
	}
}

func TestRunDispatch_CancelledScheduledIsSkipped(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()
	admin := Actor{UserID: "admin-1", Role: "admin"}

	scheduledAt := clock.Now().Add(time.Hour)
	msg, err := svc.CreateMessage(ctx, admin, CreateMessageInput{
		Title:       "會被撤銷",
		Content:     "內容",
		Targeting:   inbox.GlobalTargeting(),
		ScheduledAt: &scheduledAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	if err := svc.Cancel(ctx, admin, msg.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	result, err := svc.RunDispatch(ctx, 100)
	if err != nil {
		t.Fatalf("RunDispatch failed: %v", err)
	}
	if result.Promoted != 0 {
		t.Errorf("cancelled message should not be promoted, got %d", result.Promoted)
	}

	cancelled, _ := backend.GetByID(ctx, msg.ID)
	if cancelled.Status != inbox.MessageStatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}
}

func TestDispatcher_RunsOnTick(t *testing.T) {
	svc, backend, clock := newTestService(t)
	ctx := context.Background()

	scheduledAt := clock.Now().Add(30 * time.Second)
	msg, err := svc.CreateMessage(ctx, Actor{UserID: "admin-1", Role: "admin"}, CreateMessageInput{
		Title:       "背景發送",
		Content:     "內容",
		Targeting:   inbox.DirectTargeting("user-1"),
		ScheduledAt: &scheduledAt,
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	dispatcher := NewDispatcher(svc, time.Minute, 100)
	dispatcher.Start(ctx)

	// 等掃描迴圈掛上計時器後再推進假時鐘
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, _ := backend.GetByID(ctx, msg.ID)
		if current.Status == inbox.MessageStatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher did not promote the message, status=%s", current.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.Stop()
}
