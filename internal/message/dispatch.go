package message

import (
	"context"
	"time"

	"message-gateway/internal/constants"
	"message-gateway/internal/platform/logger"
	"message-gateway/internal/storage/database/inbox"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DispatchResult 一次排程掃描的結果
type DispatchResult struct {
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

// RunDispatch 執行一次排程掃描
// 先把排程時間已到的訊息轉為 sent 並預建受眾覆蓋列，
// 再把已過期的 sent 訊息轉為 expired；覆蓋列保留供稽核。
// 單一訊息失敗記入計數後跳過，不中斷整批
func (s *Service) RunDispatch(ctx context.Context, batchSize int) (*DispatchResult, error) {
	if batchSize <= 0 {
		batchSize = constants.DefaultDispatchBatchSize
	}
	if batchSize > constants.MaxDispatchBatchSize {
		batchSize = constants.MaxDispatchBatchSize
	}

	now := s.clock.Now().UTC()
	result := &DispatchResult{}

	due, err := s.messages.ListDueScheduled(ctx, now, batchSize)
	if err != nil {
		return nil, err
	}

	for _, msg := range due {
		if err := s.promote(ctx, msg, now); err != nil {
			result.Failed++
			logger.Error(ctx, "排程訊息發送失敗",
				logger.WithMessageID(msg.ID),
				logger.WithTargeting(msg.Targeting.String()),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			continue
		}
		result.Promoted++
	}

	expirable, err := s.messages.ListDueExpirable(ctx, now, batchSize)
	if err != nil {
		return result, err
	}

	for _, msg := range expirable {
		changed, err := s.messages.UpdateStatus(ctx, msg.ID,
			[]string{inbox.MessageStatusSent}, inbox.MessageStatusExpired, nil)
		if err != nil {
			result.Failed++
			logger.Error(ctx, "訊息過期處理失敗",
				logger.WithMessageID(msg.ID),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			continue
		}
		if changed {
			result.Expired++
		}
	}

	if s.audit != nil && (result.Promoted > 0 || result.Expired > 0 || result.Failed > 0) {
		s.audit.LogDispatchRun(ctx, result.Promoted, result.Expired, result.Failed)
	}

	return result, nil
}

// promote 將單一排程訊息轉為 sent
// 先以 compare-and-set 取得所有權，避免並發掃描重複處理，
// 再預建受眾覆蓋列；預建失敗不回滾，可見性不依賴覆蓋列
func (s *Service) promote(ctx context.Context, msg *inbox.Message, now time.Time) error {
	changed, err := s.messages.UpdateStatus(ctx, msg.ID,
		[]string{inbox.MessageStatusScheduled}, inbox.MessageStatusSent,
		bson.M{"sent_at": now})
	if err != nil {
		return err
	}
	if !changed {
		// 另一個掃描已處理或訊息已被撤銷
		return nil
	}

	msg.Status = inbox.MessageStatusSent
	if err := s.materializeAudience(ctx, msg, now); err != nil {
		logger.Warning(ctx, "受眾狀態預建失敗",
			logger.WithMessageID(msg.ID),
			logger.WithTargeting(msg.Targeting.String()),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}

	logger.Info(ctx, "排程訊息已發送",
		logger.WithMessageID(msg.ID),
		logger.WithTargeting(msg.Targeting.String()),
		logger.WithAction("dispatch_promote"))

	return nil
}

// Dispatcher 排程掃描背景工作
type Dispatcher struct {
	service   *Service
	interval  time.Duration
	batchSize int
	stop      chan struct{}
	done      chan struct{}
}

// NewDispatcher 創建排程掃描工作
func NewDispatcher(service *Service, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultDispatchIntervalSeconds) * time.Second
	}
	return &Dispatcher{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 啟動背景掃描迴圈
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// run 定時執行掃描直到停止
// 時鐘由 Service 注入，測試可用假時鐘驅動
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := d.service.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.Chan():
			if _, err := d.service.RunDispatch(ctx, d.batchSize); err != nil {
				logger.Error(ctx, "排程掃描失敗",
					logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			}
		}
	}
}

// Stop 停止背景掃描並等待迴圈結束
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}
