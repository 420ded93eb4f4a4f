package message

import (
	"errors"
	"net/http"
	"strings"

	"message-gateway/internal/httputil"
	"message-gateway/internal/platform/middleware"
	"message-gateway/internal/storage/database/inbox"

	"github.com/gin-gonic/gin"
)

// MessageHandler message 處理器.
type MessageHandler struct {
	service *Service
}

// NewMessageHandler 創建新的 message 處理器.
func NewMessageHandler(service *Service) *MessageHandler {
	return &MessageHandler{
		service: service,
	}
}

// actorFrom 從請求取出操作者身份.
func actorFrom(c *gin.Context) (Actor, bool) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		httputil.Unauthorized(c, "")
		return Actor{}, false
	}
	return Actor{UserID: identity.UserID, Role: identity.Role}, true
}

// respondServiceError 將服務層錯誤對應到 HTTP 回應.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.NotFoundError(c, "")
	case errors.Is(err, ErrForbidden):
		httputil.Forbidden(c, "")
	case errors.Is(err, ErrInvalidTargeting), errors.Is(err, ErrValidation):
		httputil.BadRequest(c, err.Error())
	default:
		httputil.InternalServerError(c, err)
	}
}

// SendMessage 發送個人訊息.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	if err := ValidateSendMessageRequest(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	messageType := req.Type
	if messageType == "" {
		messageType = inbox.MessageTypePersonal
	}

	msg, err := h.service.CreateMessage(c.Request.Context(), actor, CreateMessageInput{
		Title:       req.Title,
		Content:     req.Content,
		Type:        messageType,
		Priority:    req.Priority,
		Targeting:   inbox.DirectTargeting(req.RecipientID),
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.MessageCreated, msg))
}

// CreateAnnouncement 創建 role 或 global 廣播.
func (h *MessageHandler) CreateAnnouncement(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req CreateAnnouncementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	if err := ValidateCreateAnnouncementRequest(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	targeting := inbox.GlobalTargeting()
	if req.Scope == inbox.TargetingRole {
		targeting = inbox.RoleTargeting(req.Role)
	}

	messageType := req.Type
	if messageType == "" {
		messageType = inbox.MessageTypeAnnouncement
	}

	msg, err := h.service.CreateMessage(c.Request.Context(), actor, CreateMessageInput{
		Title:       req.Title,
		Content:     req.Content,
		Type:        messageType,
		Priority:    req.Priority,
		Targeting:   targeting,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.AnnouncementCreated, msg))
}

// CreateBills 批量投遞帳單訊息.
func (h *MessageHandler) CreateBills(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req CreateBillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	bills := make([]BillInput, 0, len(req.Bills))
	for _, bill := range req.Bills {
		bills = append(bills, BillInput{
			RecipientID: bill.RecipientID,
			Title:       bill.Title,
			Content:     bill.Content,
			Amount:      bill.Amount,
			Metadata:    bill.Metadata,
		})
	}

	results, err := h.service.CreateBills(c.Request.Context(), actor, bills)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.BillsProcessed, results))
}

// SendFromTemplate 渲染模板並發送訊息.
func (h *MessageHandler) SendFromTemplate(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req SendFromTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	if err := ValidateSendFromTemplateRequest(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	msg, err := h.service.SendFromTemplate(c.Request.Context(), actor, SendFromTemplateInput{
		TemplateName: req.TemplateName,
		Targeting:    TargetingFromTemplateRequest(&req),
		Variables:    req.Variables,
		ScheduledAt:  req.ScheduledAt,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.MessageCreated, msg))
}

// CreateTemplate 創建訊息模板.
func (h *MessageHandler) CreateTemplate(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}

	var req CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	template, err := h.service.CreateTemplate(c.Request.Context(), CreateTemplateInput{
		Name:      req.Name,
		Title:     req.Title,
		Content:   req.Content,
		Type:      req.Type,
		Priority:  req.Priority,
		Variables: req.Variables,
		Enabled:   enabled,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.TemplateCreated, template))
}

// ListTemplates 列出啟用中的訊息模板.
func (h *MessageHandler) ListTemplates(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}

	templates, err := h.service.ListTemplates(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.TemplatesRetrieved, templates))
}

// ListMessages 列出請求者可見的訊息.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req ListMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httputil.BadRequest(c, "Invalid query parameters")
		return
	}

	var types []string
	if req.Type != "" {
		for _, t := range strings.Split(req.Type, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				types = append(types, trimmed)
			}
		}
	}

	views, total, err := h.service.ListMessages(c.Request.Context(), actor, ListQuery{
		Types:         types,
		Priority:      req.Priority,
		OnlyUnread:    req.Unread,
		IncludeHidden: req.IncludeHidden,
		Page:          req.Page,
		PageSize:      req.PageSize,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Messages retrieved successfully",
		"data":    views,
		"total":   total,
	})
}

// UnreadCount 回傳未讀訊息數.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	count, err := h.service.UnreadCount(c.Request.Context(), actor)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Unread count retrieved successfully",
		"unread_count": count,
	})
}

// GetMessage 獲取訊息詳情，查看即標記已讀.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := middleware.ValidateMessageID(id); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.GetMessage(c.Request.Context(), actor, id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.MessageRetrieved, view))
}

// stateOperation 單一訊息的狀態覆蓋操作.
func (h *MessageHandler) stateOperation(c *gin.Context, operation string, successMessage string) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := middleware.ValidateMessageID(id); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var err error
	switch operation {
	case OperationRead:
		err = h.service.MarkRead(c.Request.Context(), actor, id)
	case OperationUnread:
		err = h.service.MarkUnread(c.Request.Context(), actor, id)
	case OperationHide:
		err = h.service.Hide(c.Request.Context(), actor, id)
	case OperationDelete:
		err = h.service.Delete(c.Request.Context(), actor, id)
	case OperationRestore:
		err = h.service.Restore(c.Request.Context(), actor, id)
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.Success(successMessage))
}

// MarkRead 標記已讀.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.stateOperation(c, OperationRead, "Message marked as read")
}

// MarkUnread 標記未讀.
func (h *MessageHandler) MarkUnread(c *gin.Context) {
	h.stateOperation(c, OperationUnread, "Message marked as unread")
}

// HideMessage 隱藏訊息.
func (h *MessageHandler) HideMessage(c *gin.Context) {
	h.stateOperation(c, OperationHide, "Message hidden")
}

// DeleteMessage 軟刪除訊息.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	h.stateOperation(c, OperationDelete, "Message deleted")
}

// RestoreMessage 還原訊息.
func (h *MessageHandler) RestoreMessage(c *gin.Context) {
	h.stateOperation(c, OperationRestore, "Message restored")
}

// CancelMessage 撤銷訊息.
func (h *MessageHandler) CancelMessage(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := middleware.ValidateMessageID(id); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := h.service.Cancel(c.Request.Context(), actor, id); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.Success(httputil.MessageCancelled))
}

// ReadAll 全部標記已讀.
func (h *MessageHandler) ReadAll(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	marked, err := h.service.MarkAllRead(c.Request.Context(), actor)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.MessagesMarkedRead, int(marked)))
}

// BatchOperation 批量狀態覆蓋操作.
func (h *MessageHandler) BatchOperation(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req BatchOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}

	for _, id := range req.MessageIDs {
		if err := middleware.ValidateMessageID(id); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}

	result, err := h.service.Batch(c.Request.Context(), actor, req.Operation, req.MessageIDs)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.BatchCompleted, result))
}

// RunDispatch 手動執行一次排程掃描.
func (h *MessageHandler) RunDispatch(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}

	result, err := h.service.RunDispatch(c.Request.Context(), 0)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DispatchCompleted, result))
}
