package message

import (
	"errors"
	"strings"

	"message-gateway/internal/platform/middleware"
	"message-gateway/internal/storage/database/inbox"
)

// ValidateSendMessageRequest 驗證發送個人訊息請求.
func ValidateSendMessageRequest(req *SendMessageRequest) error {
	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		return err
	}

	if err := middleware.ValidateMessageTitle(req.Title); err != nil {
		return err
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		return err
	}

	if req.Type != "" && !inbox.IsValidMessageType(req.Type) {
		return errors.New("invalid message type")
	}

	if req.Priority != "" && !inbox.IsValidPriority(req.Priority) {
		return errors.New("invalid priority")
	}

	return nil
}

// ValidateCreateAnnouncementRequest 驗證公告請求.
func ValidateCreateAnnouncementRequest(req *CreateAnnouncementRequest) error {
	if err := middleware.ValidateMessageTitle(req.Title); err != nil {
		return err
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		return err
	}

	switch req.Scope {
	case inbox.TargetingRole:
		if strings.TrimSpace(req.Role) == "" {
			return errors.New("role is required for role scope")
		}
	case inbox.TargetingGlobal:
		if req.Role != "" {
			return errors.New("role is not allowed for global scope")
		}
	default:
		return errors.New("scope must be role or global")
	}

	if req.Type != "" && !inbox.IsValidMessageType(req.Type) {
		return errors.New("invalid message type")
	}

	if req.Priority != "" && !inbox.IsValidPriority(req.Priority) {
		return errors.New("invalid priority")
	}

	return nil
}

// ValidateSendFromTemplateRequest 驗證模板發送請求.
func ValidateSendFromTemplateRequest(req *SendFromTemplateRequest) error {
	if strings.TrimSpace(req.TemplateName) == "" {
		return errors.New("template_name cannot be empty")
	}

	scope := req.Scope
	if scope == "" {
		scope = inbox.TargetingDirect
	}

	switch scope {
	case inbox.TargetingDirect:
		if err := middleware.ValidateUserID(req.RecipientID); err != nil {
			return err
		}
	case inbox.TargetingRole:
		if strings.TrimSpace(req.Role) == "" {
			return errors.New("role is required for role scope")
		}
	case inbox.TargetingGlobal:
		if req.RecipientID != "" || req.Role != "" {
			return errors.New("recipient_id and role are not allowed for global scope")
		}
	default:
		return errors.New("scope must be direct, role or global")
	}

	return nil
}

// TargetingFromTemplateRequest 從模板發送請求組出投遞目標.
func TargetingFromTemplateRequest(req *SendFromTemplateRequest) inbox.Targeting {
	switch req.Scope {
	case inbox.TargetingRole:
		return inbox.RoleTargeting(req.Role)
	case inbox.TargetingGlobal:
		return inbox.GlobalTargeting()
	default:
		return inbox.DirectTargeting(req.RecipientID)
	}
}
