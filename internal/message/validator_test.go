package message

import (
	"strings"
	"testing"

	"message-gateway/internal/storage/database/inbox"
)

func TestValidateSendMessageRequest(t *testing.T) {
	valid := SendMessageRequest{
		RecipientID: "user-1",
		Title:       "標題",
		Content:     "內容",
	}

	if err := ValidateSendMessageRequest(&valid); err != nil {
		t.Errorf("valid request should pass: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *SendMessageRequest)
	}{
		{"empty recipient", func(r *SendMessageRequest) { r.RecipientID = "  " }},
		{"empty title", func(r *SendMessageRequest) { r.Title = "" }},
		{"empty content", func(r *SendMessageRequest) { r.Content = "   " }},
		{"title too long", func(r *SendMessageRequest) { r.Title = strings.Repeat("x", 201) }},
		{"null byte in title", func(r *SendMessageRequest) { r.Title = "bad\x00title" }},
		{"invalid type", func(r *SendMessageRequest) { r.Type = "mystery" }},
		{"invalid priority", func(r *SendMessageRequest) { r.Priority = "asap" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			if err := ValidateSendMessageRequest(&req); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidateCreateAnnouncementRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     CreateAnnouncementRequest
		wantErr bool
	}{
		{
			"role scope with role",
			CreateAnnouncementRequest{Title: "t", Content: "c", Scope: inbox.TargetingRole, Role: "member"},
			false,
		},
		{
			"global scope",
			CreateAnnouncementRequest{Title: "t", Content: "c", Scope: inbox.TargetingGlobal},
			false,
		},
		{
			"role scope missing role",
			CreateAnnouncementRequest{Title: "t", Content: "c", Scope: inbox.TargetingRole},
			true,
		},
		{
			"global scope with role",
			CreateAnnouncementRequest{Title: "t", Content: "c", Scope: inbox.TargetingGlobal, Role: "member"},
			true,
		},
		{
			"direct scope rejected",
			CreateAnnouncementRequest{Title: "t", Content: "c", Scope: inbox.TargetingDirect},
			true,
		},
		{
			"empty scope",
			CreateAnnouncementRequest{Title: "t", Content: "c"},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCreateAnnouncementRequest(&tc.req)
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateSendFromTemplateRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     SendFromTemplateRequest
		wantErr bool
	}{
		{
			"direct default scope",
			SendFromTemplateRequest{TemplateName: "tpl", RecipientID: "user-1"},
			false,
		},
		{
			"role scope",
			SendFromTemplateRequest{TemplateName: "tpl", Scope: inbox.TargetingRole, Role: "member"},
			false,
		},
		{
			"global scope",
			SendFromTemplateRequest{TemplateName: "tpl", Scope: inbox.TargetingGlobal},
			false,
		},
		{
			"empty template name",
			SendFromTemplateRequest{TemplateName: "  ", RecipientID: "user-1"},
			true,
		},
		{
			"direct without recipient",
			SendFromTemplateRequest{TemplateName: "tpl"},
			true,
		},
		{
			"global with recipient",
			SendFromTemplateRequest{TemplateName: "tpl", Scope: inbox.TargetingGlobal, RecipientID: "user-1"},
			true,
		},
		{
			"unknown scope",
			SendFromTemplateRequest{TemplateName: "tpl", Scope: "everyone"},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSendFromTemplateRequest(&tc.req)
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestTargetingFromTemplateRequest(t *testing.T) {
	direct := TargetingFromTemplateRequest(&SendFromTemplateRequest{RecipientID: "user-1"})
	if direct.Kind != inbox.TargetingDirect || direct.RecipientID != "user-1" {
		t.Errorf("expected direct targeting, got %+v", direct)
	}

	role := TargetingFromTemplateRequest(&SendFromTemplateRequest{Scope: inbox.TargetingRole, Role: "admin"})
	if role.Kind != inbox.TargetingRole || role.Role != "admin" {
		t.Errorf("expected role targeting, got %+v", role)
	}

	global := TargetingFromTemplateRequest(&SendFromTemplateRequest{Scope: inbox.TargetingGlobal})
	if global.Kind != inbox.TargetingGlobal {
		t.Errorf("expected global targeting, got %+v", global)
	}
}
