package message

import "errors"

// 服務層錯誤，由 HTTP 層對應到回應狀態碼.
var (
	// ErrNotFound 訊息或資源不存在.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden 請求者不在訊息的投遞範圍內，或操作未被授權.
	// 對已存在但無權存取的訊息一律回傳此錯誤，不洩漏資源是否存在的差異.
	ErrForbidden = errors.New("access denied")

	// ErrInvalidTargeting 投遞目標描述不合法.
	ErrInvalidTargeting = errors.New("invalid targeting")

	// ErrValidation 請求內容驗證失敗.
	ErrValidation = errors.New("validation failed")
)
