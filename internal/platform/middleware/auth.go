package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 身份標頭，由上游認證服務（API Gateway）在驗證 token 後注入。
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// 角色常數。
const (
	RoleMember     = "member"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Identity 請求者身份
type Identity struct {
	UserID string
	Role   string
}

// IdentityMiddleware 從標頭提取請求者身份並存入 context
// 認證本身由上游服務完成，這裡只負責提取與基本格式檢查
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		role := c.GetHeader(HeaderUserRole)
		if role == "" {
			role = RoleMember
		}

		if userID != "" {
			if err := ValidateUserID(userID); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "無效的用戶身份"})
				c.Abort()
				return
			}
			c.Set("identity", &Identity{UserID: userID, Role: role})
		}

		c.Next()
	}
}

// RequireIdentity 要求請求帶有身份的中間件
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "未授權訪問"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRole 要求指定角色之一的中間件
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "未授權訪問"})
			c.Abort()
			return
		}

		for _, role := range roles {
			if identity.Role == role {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{"error": "權限不足"})
		c.Abort()
	}
}

// GetIdentity 從 gin.Context 取得請求者身份
func GetIdentity(c *gin.Context) (*Identity, bool) {
	value, exists := c.Get("identity")
	if !exists {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok
}
