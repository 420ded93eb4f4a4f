package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newIdentityRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append([]gin.HandlerFunc{IdentityMiddleware()}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		identity, _ := GetIdentity(c)
		if identity == nil {
			c.JSON(http.StatusOK, gin.H{"user_id": "", "role": ""})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": identity.UserID, "role": identity.Role})
	})
	r.GET("/whoami", chain...)
	return r
}

func doRequest(r *gin.Engine, userID, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentityMiddleware(t *testing.T) {
	r := newIdentityRouter()

	// 正常標頭
	w := doRequest(r, "user-1", "admin")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	// 缺少角色標頭時預設為 member
	w = doRequest(r, "user-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, RoleMember) {
		t.Errorf("expected default role member, got %s", body)
	}

	// 含非法字符的用戶 ID 直接拒絕
	w = doRequest(r, "user${injection}", "member")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed user id, got %d", w.Code)
	}
}

func TestRequireIdentity(t *testing.T) {
	r := newIdentityRouter(RequireIdentity())

	// 沒有身份標頭
	w := doRequest(r, "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", w.Code)
	}

	w = doRequest(r, "user-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with identity, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := newIdentityRouter(RequireIdentity(), RequireRole(RoleAdmin, RoleSuperAdmin))

	cases := []struct {
		name     string
		userID   string
		role     string
		wantCode int
	}{
		{"no identity", "", "", http.StatusUnauthorized},
		{"member forbidden", "user-1", RoleMember, http.StatusForbidden},
		{"admin allowed", "admin-1", RoleAdmin, http.StatusOK},
		{"super admin allowed", "root-1", RoleSuperAdmin, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(r, tc.userID, tc.role)
			if w.Code != tc.wantCode {
				t.Errorf("expected %d, got %d", tc.wantCode, w.Code)
			}
		})
	}
}
