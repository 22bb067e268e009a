package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-workspace/internal/auth"
	"github.com/suPer8Hu/ai-workspace/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts "Authorization: Bearer <jwt>" and stores the subject
// under UserIDKey. SSE clients that cannot set headers may pass ?token=.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

func bearerToken(h string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserID returns the authenticated user set by AuthRequired.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
