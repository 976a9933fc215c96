package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TelegramSecretHeader Bot API 推送 webhook 时携带的密钥头
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// BearerAuth 运维接口的令牌认证中间件，token 为空时放行
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		// 检查Bearer前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
			})
			c.Abort()
			return
		}

		if !equal(parts[1], token) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TelegramSecret 校验 webhook 密钥头，secret 为空时放行
func TelegramSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && !equal(c.GetHeader(TelegramSecretHeader), secret) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Unauthorized",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
