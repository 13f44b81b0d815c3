package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const ErrorTokenAuthFail = 1001

// APIToken rejects requests whose "token" header or query parameter doesn't
// match token. An empty token disables the check, which is how development
// runs are served.
func APIToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("token")
		if provided == "" {
			provided = c.Query("token")
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": ErrorTokenAuthFail,
				"msg":  "empty api token",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": ErrorTokenAuthFail,
				"msg":  "invalid api token",
			})
			return
		}

		c.Next()
	}
}
