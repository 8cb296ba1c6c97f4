package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// RequireAdminToken validates an HS256 bearer token on the admin API.
func RequireAdminToken(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		header := ginContext.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Warn("admin token rejected", zap.Error(err))
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		ginContext.Next()
	}
}
