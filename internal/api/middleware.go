package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	ctxAuthUser     = "auth_user"
	headerRequestID = "X-Request-ID"
	headerAdmin     = "X-Admin-Token"
)

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(headerRequestID, reqID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

// AdminAuth checks X-Admin-Token against a bcrypt hash. An empty hash
// disables the admin API.
func AdminAuth(hash string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "admin api disabled", Code: "forbidden"})
			return
		}
		token := c.GetHeader(headerAdmin)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			log.Warn("admin auth rejected", zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid admin token", Code: "unauthorized"})
			return
		}
		c.Next()
	}
}

// UserAuth requires an HS256 bearer token and stores its subject. Websocket
// clients may pass the token as access_token since browsers cannot set headers.
func UserAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" || raw == c.GetHeader("Authorization") {
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}

		token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid bearer token", Code: "unauthorized"})
			return
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "token has no subject", Code: "unauthorized"})
			return
		}
		c.Set(ctxAuthUser, sub)
		c.Next()
	}
}

// authorize reports whether the caller may act for userID, writing 403 if not.
// Without UserAuth in the chain every caller is trusted.
func authorize(c *gin.Context, userID string) bool {
	sub, ok := c.Get(ctxAuthUser)
	if !ok || sub == userID {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "token subject does not match user", Code: "forbidden"})
	return false
}
