package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDKey = "request_id"

// RequestID stamps every request with an X-Request-ID, generating one if
// the caller didn't supply a usable value, adapted from the teacher's
// internal/http/middleware/request_id.go.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if l := len(id); l < 1 || l > 64 {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set(RequestIDKey, id)
		c.Next()
	}
}

// GetRequestID retrieves the request ID stashed by RequestID.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// ZapLogger logs one line per request, adapted from the teacher's
// cmd/zmux-server/main.go ZapLogger.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joined := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
			zap.String("request_id", GetRequestID(c)),
		}
		if joined != nil {
			fields = append(fields, zap.Error(joined))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// AdminCredentials configures the Authentication middleware's accepted
// credentials for the /admin surface (SPEC_FULL.md §6).
type AdminCredentials struct {
	Username    string
	Password    string
	BearerToken string // empty disables bearer auth
}

// Authentication allows access if either valid Basic credentials, a valid
// session, or a valid Bearer token is present, adapted from the teacher's
// internal/http/middleware/auth.go Authentication.
func Authentication(creds AdminCredentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isBasicAuthenticated(c, creds) || isSessionAuthenticated(c) || isBearerTokenValid(c, creds) {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func isBasicAuthenticated(c *gin.Context, creds AdminCredentials) bool {
	user, pass, ok := c.Request.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password)) == 1 {
		setPrincipal(c, &Principal{ID: user, AuthType: BasicAuth})
		return true
	}
	return false
}

// isSessionAuthenticated mirrors the teacher's 15-minute session TTL
// refresh: a session older than that without activity is treated as
// expired rather than explicitly invalidated.
func isSessionAuthenticated(c *gin.Context) bool {
	sess := sessions.Default(c)
	uid, _ := sess.Get("uid").(string)
	if uid == "" {
		return false
	}

	const sessionTTL = 15 * 60
	now := time.Now().Unix()
	lastTouch, _ := sess.Get("last_touch").(int64)
	if lastTouch != 0 && now-lastTouch > sessionTTL {
		return false
	}
	sess.Set("last_touch", now)
	_ = sess.Save()

	setPrincipal(c, &Principal{ID: uid, AuthType: SessionAuth})
	return true
}

func isBearerTokenValid(c *gin.Context, creds AdminCredentials) bool {
	if creds.BearerToken == "" {
		return false
	}
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return false
	}
	token := h[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(token), []byte(creds.BearerToken)) == 1 {
		setPrincipal(c, &Principal{ID: "bearer", AuthType: BearerAuth})
		return true
	}
	return false
}
