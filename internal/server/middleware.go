package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/auth"
)

const identityKey = "identity"

// requestLogger writes one log line per request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		}
		if id, ok := c.Get(identityKey); ok {
			fields["user"] = id.(auth.Identity).UserID
		}
		entry := log.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// authenticate resolves the bearer token into an Identity. EventSource
// clients cannot set headers, so an access_token query parameter is also
// accepted.
func authenticate(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			token = c.Query("access_token")
		}
		token = strings.TrimSpace(token)
		if token == "" {
			abortWith(c, http.StatusUnauthorized, "unauthorized", "authorization header required")
			return
		}
		id, err := auth.ParseToken(secret, token)
		if err != nil {
			abortWith(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func actor(c *gin.Context) auth.Identity {
	if id, ok := c.Get(identityKey); ok {
		return id.(auth.Identity)
	}
	return auth.Identity{}
}
