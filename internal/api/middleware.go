package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/models"
)

const (
	headerRequestID  = "X-Request-ID"
	headerActorID    = "X-Actor-Id"
	headerActorRoles = "X-Actor-Roles"

	actorKey = "actor"
)

func requestID(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, id)

		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context(), nil)
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// requireActor reads the caller identity set by the authenticating proxy in
// front of the service.
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := parseActor(c.GetHeader(headerActorID), c.GetHeader(headerActorRoles))
		if !ok {
			respondError(c, errUnauthenticated)
			return
		}
		c.Set(actorKey, actor)

		ctx := logging.WithLogger(c.Request.Context(),
			logging.FromContext(c.Request.Context(), nil).With("actor_id", actor.UserID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   kindForbidden.code,
				"message": "Admin role required",
			})
			return
		}
		c.Next()
	}
}

func parseActor(id, roles string) (models.Actor, bool) {
	userID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || userID <= 0 {
		return models.Actor{}, false
	}

	actor := models.Actor{UserID: userID}
	for _, r := range strings.Split(roles, ",") {
		switch role := models.Role(strings.ToLower(strings.TrimSpace(r))); role {
		case models.RoleClient, models.RoleHandieman, models.RoleAdmin:
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor, true
}

func actorFrom(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}
