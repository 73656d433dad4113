// Package httpapi implements the HTTP surface: GET /, GET /health, and
// POST /api/presence/status. Built on gin-gonic/gin.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pttrouter/internal/presence"
)

// Version is the build version surfaced on GET / and GET /health.
var Version = "dev"

// Handler exposes the presence HTTP surface.
type Handler struct {
	presence *presence.Manager
	log      *zap.Logger
}

func NewHandler(presenceMgr *presence.Manager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{presence: presenceMgr, log: log.With(zap.String("component", "httpapi"))}
}

// NewRouter builds the gin engine with CORS and routes attached.
func NewRouter(presenceMgr *presence.Manager, log *zap.Logger) *gin.Engine {
	h := NewHandler(presenceMgr, log)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	engine.GET("/", h.welcome)
	engine.GET("/health", h.health)
	engine.POST("/api/presence/status", h.presenceStatus)

	return engine
}

func (h *Handler) welcome(c *gin.Context) {
	c.String(http.StatusOK, "Welcome to the PTT router %s", Version)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

type presenceStatusRequest struct {
	UserIDs []string `json:"userIds"`
}

type presenceStatusPayload struct {
	Success   bool              `json:"success"`
	Users     []presence.Status `json:"users"`
	Timestamp int64             `json:"timestamp"`
}

// presenceStatus validates the requested userIds array, dispatches to
// bulkStatus, and replies with {success, users, timestamp}.
func (h *Handler) presenceStatus(c *gin.Context) {
	var req presenceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid request body", "MALFORMED_INPUT"))
		return
	}

	statuses, err := h.presence.BulkStatus(c.Request.Context(), req.UserIDs)
	if err != nil {
		h.log.Warn("bulkStatus failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, newErrorResponse("store unavailable", "TRANSIENT_STORE"))
		return
	}

	c.JSON(http.StatusOK, presenceStatusPayload{
		Success:   true,
		Users:     statuses,
		Timestamp: nowMillis(),
	})
}
