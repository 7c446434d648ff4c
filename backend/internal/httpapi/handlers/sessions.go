package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/session"
)

type SessionHandlers struct {
	svc *collab.Engine
}

func NewSessionHandlers(svc *collab.Engine) *SessionHandlers {
	return &SessionHandlers{svc: svc}
}

// ListActive GET /collab/sessions
func (h *SessionHandlers) ListActive(c *gin.Context) {
	c.JSON(200, gin.H{"sessions": h.svc.GetActiveSessions()})
}

// Get GET /collab/sessions/:sessionID
func (h *SessionHandlers) Get(c *gin.Context) {
	s, err := h.svc.GetSession(c.Param("sessionID"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(404, gin.H{"code": "SESSION_NOT_FOUND"})
			return
		}
		c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(200, s)
}

// Start POST /collab/sessions
func (h *SessionHandlers) Start(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	var req struct {
		ResourceID string           `json:"resourceId"`
		Settings   session.Settings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ResourceID == "" {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "resourceId required"})
		return
	}

	s, err := h.svc.StartSession(c.Request.Context(), req.ResourceID, req.Settings, userID, username)
	if err != nil {
		c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(200, s)
}

// End DELETE /collab/sessions/:sessionID
func (h *SessionHandlers) End(c *gin.Context) {
	sessionID := c.Param("sessionID")
	userID := c.GetString("userId")
	if !h.svc.Registry().HasPermission(sessionID, userID, session.PermDelete) {
		c.JSON(403, gin.H{"code": "PERMISSION_DENIED"})
		return
	}
	if err := h.svc.EndSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(404, gin.H{"code": "SESSION_NOT_FOUND"})
			return
		}
		c.JSON(500, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(200, gin.H{"message": "ok"})
}
