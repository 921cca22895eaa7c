package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1", authenticate(s.secret))

	// Attachments and the live stream.
	api.GET("/attachments", s.handleBundle)
	api.GET("/attachments/:fileId", s.handleDownload)
	api.GET("/stream/:kind", s.handleStream)

	// Work items.
	api.GET("/:kind", s.handleList)
	api.POST("/:kind", s.handleCreate)
	api.POST("/:kind/unpost", s.handleUnpost)
	api.GET("/:kind/:id", s.handleGet)
	api.DELETE("/:kind/:id", s.handleDelete)
	api.GET("/:kind/:id/history", s.handleHistory)
	api.POST("/:kind/:id/assign", s.handleAssign)
	api.POST("/:kind/:id/start", s.handleStart)
	api.POST("/:kind/:id/progress", s.handleProgress)
	api.POST("/:kind/:id/done", s.handleDone)
	api.POST("/:kind/:id/approve", s.handleApprove)
	api.POST("/:kind/:id/reject", s.handleReject)
	api.POST("/:kind/:id/close", s.handleClose)
	api.POST("/:kind/:id/reopen", s.handleReopen)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"topics":    s.hub.Topics(),
	})
}
