package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

// LogHandler serves the audit log query endpoint
type LogHandler struct {
	logService *services.LogService
}

// NewLogHandler creates a new LogHandler instance
func NewLogHandler(logService *services.LogService) *LogHandler {
	return &LogHandler{logService: logService}
}

// GetLogs returns audit log entries, newest first
// GET /api/logs?level=&module=&since=&limit=
func (h *LogHandler) GetLogs(c *gin.Context) {
	query := services.GetLogsQuery{
		Level:  c.Query("level"),
		Module: c.Query("module"),
	}

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			validationError(c, "Invalid since timestamp, expected RFC3339", nil)
			return
		}
		query.Since = t
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			validationError(c, "Invalid limit", nil)
			return
		}
		query.Limit = n
	}

	logs, err := h.logService.GetLogs(query)
	if err != nil {
		internalError(c, "Failed to retrieve logs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    logs,
	})
}
