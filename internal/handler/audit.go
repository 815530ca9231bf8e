package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/mcstack/internal/audit"
)

// AuditHandler handles audit log queries
type AuditHandler struct {
	rec *audit.Recorder
}

func NewAuditHandler(rec *audit.Recorder) *AuditHandler {
	return &AuditHandler{rec: rec}
}

// List returns audit logs with pagination, optionally for one stack
func (h *AuditHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	stackID, _ := strconv.Atoi(c.Query("stack_id"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	logs, total, err := h.rec.List(page, perPage, stackID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to read audit log", "error_key": "error.audit_list_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
