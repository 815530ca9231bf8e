package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/mcstack/internal/model"
	"github.com/web-casa/mcstack/internal/service"
)

// StackHandler exposes the stack lifecycle and status endpoints
type StackHandler struct {
	stacks *service.StackService
	status *service.StatusService
	errorResponder
}

// NewStackHandler creates a new StackHandler
func NewStackHandler(stacks *service.StackService, status *service.StatusService, exposeStderr bool) *StackHandler {
	return &StackHandler{
		stacks:         stacks,
		status:         status,
		errorResponder: errorResponder{exposeStderr: exposeStderr},
	}
}

// Create allocates and starts a new stack
func (h *StackHandler) Create(c *gin.Context) {
	ctx := service.WithSource(c.Request.Context(), c.ClientIP())
	created, err := h.stacks.Create(ctx)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":  "Stack created successfully",
		"stack_id": created.ID,
		"ports":    created.Ports,
	})
}

// List returns every stack with its live status
func (h *StackHandler) List(c *gin.Context) {
	list, err := h.status.List(c.Request.Context())
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Get returns the live status of one stack
func (h *StackHandler) Get(c *gin.Context) {
	id, ok := parseStackID(c)
	if !ok {
		return
	}
	st, err := h.status.Get(c.Request.Context(), id)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Delete tears a stack down and removes its data
func (h *StackHandler) Delete(c *gin.Context) {
	id, ok := parseStackID(c)
	if !ok {
		return
	}
	ctx := service.WithSource(c.Request.Context(), c.ClientIP())
	if err := h.stacks.Delete(ctx, id); err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Stack %d deleted successfully", id)})
}

// UpdateStatus starts or stops a stack: {"status": "running"|"stopped"}
func (h *StackHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseStackID(c)
	if !ok {
		return
	}
	var req struct {
		Status model.State `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "status is required", "error_key": "error.invalid_request"})
		return
	}

	ctx := service.WithSource(c.Request.Context(), c.ClientIP())
	if err := h.stacks.UpdateStatus(ctx, id, req.Status); err != nil {
		h.respond(c, err)
		return
	}
	verb := "started"
	if req.Status == model.StateStopped {
		verb = "stopped"
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Stack %d %s successfully", id, verb)})
}

// Start is the legacy PUT /api/v1/:id route
func (h *StackHandler) Start(c *gin.Context) {
	h.toggle(c, model.StateRunning)
}

// Stop is the legacy POST /api/v1/:id route
func (h *StackHandler) Stop(c *gin.Context) {
	h.toggle(c, model.StateStopped)
}

func (h *StackHandler) toggle(c *gin.Context, desired model.State) {
	id, ok := parseStackID(c)
	if !ok {
		return
	}
	ctx := service.WithSource(c.Request.Context(), c.ClientIP())
	if err := h.stacks.UpdateStatus(ctx, id, desired); err != nil {
		h.respond(c, err)
		return
	}
	verb := "started"
	if desired == model.StateStopped {
		verb = "stopped"
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Stack %d %s successfully", id, verb)})
}

func parseStackID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid stack ID", "error_key": "error.invalid_id"})
		return 0, false
	}
	return id, true
}
