package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/mcstack/internal/service"
)

// errorResponder turns service errors into JSON bodies with an i18n error_key.
type errorResponder struct {
	exposeStderr bool
}

func (r errorResponder) respond(c *gin.Context, err error) {
	status, key := classify(err)

	body := gin.H{"message": err.Error(), "error_key": key}
	var se *service.StackError
	if errors.As(err, &se) {
		body["message"] = se.Message
		if se.StackID > 0 {
			body["stack_id"] = se.StackID
		}
		if r.exposeStderr && se.Stderr != "" {
			body["detail"] = se.Stderr
		}
	}
	c.JSON(status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrCapacity):
		return http.StatusForbidden, "error.capacity_reached"
	case errors.Is(err, service.ErrInvalidStatus):
		return http.StatusBadRequest, "error.invalid_status"
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "error.validation_failed"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "error.stack_not_found"
	case errors.Is(err, service.ErrDocker):
		return http.StatusInternalServerError, "error.runtime_failed"
	case errors.Is(err, service.ErrFileSystem):
		return http.StatusInternalServerError, "error.filesystem_failed"
	default:
		return http.StatusInternalServerError, "error.internal"
	}
}
