package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"infusionrelay/models"
)

// Error codes carried in the envelope's error field.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodePrecondition         = "PRECONDITION_FAILED"
	CodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodeInternal             = "INTERNAL"
)

// ToAPIError converts an error to an HTTP status code and error envelope.
func ToAPIError(err error) (int, models.APIResponse) {
	switch {
	case err == nil:
		return http.StatusOK, models.MessageResponse("")
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, models.ErrorResponse(CodeValidation, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, models.ErrorResponse(CodeNotFound, err.Error())
	case errors.Is(err, models.ErrPrecondition):
		return http.StatusConflict, models.ErrorResponse(CodePrecondition, err.Error())
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, models.ErrorResponse(CodeConflict, err.Error())
	case errors.Is(err, models.ErrTransportUnavailable):
		return http.StatusServiceUnavailable, models.ErrorResponse(CodeTransportUnavailable, "Device messaging is unavailable, command not sent")
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, models.ErrorResponse(CodeStoreUnavailable, "Storage is temporarily unavailable")
	}
	return http.StatusInternalServerError, models.ErrorResponse(CodeInternal, "Internal server error")
}

func respondError(c *gin.Context, err error) {
	status, body := ToAPIError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
