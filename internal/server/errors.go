package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/workdesk/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest, "validation"
	case apperr.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case apperr.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case apperr.ErrInvalidState:
		return http.StatusConflict, "invalid_state"
	case apperr.ErrStorageWrite, apperr.ErrStorageRead:
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func abortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// fail writes the error envelope for err. Internal errors are logged and
// their detail withheld.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("internal error")
		msg = http.StatusText(status)
	}
	_ = c.Error(err)
	abortWith(c, status, code, msg)
}

func badRequest(format string, args ...any) error {
	return apperr.Validation(format, args...)
}
