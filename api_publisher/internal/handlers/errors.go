package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/logging"
)

// statusFor maps a classified failure to an HTTP status.
func statusFor(err error) int {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Code {
	case failure.CodeNotFound:
		return http.StatusNotFound
	case failure.CodeInvalidState:
		return http.StatusConflict
	case failure.CodeValidation:
		return http.StatusUnprocessableEntity
	case failure.CodeAuth, failure.CodeRateLimit, failure.CodeTransient, failure.CodeMedia,
		failure.CodeAllPlatformsFailed, failure.CodePartialFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Unclassified errors are logged
// and their message withheld.
func writeError(c *gin.Context, logger logging.Logger, err error) int {
	status := statusFor(err)
	var fe *failure.Error
	if errors.As(err, &fe) {
		c.JSON(status, gin.H{
			"success": false,
			"error":   fe.Error(),
			"code":    fe.Code,
		})
		return status
	}

	logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	c.JSON(status, gin.H{
		"success": false,
		"error":   "Internal error",
	})
	return status
}
