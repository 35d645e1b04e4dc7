package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/TheGojiOG/pvebackup/internal/api/middleware"
	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// statusFor maps an error kind to an HTTP status
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.InvalidConfiguration, failure.EmptySelection, failure.NoResolvablePaths:
		return http.StatusBadRequest
	case failure.NotFound:
		return http.StatusNotFound
	case failure.JobAlreadyRunning:
		return http.StatusConflict
	case failure.AuthRejected, failure.Unreachable, failure.TransferFailed:
		return http.StatusBadGateway
	case failure.Timeout:
		return http.StatusGatewayTimeout
	case failure.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error", "kind"} with the status for the error's kind
func respondError(c *gin.Context, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// badRequest reports a malformed request body
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": failure.InvalidConfiguration})
}

// HumanSize formats a byte count with one decimal, e.g. "1.5 MB"
func HumanSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}

func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	policy := middleware.NewOriginPolicy(allowedOrigins)
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return policy.Allows(r.Header.Get("Origin"))
		},
	}
}
