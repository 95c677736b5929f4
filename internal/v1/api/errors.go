package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// httpStatus maps a canonical error code to its REST status.
func httpStatus(code string) int {
	switch code {
	case types.CodeInvalidDisplayName, types.CodeInvalidMessage, types.CodeMaliciousInput:
		return http.StatusBadRequest
	case types.CodeRoomLocked:
		return http.StatusForbidden
	case types.CodeUserNotFound, types.CodeRoomNotFound:
		return http.StatusNotFound
	case types.CodeRoomFull, types.CodeAlreadyInRoom, types.CodeNotAMember:
		return http.StatusConflict
	case types.CodeRateLimitExceeded, types.CodeJoinLimitExceeded, types.CodeChatRateLimitExceeded,
		types.CodeTooManyConnections, types.CodeReconnectionThrottled:
		return http.StatusTooManyRequests
	case types.CodeSystemAtCapacity, types.CodeServerShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the standard error envelope. Internal errors get
// a generic message so nothing from the stack leaks out.
func respondError(c *gin.Context, err error) {
	code := types.CodeOf(err)
	status := httpStatus(code)

	message := err.Error()
	if code == types.CodeInternal {
		message = "internal error"
	}

	detail := gin.H{"code": code, "message": message}
	var throttled *types.ThrottledError
	if errors.As(err, &throttled) {
		secs := int64((throttled.RetryAfter + time.Second - 1) / time.Second)
		detail["retry_after"] = secs
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}

	c.AbortWithStatusJSON(status, gin.H{"error": detail})
}

// respondRateLimited is the envelope for an action-specific denial.
func respondRateLimited(c *gin.Context, code string, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"code":        code,
			"message":     "too many requests",
			"retry_after": secs,
		},
	})
}
