package operator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitopsdelivery/pkg/adapters/webhooks"
	"gitopsdelivery/pkg/controllers/drift"
	"gitopsdelivery/pkg/core"
)

// Response is the envelope of every API reply.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrResponse carries the failure detail.
type ErrResponse struct {
	Err string `json:"err"`
}

func jsonSuccessResponse(c *gin.Context, data interface{}, message string) {
	code := http.StatusOK
	c.JSON(code, Response{
		Success:   true,
		Message:   message,
		Code:      code,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func jsonFailedResponse(c *gin.Context, err error, message string) {
	code := statusCode(err)
	c.JSON(code, Response{
		Success:   false,
		Message:   message,
		Code:      code,
		Data:      ErrResponse{Err: err.Error()},
		Timestamp: time.Now().Unix(),
	})
}

// statusCode maps the error taxonomy onto HTTP codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, webhooks.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict), errors.Is(err, drift.ErrPaused):
		return http.StatusConflict
	case errors.Is(err, core.ErrSourceUnavailable), errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	if core.ClassifyError(err) == core.ErrorCategoryTransient {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
