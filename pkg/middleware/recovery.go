package middleware

import (
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/logger"
	"go.uber.org/zap"
)

// Recovery converts panics into 500 responses, logging the panic and
// reporting it to Sentry when configured.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic recovered: %v", r)
				logger.ErrorContext(c.Request.Context(), "panic in request handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)

				if hub := sentry.CurrentHub(); hub.Client() != nil {
					hub.CaptureException(err)
				}

				common.ErrorResponse(c, http.StatusInternalServerError, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
