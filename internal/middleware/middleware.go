package middleware

import (
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// HeaderXRequestID is the header carrying the request ID.
const HeaderXRequestID = "X-Request-ID"

// maxRequestIDLength bounds client-supplied request IDs.
const maxRequestIDLength = 128

var (
	panicsRecovered     prometheus.Counter
	panicsRecoveredOnce sync.Once
)

func panicCounter() prometheus.Counter {
	panicsRecoveredOnce.Do(func() {
		panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegw",
			Subsystem: "http",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered in HTTP handlers",
		})
	})
	return panicsRecovered
}

// RequestID reuses the client's X-Request-ID or generates one, stores it
// in the request context and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator is RequestID with a custom ID generator.
func RequestIDWithGenerator(generator func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generator()
		}

		ctx := util.ContextWithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}

// RequestIDFrom returns the request ID set by RequestID.
func RequestIDFrom(c *gin.Context) string {
	return util.RequestIDFromContext(c.Request.Context())
}

// AccessLog logs one line per request after it completes.
func AccessLog(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("access",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Int("size", c.Writer.Size()),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("route", util.RouteFromContext(c.Request.Context())),
			observability.String("upstream", util.UpstreamFromContext(c.Request.Context())),
			observability.String("request_id", RequestIDFrom(c)),
		)
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					logger.Debug("response aborted",
						observability.String("path", c.Request.URL.Path),
						observability.String("request_id", RequestIDFrom(c)),
					)
					panic(err)
				}
				logger.Error("panic recovered",
					observability.String("path", c.Request.URL.Path),
					observability.String("method", c.Request.Method),
					observability.String("request_id", RequestIDFrom(c)),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				panicCounter().Inc()

				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
					return
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
