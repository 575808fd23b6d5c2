package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation ID in and out of the API
const RequestIDHeader = "X-Request-ID"

// ErrorCodeKey is the gin context key handlers set to the stable code of a failed request
const ErrorCodeKey = "error_code"

// countingWriter records the response size for the access log
type countingWriter struct {
	gin.ResponseWriter
	size int
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *countingWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.size += n
	return n, err
}

// RequestLoggingMiddleware assigns a correlation ID, writes one access-log line per request
// and records HTTP metrics by route template
func RequestLoggingMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("correlation_id", id)
		c.Header(RequestIDHeader, id)

		ctx := WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)

		cw := &countingWriter{ResponseWriter: c.Writer}
		c.Writer = cw

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()

		// the user is known only after the auth middleware ran
		if uid := c.GetString("user_id"); uid != "" {
			ctx = WithUserID(ctx, uid)
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		fields := map[string]interface{}{
			"method":        c.Request.Method,
			"route":         route,
			"status":        status,
			"duration_ms":   elapsed.Milliseconds(),
			"response_size": cw.size,
			"ip":            c.ClientIP(),
		}
		if code := c.GetString(ErrorCodeKey); code != "" {
			fields["error_code"] = code
		}

		switch {
		case len(c.Errors) > 0:
			logger.Error(ctx, "HTTP request failed", c.Errors.Last().Err, fields)
		case status >= http.StatusInternalServerError:
			logger.Error(ctx, "HTTP request failed", nil, fields)
		case status >= http.StatusBadRequest:
			// blocked plans land here
			logger.Info(ctx, "HTTP request rejected", fields)
		default:
			logger.Info(ctx, "HTTP request completed", fields)
		}

		RecordHTTPMetrics(c.Request.Method, route, status, elapsed, cw.size)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the INTERNAL_ERROR code
func RecoveryMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error(c.Request.Context(), "Panic recovered", nil, map[string]interface{}{
					"panic":  p,
					"method": c.Request.Method,
					"route":  c.FullPath(),
				})
				c.Set(ErrorCodeKey, "INTERNAL_ERROR")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    "INTERNAL_ERROR",
						"message": "An unexpected error occurred",
					},
				})
			}
		}()

		c.Next()
	}
}

// HealthHandler serves the aggregated health response. Unhealthy maps to 503.
func HealthHandler(checker *HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := checker.GetHealthResponse(c.Request.Context())

		statusCode := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}

// CORSWithLogging answers preflights and sets CORS headers. allowed is "*" or a
// comma-separated list of origins; a listed origin is echoed back.
func CORSWithLogging(logger *Logger, allowed string) gin.HandlerFunc {
	origins := make(map[string]bool)
	wildcard := allowed == "" || allowed == "*"
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			origins[o] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()

		switch {
		case wildcard:
			h.Set("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}

		if origin != "" && !wildcard && !origins[origin] {
			logger.Debug(c.Request.Context(), "CORS preflight from unlisted origin", map[string]interface{}{
				"origin": origin,
			})
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}
