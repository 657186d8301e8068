// Package middleware provides gin middleware for the notification API
package middleware

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestIDKey is the gin context key holding the request id
const RequestIDKey = "request_id"

// Logger logs every completed request through logrus. 5xx responses log at
// error level and 4xx at warn.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if id, ok := c.Get(RequestIDKey); ok {
			fields["request_id"] = id
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny).String(); errs != "" {
			fields["error"] = errs
		}

		entry := logger.WithFields(fields)
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		default:
			entry.Info("Request completed")
		}
	}
}

// Recovery turns a handler panic into a 500
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"panic":  recovered,
		}).Error("Panic recovered")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// CORS allows any origin to call the API
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With, "+RequestIDHeader)
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Header("Access-Control-Expose-Headers", "Retry-After, "+RequestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestID propagates the caller's X-Request-ID or assigns a new uuid
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Header(RequestIDHeader, id)
		c.Set(RequestIDKey, id)
		c.Next()
	}
}

// InFlight counts requests currently being served. It feeds the
// active_connections health metric.
type InFlight struct {
	active int64
}

// Handler tracks each request for its duration
func (f *InFlight) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		atomic.AddInt64(&f.active, 1)
		defer atomic.AddInt64(&f.active, -1)
		c.Next()
	}
}

// ActiveConnections returns the current number of in-flight requests
func (f *InFlight) ActiveConnections() int {
	return int(atomic.LoadInt64(&f.active))
}
