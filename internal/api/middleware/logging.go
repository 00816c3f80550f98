package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mail-cci/headerguard/pkg/helpers"
)

const (
	// CorrelationIDKey is the gin context key holding the request's correlation ID.
	CorrelationIDKey    = "correlation_id"
	correlationIDHeader = "X-Request-ID"
	maxLoggedBody       = 1024
)

// LoggingMiddleware logs every request and response. Request and response
// bodies are logged only when the logger has debug enabled, so level changes
// made through /log-level take effect immediately.
func LoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		method := c.Request.Method

		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = helpers.GenerateCorrelationID()
		}
		c.Set(CorrelationIDKey, id)
		c.Header(correlationIDHeader, id)

		debug := logger.Core().Enabled(zapcore.DebugLevel)

		// Read and restore the request body so it can be consumed later
		var bodyBytes []byte
		if debug && c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err == nil {
				bodyBytes = b
				c.Request.Body = io.NopCloser(bytes.NewBuffer(b))
			} else {
				logger.Error("failed to read request body", zap.Error(err))
			}
		}

		var blw *bodyLogWriter
		if debug {
			blw = &bodyLogWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
			c.Writer = blw
			logger.Debug("Incoming request",
				zap.String("method", method),
				zap.String("path", path),
				zap.String("correlation_id", id),
				zap.Any("headers", c.Request.Header),
				zap.String("body", string(truncateBody(bodyBytes, maxLoggedBody))),
			)
		} else {
			logger.Info("Incoming request",
				zap.String("method", method),
				zap.String("path", path),
				zap.String("correlation_id", id),
			)
		}

		c.Next()

		statusCode := c.Writer.Status()
		if blw != nil {
			logger.Debug("Response sent",
				zap.Int("status", statusCode),
				zap.String("path", path),
				zap.String("correlation_id", id),
				zap.String("body", string(truncateBody(blw.body.Bytes(), maxLoggedBody))),
				zap.Any("headers", c.Writer.Header()),
			)
			return
		}
		logger.Info("Response sent",
			zap.Int("status", statusCode),
			zap.String("path", path),
			zap.String("correlation_id", id),
		)
	}
}

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body != nil {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w bodyLogWriter) WriteString(s string) (int, error) {
	if w.body != nil {
		w.body.WriteString(s)
	}
	return w.ResponseWriter.WriteString(s)
}

func truncateBody(body []byte, limit int) []byte {
	if len(body) > limit {
		out := make([]byte, 0, limit+3)
		out = append(out, body[:limit]...)
		return append(out, "..."...)
	}
	return body
}
