package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

// TraceHeader request header carrying the trace id
const TraceHeader = "X-Request-ID"

const maxLoggedBody = 1000

// Trace attaches a trace id to the request context, reusing X-Request-ID when present
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))
		c.Header(TraceHeader, traceID)
		c.Next()
	}
}

// Logger logs one line per request with the compacted body of POST and PUT requests
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var bodyStr string
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Skip logging for 404 requests
		if c.Writer.Status() == http.StatusNotFound {
			return
		}

		logMsg := fmt.Sprintf("[GIN] %3d | %13v | %15s | %s | %s",
			c.Writer.Status(),
			time.Since(startTime),
			c.ClientIP(),
			c.Request.Method,
			c.Request.URL.Path,
		)
		if bodyStr != "" {
			logMsg += " | body: " + bodyStr
		}

		logger.InfoCtx(c.Request.Context(), "%s", logMsg)
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	bodyBytes, _ := io.ReadAll(c.Request.Body)
	// Reset request body since reading it clears it
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return CompressBody(string(bodyBytes))
}

// CompressBody compresses JSON using pretty package and redacts session tokens
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	// Compress JSON, ugly=true means remove all whitespace
	compressed := pretty.Ugly([]byte(body))
	compressed = redactToken(compressed)
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}

var tokenKey = []byte(`"token":"`)

// redactToken masks the value of a top-level "token" field
func redactToken(body []byte) []byte {
	start := bytes.Index(body, tokenKey)
	if start < 0 {
		return body
	}
	valueStart := start + len(tokenKey)
	end := bytes.IndexByte(body[valueStart:], '"')
	if end < 0 {
		return body
	}
	out := make([]byte, 0, len(body))
	out = append(out, body[:valueStart]...)
	out = append(out, "***"...)
	out = append(out, body[valueStart+end:]...)
	return out
}
