package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID  = "X-Request-ID"
	ContextRequestID = "request_id"

	maxLoggedBody = 4 << 10
)

// RequestLogger tags each request with an id and logs it once it completes.
// Bodies of mutating requests are logged at debug level with secrets masked.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(HeaderRequestID, reqID)
		c.Set(ContextRequestID, reqID)

		var body []byte
		if c.Request.Body != nil && isMutating(c.Request.Method) {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
		}

		c.Next()

		fields := []any{
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if u, ok := CurrentUser(c); ok {
			fields = append(fields, "user_id", u.ID)
		}
		logger.Info("request", fields...)

		if len(body) > 0 {
			logger.Debug("request body", "request_id", reqID, "body", redactBody(body))
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func redactBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return "[truncated]"
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return "[redacted]"
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return "[redacted]"
	}
	return string(out)
}

func redactValue(v *any) {
	switch raw := (*v).(type) {
	case map[string]any:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []any:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key", "api_secret", "passphrase", "api_passphrase", "secret", "master_key":
		return true
	}
	return false
}
