package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func testUsers() *service.IdentityRegistry {
	return service.NewIdentityRegistry(&config.Config{
		Auth: config.AuthConfig{Users: []config.UserConfig{
			{ID: 7, Name: "alice", APIKey: "sk-alice", QPS: 1, Burst: 2},
		}},
	})
}

func newEngine(allowAnonymous bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	users := testUsers()
	r := gin.New()
	r.Use(ErrorHandler())
	r.Use(AuthMiddleware(users, allowAnonymous))
	r.Use(RateLimitMiddleware(users))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": CurrentIdentity(c).UserID})
	})
	return r
}

func get(r http.Handler, url string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := newEngine(false)

	w := get(r, "/whoami", map[string]string{HeaderAPIKey: "sk-alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7}`, w.Body.String())

	w = get(r, "/whoami?api_key=sk-alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_FAILED")

	w = get(r, "/whoami", map[string]string{HeaderAPIKey: "sk-wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareAnonymous(t *testing.T) {
	r := newEngine(true)

	w := get(r, "/whoami", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":0}`, w.Body.String())

	// A wrong key is not downgraded to anonymous.
	w = get(r, "/whoami?api_key=sk-wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	r := newEngine(true)
	header := map[string]string{HeaderAPIKey: "sk-alice"}

	assert.Equal(t, http.StatusOK, get(r, "/whoami", header).Code)
	assert.Equal(t, http.StatusOK, get(r, "/whoami", header).Code)

	w := get(r, "/whoami", header)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Anonymous callers bypass the per-user bucket.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/whoami", nil).Code)
	}
}

func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/app", func(c *gin.Context) {
		c.Error(apperrors.New(apperrors.ErrInactive, "credential is inactive", nil))
	})
	r.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})
	r.GET("/written", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		c.Error(errors.New("late failure"))
	})

	w := get(r, "/app", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"CREDENTIAL_INACTIVE"`)
	assert.Contains(t, w.Body.String(), `"message":"credential is inactive"`)

	w = get(r, "/plain", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")

	w = get(r, "/written", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRedactBody(t *testing.T) {
	got := redactBody([]byte(`{"api_key":"k","api_secret":"s","auto_sync":true,"nested":[{"Passphrase":"p"}]}`))
	assert.JSONEq(t, `{"api_key":"***","api_secret":"***","auto_sync":true,"nested":[{"Passphrase":"***"}]}`, got)

	assert.Equal(t, "[redacted]", redactBody([]byte("api_key=k")))
	assert.Equal(t, "[truncated]", redactBody(make([]byte, maxLoggedBody+1)))
}

func TestRequestLoggerRestoresBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusOK, body)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"api_key":"k"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"api_key":"k"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
