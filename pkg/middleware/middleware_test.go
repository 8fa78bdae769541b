package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/jwt"
	"conversation-engine/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(errors.ErrorHandler())
	return r
}

func ok(c *gin.Context) { c.Status(http.StatusNoContent) }

func TestGatewaySignature(t *testing.T) {
	r := newEngine()
	r.POST("/events", GatewaySignature("s3cret", 1<<10, logger.Nop()), func(c *gin.Context) {
		var body map[string]string
		require.NoError(t, c.BindJSON(&body))
		c.JSON(http.StatusOK, body)
	})

	body := `{"token":"T1"}`

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign([]byte("s3cret"), []byte(body)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, body, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign([]byte("wrong"), []byte(body)))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_SIGNATURE")

	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(strings.Repeat("x", 2048)))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSignatureDisabledWithoutSecret(t *testing.T) {
	r := newEngine()
	r.POST("/events", GatewaySignature("", 0, logger.Nop()), ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiterPerTenant(t *testing.T) {
	rl := NewRateLimiter(logger.Nop(), RateLimiterOptions{Limit: 0.001, Burst: 2})
	defer rl.Close()

	r := newEngine()
	r.POST("/tenants/:tenantId/events", rl.Middleware(), ok)

	hit := func(tenant string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tenants/"+tenant+"/events", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, hit("acme"))
	assert.Equal(t, http.StatusNoContent, hit("acme"))
	assert.Equal(t, http.StatusTooManyRequests, hit("acme"))
	assert.Equal(t, http.StatusNoContent, hit("globex"))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(logger.Nop(), RateLimiterOptions{Limit: 1, Burst: 1, ExpiryDuration: time.Minute})
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("tenant:acme"))
	now = now.Add(2 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.clients)
}

func TestJWTAuthAndPermissions(t *testing.T) {
	svc := jwt.NewService("secret", "test", time.Hour)

	r := newEngine()
	g := r.Group("/", JWTAuthMiddleware(svc, logger.Nop()))
	g.GET("/read", RequirePermission(jwt.PermReadConversations), ok)
	g.POST("/transition", RequirePermission(jwt.PermTransition), func(c *gin.Context) {
		claims, found := Claims(c)
		require.True(t, found)
		c.String(http.StatusOK, claims.Operator())
	})

	call := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	viewer, err := svc.GenerateToken("viewer-1", jwt.RoleViewer)
	require.NoError(t, err)
	operator, err := svc.GenerateToken("ops-1", jwt.RoleOperator)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/read", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/read", "garbage").Code)
	assert.Equal(t, http.StatusNoContent, call(http.MethodGet, "/read", viewer).Code)
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/transition", viewer).Code)

	w := call(http.MethodPost, "/transition", operator)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops-1", w.Body.String())
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newEngine()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, GetCorrelationID(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	id := w.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	assert.Equal(t, id, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderCorrelationID, "corr-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "corr-1", w.Body.String())
}
