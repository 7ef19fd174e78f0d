package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupAuthRouter(key string) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/api/ping", APIKeyAuth(key), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		header     string
		value      string
		wantStatus int
	}{
		{"not configured", "", apiKeyHeader, "secret", http.StatusServiceUnavailable},
		{"missing", "secret", "", "", http.StatusUnauthorized},
		{"wrong", "secret", apiKeyHeader, "nope", http.StatusUnauthorized},
		{"header", "secret", apiKeyHeader, "secret", http.StatusOK},
		{"bearer", "secret", "Authorization", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupAuthRouter(tt.key)
			req, _ := http.NewRequest(http.MethodGet, "/api/ping", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
