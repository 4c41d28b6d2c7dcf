package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(keys map[string]string, rl *RateLimiter) *gin.Engine {
	r := gin.New()
	g := r.Group("/", APIKeyMiddleware(keys))
	if rl != nil {
		g.Use(rl.Middleware())
	}
	g.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, ProjectID(c))
	})
	return r
}

func do(r http.Handler, target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyMiddleware(t *testing.T) {
	r := newRouter(map[string]string{"k1": "tenant1", "k2": "tenant2"}, nil)

	tests := []struct {
		name   string
		target string
		key    string
		status int
		body   string
	}{
		{"missing key", "/whoami", "", http.StatusUnauthorized, ""},
		{"unknown key", "/whoami", "nope", http.StatusUnauthorized, ""},
		{"header key", "/whoami", "k1", http.StatusOK, "tenant1"},
		{"query key", "/whoami?apiKey=k2", "", http.StatusOK, "tenant2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.target, tt.key)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

func TestRateLimiterPerProject(t *testing.T) {
	r := newRouter(map[string]string{"k1": "tenant1", "k2": "tenant2"}, NewRateLimiter(2))

	for i := range 2 {
		if w := do(r, "/whoami", "k1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := do(r, "/whoami", "k1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}

	if w := do(r, "/whoami", "k2"); w.Code != http.StatusOK {
		t.Fatalf("other project limited: status %d", w.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for range 1000 {
		if !rl.allow("tenant1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}
