package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/auth"
	"github.com/TheGojiOG/pvebackup/internal/config"
)

func TestOriginPolicy(t *testing.T) {
	open := NewOriginPolicy([]string{"0.0.0.0/0"})
	if !open.Allows("https://anything.local") {
		t.Fatalf("expected wildcard allowlist to permit origin")
	}

	strict := NewOriginPolicy([]string{" https://pve.example.com/ ", ""})
	if !strict.Allows("https://pve.example.com") {
		t.Fatalf("expected listed origin to be allowed")
	}
	if strict.Allows("https://evil.example.com") {
		t.Fatalf("expected unlisted origin to be rejected")
	}
	if !strict.Allows("") {
		t.Fatalf("expected same-origin request to be allowed")
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS(config.CORSConfig{AllowedOrigins: []string{"https://pve.example.com"}}))
	router.PUT("/api/v1/target", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/target", nil)
	req.Header.Set("Origin", "https://pve.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://pve.example.com" {
		t.Fatalf("expected origin to be reflected, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/target", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin for unlisted origin, got %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter(2, time.Minute)
	key := "127.0.0.1"
	now := time.Now()

	for i := 0; i < 2; i++ {
		if _, ok := limiter.take(key, now); !ok {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}
	wait, ok := limiter.take(key, now.Add(10*time.Second))
	if ok {
		t.Fatalf("expected third request to be rate limited")
	}
	if wait != 50*time.Second {
		t.Fatalf("expected 50s until reset, got %s", wait)
	}

	if _, ok := limiter.take(key, now.Add(time.Minute)); !ok {
		t.Fatalf("expected request to be allowed after window reset")
	}
	if _, ok := limiter.take("10.0.0.9", now.Add(time.Minute)); !ok {
		t.Fatalf("expected other client to have its own window")
	}
}

func TestRateLimitSkipsProgressPolling(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(true, 1))
	router.GET("/api/v1/jobs/active", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/history", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/active", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("polling request %d was limited: %d", i, w.Code)
		}
	}

	codes := []int{}
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected second history request to be limited, got %v", codes)
	}
}

func TestAuthPassesWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth(auth.NewJWTManager("", time.Minute)))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected request to pass, got %d", w.Code)
	}
}

func TestAuthRequiresValidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := auth.NewJWTManager("middleware-secret-0123", time.Minute)
	router := gin.New()
	router.Use(Auth(manager))
	router.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("operator")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, _, err := manager.GenerateToken("admin")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "admin" {
		t.Fatalf("expected operator admin, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?token="+token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", w.Code)
	}
}
