// internal/api/middleware_test.go
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Draftsmith/ScriptForge/internal/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	// 接口层日志直写stdout，测试输出里只留断言信息
	utils.GetLogger().Enable(false)
	os.Exit(m.Run())
}

func TestRateLimiterFixedWindow(t *testing.T) {
	rl := NewRateLimiter()
	window := 80 * time.Millisecond

	for i := 0; i < 3; i++ {
		if !rl.Allow("visitor-a", 3, window) {
			t.Fatalf("第%d次请求应放行", i+1)
		}
	}
	if rl.Allow("visitor-a", 3, window) {
		t.Fatal("超出配额的请求应被拒绝")
	}

	// 其他访客各自计数
	if !rl.Allow("visitor-b", 3, window) {
		t.Fatal("不同访客不应互相影响")
	}

	time.Sleep(window + 20*time.Millisecond)
	if !rl.Allow("visitor-a", 3, window) {
		t.Fatal("窗口过期后应重新放行")
	}
}

func TestRateLimiterHeaders(t *testing.T) {
	rl := NewRateLimiter()
	window := time.Minute

	limit, remaining, reset := rl.GetRateLimitHeaders("unseen", 10, window)
	if limit != 10 || remaining != 10 {
		t.Errorf("未出现过的访客应返回满配额，得到 (%d, %d)", limit, remaining)
	}
	if reset < time.Now().Unix() {
		t.Errorf("reset应是未来时间戳，得到 %d", reset)
	}

	rl.Allow("seen", 10, window)
	limit, remaining, _ = rl.GetRateLimitHeaders("seen", 10, window)
	if limit != 10 || remaining != 9 {
		t.Errorf("一次请求后期望 (10, 9)，得到 (%d, %d)", limit, remaining)
	}
}

func TestRateLimitMiddlewareRejectsOverLimit(t *testing.T) {
	router := gin.New()
	router.GET("/ping", RateLimitMiddleware(2, time.Minute, func(*gin.Context) string {
		return "middleware-test-key"
	}), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return w
	}

	first := do()
	if first.Code != http.StatusOK {
		t.Fatalf("首次请求状态码 = %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, 期望 1", got)
	}

	if second := do(); second.Code != http.StatusOK {
		t.Fatalf("第二次请求状态码 = %d", second.Code)
	}

	third := do()
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("超限请求状态码 = %d, 期望429", third.Code)
	}
	if got := third.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, 期望 2", got)
	}
	if got := third.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, 期望 0", got)
	}

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(third.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析429响应失败: %v", err)
	}
	if body.Success || body.Code != ErrorRateLimited || body.Error != "Rate limit exceeded" {
		t.Errorf("429响应体不符: %+v", body)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/echo", nil))
	generated := w.Header().Get("X-Request-ID")
	if generated == "" {
		t.Fatal("缺少X-Request-ID响应头")
	}
	if w.Body.String() != generated {
		t.Errorf("上下文中的request_id(%q)应与响应头(%q)一致", w.Body.String(), generated)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-Request-ID", "trace-abc-123")
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-abc-123" {
		t.Errorf("传入的请求ID应原样保留，得到 %q", got)
	}
}
